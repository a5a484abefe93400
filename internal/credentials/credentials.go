// Package credentials resolves which stored token authenticates a tool call
// against an MCP server. Tokens are either shared by a team or personal to
// one user; team tokens are preferred so that shared agents do not silently
// act under an individual's identity.
package credentials

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tollgate-ai/tollgate/internal/domain"
)

// AuthType distinguishes shared team tokens from personal ones.
type AuthType string

const (
	AuthTypeTeam     AuthType = "team"
	AuthTypePersonal AuthType = "personal"
)

// Token is a stored credential for one catalog entry (an MCP server in the
// connector catalog).
type Token struct {
	ID         string
	CatalogID  string
	AuthType   AuthType
	OwnerEmail string
	TeamName   string
	Secret     string
}

// Principal identifies the caller on whose behalf tools are invoked.
type Principal struct {
	Email  string
	TeamID string

	// PinnedTokens maps catalogID to an explicitly chosen token ID,
	// overriding the default preference order.
	PinnedTokens map[string]string
}

// TokenSource lists the tokens available for a catalog entry.
type TokenSource interface {
	TokensForCatalog(ctx context.Context, catalogID string) ([]Token, error)
}

// Resolver selects a token for each tool call.
type Resolver struct {
	source TokenSource
	logger *slog.Logger
}

// NewResolver creates a resolver over the given token source.
func NewResolver(source TokenSource, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{source: source, logger: logger}
}

// Resolve picks the token to use for a catalog entry. Order of preference:
// the caller's pinned token, then the first team token, then the caller's
// own personal token. No usable token yields NoCredentialError; a personal
// token belonging to someone else is never used.
func (r *Resolver) Resolve(ctx context.Context, catalogID string, principal Principal) (Token, error) {
	tokens, err := r.source.TokensForCatalog(ctx, catalogID)
	if err != nil {
		return Token{}, err
	}

	if pinned, ok := principal.PinnedTokens[catalogID]; ok {
		for _, tok := range tokens {
			if tok.ID == pinned {
				return tok, nil
			}
		}
		r.logger.Warn("pinned token not found, falling back to defaults",
			slog.String("catalog_id", catalogID),
			slog.String("token_id", pinned),
		)
	}

	for _, tok := range tokens {
		if tok.AuthType == AuthTypeTeam {
			return tok, nil
		}
	}
	for _, tok := range tokens {
		if tok.AuthType == AuthTypePersonal && tok.OwnerEmail == principal.Email {
			return tok, nil
		}
	}

	return Token{}, &domain.NoCredentialError{CatalogID: catalogID}
}

// StaticSource serves a fixed token set, keyed by catalog.
type StaticSource struct {
	mu     sync.RWMutex
	tokens map[string][]Token
}

// NewStaticSource creates a source over the given tokens.
func NewStaticSource(tokens []Token) *StaticSource {
	s := &StaticSource{tokens: make(map[string][]Token)}
	for _, tok := range tokens {
		s.tokens[tok.CatalogID] = append(s.tokens[tok.CatalogID], tok)
	}
	return s
}

// TokensForCatalog returns the tokens stored for a catalog entry, in
// insertion order.
func (s *StaticSource) TokensForCatalog(_ context.Context, catalogID string) ([]Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens[catalogID], nil
}

// Add appends a token.
func (s *StaticSource) Add(tok Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok.CatalogID] = append(s.tokens[tok.CatalogID], tok)
}
