// Package auth validates API keys and maps them to calling agents.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/tollgate-ai/tollgate/internal/credentials"
	"github.com/tollgate-ai/tollgate/internal/gateway"
	"github.com/tollgate-ai/tollgate/internal/rules"
)

// Agent is an authenticated caller. KeyHash is the hex SHA-256 of its API
// key; raw keys are never stored.
type Agent struct {
	ID             string
	OrganizationID string
	TeamID         string
	Email          string
	KeyHash        string
	PinnedTokens   map[string]string
}

// Caller builds the gateway identity for this agent.
func (a Agent) Caller() gateway.Caller {
	return gateway.Caller{
		AgentID: a.ID,
		Principal: credentials.Principal{
			Email:        a.Email,
			TeamID:       a.TeamID,
			PinnedTokens: a.PinnedTokens,
		},
		Scope: rules.Scope{
			OrganizationID: a.OrganizationID,
			TeamID:         a.TeamID,
			AgentID:        a.ID,
		},
	}
}

// Authenticator validates API keys against the configured agents.
type Authenticator struct {
	agents map[string]Agent // key hash -> agent
}

// NewAuthenticator creates an authenticator over the given agents.
func NewAuthenticator(agents []Agent) *Authenticator {
	auth := &Authenticator{agents: make(map[string]Agent, len(agents))}
	for _, agent := range agents {
		auth.agents[agent.KeyHash] = agent
	}
	return auth
}

// ValidateAPIKey returns the agent owning the key.
func (a *Authenticator) ValidateAPIKey(apiKey string) (Agent, error) {
	keyHash := HashAPIKey(apiKey)

	agent, ok := a.agents[keyHash]
	if !ok {
		return Agent{}, fmt.Errorf("invalid API key")
	}

	// Constant-time comparison to prevent timing attacks.
	if subtle.ConstantTimeCompare([]byte(keyHash), []byte(agent.KeyHash)) != 1 {
		return Agent{}, fmt.Errorf("invalid API key")
	}
	return agent, nil
}

// ExtractAPIKey extracts the API key from the Authorization header.
func ExtractAPIKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid Authorization header format")
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", fmt.Errorf("unsupported authorization scheme")
	}
	return parts[1], nil
}

// HashAPIKey creates the hex SHA-256 hash of an API key for storage.
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}
