package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tollgate-ai/tollgate/internal/cost"
	"github.com/tollgate-ai/tollgate/internal/credentials"
)

// TokenSource is a read model over the mcp_tokens table.
type TokenSource struct {
	store *Store
}

var _ credentials.TokenSource = (*TokenSource)(nil)

// NewTokenSource creates a token read model sharing the store's database.
func NewTokenSource(store *Store) *TokenSource {
	return &TokenSource{store: store}
}

// TokensForCatalog returns the stored tokens for a catalog entry, oldest
// first so the first team token is stable across calls.
func (t *TokenSource) TokensForCatalog(ctx context.Context, catalogID string) ([]credentials.Token, error) {
	query := `SELECT id, catalog_id, auth_type, owner_email, team_name, secret
	FROM mcp_tokens WHERE catalog_id = ?
	ORDER BY created_at ASC`

	rows, err := t.store.db.QueryContext(ctx, query, catalogID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}
	defer rows.Close()

	var tokens []credentials.Token
	for rows.Next() {
		var tok credentials.Token
		var authType string
		var ownerEmail, teamName sql.NullString

		if err := rows.Scan(&tok.ID, &tok.CatalogID, &authType,
			&ownerEmail, &teamName, &tok.Secret); err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}

		tok.AuthType = credentials.AuthType(authType)
		tok.OwnerEmail = ownerEmail.String
		tok.TeamName = teamName.String
		tokens = append(tokens, tok)
	}

	return tokens, rows.Err()
}

// LoadPrices reads operator-managed price overrides from the model_prices
// table.
func (s *Store) LoadPrices(ctx context.Context) (map[string]cost.Price, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT model, input_per_million, output_per_million FROM model_prices`)
	if err != nil {
		return nil, fmt.Errorf("failed to query prices: %w", err)
	}
	defer rows.Close()

	prices := make(map[string]cost.Price)
	for rows.Next() {
		var model string
		var p cost.Price
		if err := rows.Scan(&model, &p.InputPerMillion, &p.OutputPerMillion); err != nil {
			return nil, fmt.Errorf("failed to scan price: %w", err)
		}
		prices[model] = p
	}

	return prices, rows.Err()
}
