package credentials

import (
	"context"
	"errors"
	"testing"

	"github.com/tollgate-ai/tollgate/internal/domain"
)

var caller = Principal{Email: "dev@example.com", TeamID: "team_1"}

func TestResolvePrefersTeamToken(t *testing.T) {
	source := NewStaticSource([]Token{
		{ID: "tok_personal", CatalogID: "github", AuthType: AuthTypePersonal, OwnerEmail: "dev@example.com"},
		{ID: "tok_team", CatalogID: "github", AuthType: AuthTypeTeam, TeamName: "platform"},
	})

	tok, err := NewResolver(source, nil).Resolve(context.Background(), "github", caller)
	if err != nil {
		t.Fatal(err)
	}
	if tok.ID != "tok_team" {
		t.Errorf("resolved %q, want the team token over the personal one", tok.ID)
	}
}

func TestResolveFallsBackToOwnPersonalToken(t *testing.T) {
	source := NewStaticSource([]Token{
		{ID: "tok_other", CatalogID: "github", AuthType: AuthTypePersonal, OwnerEmail: "someone@example.com"},
		{ID: "tok_mine", CatalogID: "github", AuthType: AuthTypePersonal, OwnerEmail: "dev@example.com"},
	})

	tok, err := NewResolver(source, nil).Resolve(context.Background(), "github", caller)
	if err != nil {
		t.Fatal(err)
	}
	if tok.ID != "tok_mine" {
		t.Errorf("resolved %q, want the caller's own personal token", tok.ID)
	}
}

func TestResolvePinnedTokenWins(t *testing.T) {
	source := NewStaticSource([]Token{
		{ID: "tok_team", CatalogID: "github", AuthType: AuthTypeTeam},
		{ID: "tok_mine", CatalogID: "github", AuthType: AuthTypePersonal, OwnerEmail: "dev@example.com"},
	})

	pinned := caller
	pinned.PinnedTokens = map[string]string{"github": "tok_mine"}
	tok, err := NewResolver(source, nil).Resolve(context.Background(), "github", pinned)
	if err != nil {
		t.Fatal(err)
	}
	if tok.ID != "tok_mine" {
		t.Errorf("resolved %q, want the pinned token", tok.ID)
	}
}

func TestResolveMissingPinFallsBack(t *testing.T) {
	source := NewStaticSource([]Token{
		{ID: "tok_team", CatalogID: "github", AuthType: AuthTypeTeam},
	})

	pinned := caller
	pinned.PinnedTokens = map[string]string{"github": "tok_deleted"}
	tok, err := NewResolver(source, nil).Resolve(context.Background(), "github", pinned)
	if err != nil {
		t.Fatal(err)
	}
	if tok.ID != "tok_team" {
		t.Errorf("resolved %q, want fallback to the team token", tok.ID)
	}
}

func TestResolveNoUsableToken(t *testing.T) {
	source := NewStaticSource([]Token{
		{ID: "tok_other", CatalogID: "github", AuthType: AuthTypePersonal, OwnerEmail: "someone@example.com"},
	})

	_, err := NewResolver(source, nil).Resolve(context.Background(), "github", caller)
	var noCred *domain.NoCredentialError
	if !errors.As(err, &noCred) {
		t.Fatalf("err = %v, want NoCredentialError", err)
	}
	if noCred.CatalogID != "github" {
		t.Errorf("CatalogID = %q", noCred.CatalogID)
	}
}

func TestResolveEmptyCatalog(t *testing.T) {
	_, err := NewResolver(NewStaticSource(nil), nil).Resolve(context.Background(), "jira", caller)
	var noCred *domain.NoCredentialError
	if !errors.As(err, &noCred) {
		t.Fatalf("err = %v, want NoCredentialError", err)
	}
}
