// Package storage defines the persistence ports for interaction records and
// the read models serving rules and credentials.
package storage

import (
	"context"
	"errors"

	"github.com/tollgate-ai/tollgate/internal/domain"
)

// ErrNotFound is returned by stores when an interaction ID does not exist.
var ErrNotFound = errors.New("interaction not found")

// Sort keys accepted by interaction listings. Unknown keys fall back to
// newest-first by creation time.
const (
	SortByCreatedAt = "createdAt"
	SortByAgentID   = "agentId"
	SortByModel     = "model"

	SortAsc  = "asc"
	SortDesc = "desc"
)

// DefaultPageSize applies when a listing request carries no limit.
const DefaultPageSize = 50

// ListOptions selects and orders a page of interactions.
type ListOptions struct {
	AgentID   string
	Limit     int
	Offset    int
	SortBy    string
	SortOrder string
}

// Normalize fills defaults: missing limit, negative offset, unknown sort key
// or order.
func (o *ListOptions) Normalize() {
	if o.Limit <= 0 {
		o.Limit = DefaultPageSize
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	switch o.SortBy {
	case SortByCreatedAt, SortByAgentID, SortByModel:
	default:
		o.SortBy = SortByCreatedAt
	}
	switch o.SortOrder {
	case SortAsc, SortDesc:
	default:
		o.SortOrder = SortDesc
	}
}

// Page is one page of interaction records with its pagination envelope.
type Page struct {
	Items []*domain.Interaction `json:"data"`
	Meta  PageMeta              `json:"pagination"`
}

// InteractionStore persists the append-only interaction log.
type InteractionStore interface {
	Create(ctx context.Context, interaction *domain.Interaction) error
	FindByID(ctx context.Context, id string) (*domain.Interaction, error)
	FindAllPaginated(ctx context.Context, opts ListOptions) (*Page, error)
	Close() error
}
