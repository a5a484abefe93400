// Package memory is an in-memory InteractionStore for development and
// tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tollgate-ai/tollgate/internal/domain"
	"github.com/tollgate-ai/tollgate/internal/storage"
)

// ErrNotFound aliases the storage-level sentinel for convenience.
var ErrNotFound = storage.ErrNotFound

// Store keeps interactions in insertion order, guarded by a mutex.
type Store struct {
	mu    sync.RWMutex
	items []*domain.Interaction
	byID  map[string]*domain.Interaction
}

var _ storage.InteractionStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{byID: make(map[string]*domain.Interaction)}
}

func (s *Store) Create(_ context.Context, interaction *domain.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[interaction.ID]; exists {
		return fmt.Errorf("interaction %s already exists", interaction.ID)
	}
	s.items = append(s.items, interaction)
	s.byID[interaction.ID] = interaction
	return nil
}

func (s *Store) FindByID(_ context.Context, id string) (*domain.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	interaction, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("interaction %s: %w", id, ErrNotFound)
	}
	return interaction, nil
}

func (s *Store) FindAllPaginated(_ context.Context, opts storage.ListOptions) (*storage.Page, error) {
	opts.Normalize()

	s.mu.RLock()
	filtered := make([]*domain.Interaction, 0, len(s.items))
	for _, it := range s.items {
		if opts.AgentID == "" || it.AgentID == opts.AgentID {
			filtered = append(filtered, it)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(filtered, func(i, j int) bool {
		less := false
		switch opts.SortBy {
		case storage.SortByAgentID:
			less = filtered[i].AgentID < filtered[j].AgentID
		case storage.SortByModel:
			less = requestModel(filtered[i]) < requestModel(filtered[j])
		default:
			less = filtered[i].CreatedAt.Before(filtered[j].CreatedAt)
		}
		if opts.SortOrder == storage.SortDesc {
			return !less && !equalKey(filtered[i], filtered[j], opts.SortBy)
		}
		return less
	})

	total := len(filtered)
	start := min(opts.Offset, total)
	end := min(start+opts.Limit, total)

	return &storage.Page{
		Items: filtered[start:end],
		Meta:  storage.NewPageMeta(total, opts.Limit, opts.Offset),
	}, nil
}

func (s *Store) Close() error { return nil }

func requestModel(it *domain.Interaction) string {
	if it.Request == nil {
		return ""
	}
	return it.Request.Model
}

func equalKey(a, b *domain.Interaction, sortBy string) bool {
	switch sortBy {
	case storage.SortByAgentID:
		return a.AgentID == b.AgentID
	case storage.SortByModel:
		return requestModel(a) == requestModel(b)
	default:
		return a.CreatedAt.Equal(b.CreatedAt)
	}
}
