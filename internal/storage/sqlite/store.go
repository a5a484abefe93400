// Package sqlite persists interactions, optimization rules, MCP tokens, and
// model prices in a single SQLite database.
package sqlite

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tollgate-ai/tollgate/internal/storage"
)

// Store is the SQLite implementation of the gateway's persistence ports.
type Store struct {
	db *sqlx.DB
}

var _ storage.InteractionStore = (*Store)(nil)

// New opens (or creates) the database at dbPath and ensures the schema.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS interactions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			provider TEXT,
			served_model TEXT,
			rule_id TEXT,
			trusted INTEGER NOT NULL DEFAULT 1,
			blocked INTEGER NOT NULL DEFAULT 0,
			reason TEXT,
			status TEXT NOT NULL,
			duration_ns INTEGER,
			request TEXT NOT NULL,
			response TEXT,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS optimization_rules (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			rule_type TEXT NOT NULL,
			conditions TEXT NOT NULL,
			provider TEXT,
			target_model TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mcp_tokens (
			id TEXT PRIMARY KEY,
			catalog_id TEXT NOT NULL,
			auth_type TEXT NOT NULL,
			owner_email TEXT,
			team_name TEXT,
			secret TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS model_prices (
			model TEXT PRIMARY KEY,
			input_per_million REAL NOT NULL,
			output_per_million REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_agent ON interactions(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_created ON interactions(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_entity ON optimization_rules(entity_type, entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_catalog ON mcp_tokens(catalog_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// DB exposes the underlying handle for read models sharing the database.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}
