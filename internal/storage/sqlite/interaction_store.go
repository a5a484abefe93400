package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tollgate-ai/tollgate/internal/domain"
	"github.com/tollgate-ai/tollgate/internal/storage"
)

// ErrNotFound aliases the storage-level sentinel for convenience.
var ErrNotFound = storage.ErrNotFound

// Create appends an interaction. The original request body is persisted
// verbatim when the caller preserved it; otherwise the parsed request is
// re-serialized.
func (s *Store) Create(ctx context.Context, interaction *domain.Interaction) error {
	if interaction.CreatedAt.IsZero() {
		interaction.CreatedAt = time.Now().UTC()
	}

	request, err := requestJSON(interaction.Request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var response sql.NullString
	if interaction.Response != nil {
		body := interaction.Response.Raw
		if len(body) == 0 {
			body, err = json.Marshal(interaction.Response)
			if err != nil {
				return fmt.Errorf("failed to marshal response: %w", err)
			}
		}
		response = sql.NullString{String: string(body), Valid: true}
	}

	metadata, err := json.Marshal(interaction.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `INSERT INTO interactions (
		id, agent_id, provider, served_model, rule_id,
		trusted, blocked, reason, status, duration_ns,
		request, response, metadata, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		interaction.ID, interaction.AgentID, interaction.Provider,
		interaction.ServedModel, interaction.RuleID,
		boolToInt(interaction.Trusted), boolToInt(interaction.Blocked),
		interaction.Reason, string(interaction.Status), int64(interaction.Duration),
		request, response, string(metadata), interaction.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to save interaction: %w", err)
	}
	return nil
}

// FindByID loads one interaction with its full request and response bodies.
func (s *Store) FindByID(ctx context.Context, id string) (*domain.Interaction, error) {
	query := `SELECT id, agent_id, provider, served_model, rule_id,
		trusted, blocked, reason, status, duration_ns,
		request, response, metadata, created_at
	FROM interactions WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	interaction, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("interaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get interaction: %w", err)
	}
	return interaction, nil
}

// FindAllPaginated lists interactions sorted and windowed per the options.
// The model sort key orders by the model field inside the stored request
// body.
func (s *Store) FindAllPaginated(ctx context.Context, opts storage.ListOptions) (*storage.Page, error) {
	opts.Normalize()

	where := " WHERE 1=1"
	var args []any
	if opts.AgentID != "" {
		where += " AND agent_id = ?"
		args = append(args, opts.AgentID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM interactions"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count interactions: %w", err)
	}

	query := `SELECT id, agent_id, provider, served_model, rule_id,
		trusted, blocked, reason, status, duration_ns,
		request, response, metadata, created_at
	FROM interactions` + where + " ORDER BY " + orderClause(opts) + " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query interactions: %w", err)
	}
	defer rows.Close()

	items := make([]*domain.Interaction, 0, opts.Limit)
	for rows.Next() {
		interaction, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		items = append(items, interaction)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &storage.Page{
		Items: items,
		Meta:  storage.NewPageMeta(total, opts.Limit, opts.Offset),
	}, nil
}

// orderClause maps the whitelisted sort keys to SQL. Normalize has already
// rejected anything else, so no user input reaches the query text.
func orderClause(opts storage.ListOptions) string {
	column := "created_at"
	switch opts.SortBy {
	case storage.SortByAgentID:
		column = "agent_id"
	case storage.SortByModel:
		column = "json_extract(request, '$.model')"
	}
	direction := "DESC"
	if opts.SortOrder == storage.SortAsc {
		direction = "ASC"
	}
	return column + " " + direction
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInteraction(row rowScanner) (*domain.Interaction, error) {
	var interaction domain.Interaction
	var status string
	var trusted, blocked int
	var durationNs int64
	var provider, servedModel, ruleID, reason sql.NullString
	var request string
	var response, metadata sql.NullString

	err := row.Scan(
		&interaction.ID, &interaction.AgentID, &provider, &servedModel, &ruleID,
		&trusted, &blocked, &reason, &status, &durationNs,
		&request, &response, &metadata, &interaction.CreatedAt)
	if err != nil {
		return nil, err
	}

	interaction.Status = domain.InteractionStatus(status)
	interaction.Trusted = trusted == 1
	interaction.Blocked = blocked == 1
	interaction.Duration = time.Duration(durationNs)
	interaction.Provider = provider.String
	interaction.ServedModel = servedModel.String
	interaction.RuleID = ruleID.String
	interaction.Reason = reason.String

	var req domain.ChatRequest
	if err := json.Unmarshal([]byte(request), &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	req.Raw = json.RawMessage(request)
	interaction.Request = &req

	if response.Valid && response.String != "" {
		var resp domain.ChatResponse
		if err := json.Unmarshal([]byte(response.String), &resp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		resp.Raw = json.RawMessage(response.String)
		interaction.Response = &resp
	}

	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &interaction.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &interaction, nil
}

func requestJSON(req *domain.ChatRequest) (string, error) {
	if req == nil {
		return "", errors.New("interaction has no request")
	}
	if len(req.Raw) > 0 {
		return string(req.Raw), nil
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
