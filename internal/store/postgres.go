package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/promptq/promptq/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Prompt handles ---

const handleColumns = `id, state, model_name, prompt, params, rendezvous_token,
	time_spent_pending_ms, response, response_length, response_time_taken_seconds,
	embedding, error_message, created_at, modified_at`

func (s *PostgresStore) CreatePromptHandle(ctx context.Context, h *models.PromptHandle) error {
	var paramsJSON []byte
	if h.Params != nil {
		var err error
		paramsJSON, err = json.Marshal(h.Params)
		if err != nil {
			return fmt.Errorf("marshal handle params: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO prompt_handles (id, state, model_name, prompt, params, rendezvous_token, created_at, modified_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		h.ID, h.State, h.ModelName, h.Prompt, paramsJSON, h.RendezvousToken, h.CreatedAt, h.ModifiedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create prompt handle: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPromptHandle(ctx context.Context, id uuid.UUID) (*models.PromptHandle, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+handleColumns+` FROM prompt_handles WHERE id = $1`, id)
	return scanHandle(row, "get prompt handle")
}

func (s *PostgresStore) FindByRendezvousToken(ctx context.Context, token string) (*models.PromptHandle, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+handleColumns+` FROM prompt_handles WHERE rendezvous_token = $1`, token)
	return scanHandle(row, "find prompt handle by token")
}

func (s *PostgresStore) HasPendingHandle(ctx context.Context, modelName string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM prompt_handles WHERE state = $1 AND model_name = $2)`,
		models.StatePending, modelName).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending handles: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) OldestPendingHandle(ctx context.Context, modelName string) (*models.PromptHandle, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+handleColumns+` FROM prompt_handles
		 WHERE state = $1 AND model_name = $2
		 ORDER BY created_at ASC LIMIT 1`,
		models.StatePending, modelName)
	return scanHandle(row, "oldest pending handle")
}

func (s *PostgresStore) MarkInProgress(ctx context.Context, id uuid.UUID, timeSpentPendingMs int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE prompt_handles
		 SET state = $2, time_spent_pending_ms = $3, modified_at = NOW()
		 WHERE id = $1 AND state = $4`,
		id, models.StateInProgress, timeSpentPendingMs, models.StatePending)
	if err != nil {
		return fmt.Errorf("mark handle in progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id)
	}
	return nil
}

func (s *PostgresStore) FinalizeGeneration(ctx context.Context, id uuid.UUID, response string, timeTakenSeconds float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE prompt_handles
		 SET state = $2, response = $3, response_length = $4, response_time_taken_seconds = $5, modified_at = NOW()
		 WHERE id = $1 AND state = $6`,
		id, models.StateFinished, response, utf8.RuneCountInString(response), timeTakenSeconds,
		models.StateInProgress)
	if err != nil {
		return fmt.Errorf("finalize generation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id)
	}
	return nil
}

func (s *PostgresStore) FinalizeEmbedding(ctx context.Context, id uuid.UUID, embedding []float64, timeTakenSeconds float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE prompt_handles
		 SET state = $2, embedding = $3, response_time_taken_seconds = $4, modified_at = NOW()
		 WHERE id = $1 AND state = $5`,
		id, models.StateFinished, embedding, timeTakenSeconds, models.StateInProgress)
	if err != nil {
		return fmt.Errorf("finalize embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE prompt_handles
		 SET state = $2, error_message = $3, modified_at = NOW()
		 WHERE id = $1 AND state NOT IN ($4, $5)`,
		id, models.StateFailed, errorMessage, models.StateFinished, models.StateFailed)
	if err != nil {
		return fmt.Errorf("mark handle failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id)
	}
	return nil
}

// transitionError distinguishes a missing handle from a guarded update that
// matched no rows because the handle was already past the expected state.
func (s *PostgresStore) transitionError(ctx context.Context, id uuid.UUID) error {
	var state string
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM prompt_handles WHERE id = $1`, id).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get handle state: %w", err)
	}
	return fmt.Errorf("%w: handle %s is %s", ErrInvalidTransition, id, state)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHandle(row rowScanner, op string) (*models.PromptHandle, error) {
	var h models.PromptHandle
	var paramsJSON []byte
	err := row.Scan(&h.ID, &h.State, &h.ModelName, &h.Prompt, &paramsJSON, &h.RendezvousToken,
		&h.TimeSpentPendingMs, &h.Response, &h.ResponseLength, &h.ResponseTimeTakenSeconds,
		&h.Embedding, &h.ErrorMessage, &h.CreatedAt, &h.ModifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(paramsJSON) > 0 {
		h.Params = &models.Params{}
		if err := json.Unmarshal(paramsJSON, h.Params); err != nil {
			return nil, fmt.Errorf("%s: unmarshal params: %w", op, err)
		}
	}
	return &h, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	return collectAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	return collectAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
