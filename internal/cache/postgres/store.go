package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/querydeck/querydeck/internal/cache"
	"github.com/querydeck/querydeck/internal/view"
)

// Store persists cache entries in the hosted relational store so results
// survive process restarts for the session's duration. It is a performance
// cache, never a system of record: rows that fail to deserialize are
// dropped and logged instead of aborting the caller.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	clock  view.Clock
}

func NewStore(db *sql.DB, logger *slog.Logger, clock view.Clock) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: db, logger: logger, clock: clock}
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping cache db: %w", err)
	}
	return nil
}

const entryColumns = `key, resource_id, parameters, filters, result, label, notes, saved, created_at, expires_at, archived_at`

func (s *Store) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	query := `
SELECT ` + entryColumns + `
FROM result_cache
WHERE key = $1`

	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cache.Entry{}, false, nil
		}
		var corrupt *corruptEntryError
		if errors.As(err, &corrupt) {
			s.dropCorrupt(ctx, key, corrupt)
			return cache.Entry{}, false, nil
		}
		return cache.Entry{}, false, fmt.Errorf("get cache entry: %w", err)
	}

	if !cache.Valid(entry, s.clock()) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM result_cache WHERE key = $1`, key); err != nil {
			return cache.Entry{}, false, fmt.Errorf("evict expired cache entry: %w", err)
		}
		return cache.Entry{}, false, nil
	}
	return entry, true, nil
}

func (s *Store) Put(ctx context.Context, entry cache.Entry) error {
	parameters, err := json.Marshal(parameterList(entry.Parameters))
	if err != nil {
		return fmt.Errorf("marshal cache parameters: %w", err)
	}
	filters, err := json.Marshal(filterMap(entry.Filters))
	if err != nil {
		return fmt.Errorf("marshal cache filters: %w", err)
	}
	result, err := json.Marshal(entry.Result)
	if err != nil {
		return fmt.Errorf("marshal cache result: %w", err)
	}

	query := `
INSERT INTO result_cache (` + entryColumns + `)
VALUES ($1, $2, $3::jsonb, $4::jsonb, $5::jsonb, $6, $7, $8, $9, $10, $11)
ON CONFLICT (key)
DO UPDATE SET
    resource_id = EXCLUDED.resource_id,
    parameters = EXCLUDED.parameters,
    filters = EXCLUDED.filters,
    result = EXCLUDED.result,
    label = EXCLUDED.label,
    notes = EXCLUDED.notes,
    saved = EXCLUDED.saved,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at,
    archived_at = EXCLUDED.archived_at`

	if _, err := s.db.ExecContext(ctx, query,
		entry.Key,
		entry.ResourceID,
		string(parameters),
		string(filters),
		string(result),
		entry.Label,
		entry.Notes,
		entry.Saved,
		entry.CreatedAt,
		entry.ExpiresAt,
		entry.ArchivedAt,
	); err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

func (s *Store) Invalidate(ctx context.Context, resourceID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
DELETE FROM result_cache
WHERE resource_id = $1 AND saved = FALSE`, resourceID)
	if err != nil {
		return 0, fmt.Errorf("invalidate cache entries: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("invalidate rows affected: %w", err)
	}
	return int(removed), nil
}

func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
DELETE FROM result_cache
WHERE expires_at IS NOT NULL AND expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep cache entries: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep rows affected: %w", err)
	}
	return int(removed), nil
}

func (s *Store) ListSaved(ctx context.Context) ([]cache.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+entryColumns+`
FROM result_cache
WHERE saved = TRUE
ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list saved entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]cache.Entry, 0)
	dropped := make([]*corruptEntryError, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			var corrupt *corruptEntryError
			if errors.As(err, &corrupt) {
				dropped = append(dropped, corrupt)
				continue
			}
			return nil, fmt.Errorf("scan saved entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate saved entries: %w", err)
	}

	for _, corrupt := range dropped {
		s.dropCorrupt(ctx, corrupt.key, corrupt)
	}
	return entries, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM result_cache WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

func (s *Store) MarkArchived(ctx context.Context, key string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE result_cache
SET archived_at = $2
WHERE key = $1`, key, at.UTC()); err != nil {
		return fmt.Errorf("mark cache entry archived: %w", err)
	}
	return nil
}

func (s *Store) dropCorrupt(ctx context.Context, key string, cause *corruptEntryError) {
	if s.logger != nil {
		s.logger.WarnContext(ctx, "dropping undecodable cache entry",
			slog.String("key", key),
			slog.Any("error", cause),
		)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM result_cache WHERE key = $1`, key); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "failed to drop undecodable cache entry",
			slog.String("key", key),
			slog.Any("error", err),
		)
	}
}

type corruptEntryError struct {
	key string
	err error
}

func (e *corruptEntryError) Error() string {
	return fmt.Sprintf("undecodable cache entry %q: %v", e.key, e.err)
}

func (e *corruptEntryError) Unwrap() error { return e.err }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (cache.Entry, error) {
	var entry cache.Entry
	var parameters, filters, result []byte
	var expiresAt, archivedAt sql.NullTime

	if err := row.Scan(
		&entry.Key,
		&entry.ResourceID,
		&parameters,
		&filters,
		&result,
		&entry.Label,
		&entry.Notes,
		&entry.Saved,
		&entry.CreatedAt,
		&expiresAt,
		&archivedAt,
	); err != nil {
		return cache.Entry{}, err
	}

	if err := json.Unmarshal(parameters, &entry.Parameters); err != nil {
		return cache.Entry{}, &corruptEntryError{key: entry.Key, err: err}
	}
	if err := json.Unmarshal(filters, &entry.Filters); err != nil {
		return cache.Entry{}, &corruptEntryError{key: entry.Key, err: err}
	}
	if err := json.Unmarshal(result, &entry.Result); err != nil {
		return cache.Entry{}, &corruptEntryError{key: entry.Key, err: err}
	}
	if expiresAt.Valid {
		value := expiresAt.Time
		entry.ExpiresAt = &value
	}
	if archivedAt.Valid {
		value := archivedAt.Time
		entry.ArchivedAt = &value
	}
	return entry, nil
}

func parameterList(parameters []view.Parameter) []view.Parameter {
	if parameters == nil {
		return []view.Parameter{}
	}
	return parameters
}

func filterMap(filters map[string]string) map[string]string {
	if filters == nil {
		return map[string]string{}
	}
	return filters
}
