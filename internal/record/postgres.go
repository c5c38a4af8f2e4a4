package record

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reelworks/vodflow/internal/state"
)

// PostgresStore persists state records in the workflow_states table. Lost
// updates are detected with a version column: Save only applies when the
// caller's version still matches, which serializes concurrent read-modify-
// write cycles for the same entity without row locks.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a store on top of an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const recordColumns = `entity_id, current_state, last_event, error_details, retry_count, compensating, updated_at, version`

func (s *PostgresStore) Get(ctx context.Context, entityID string) (*StateRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM workflow_states WHERE entity_id=$1
	`, entityID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select state record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Create(ctx context.Context, entityID string) (*StateRecord, error) {
	now := time.Now().UTC()
	// ON CONFLICT DO NOTHING keeps creation idempotent under races; the
	// follow-up Get returns whichever row won.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_states (entity_id, current_state, last_event, error_details, retry_count, compensating, updated_at, version)
		VALUES ($1,$2,'','',0,FALSE,$3,1)
		ON CONFLICT (entity_id) DO NOTHING
	`, entityID, state.Pending, now)
	if err != nil {
		return nil, fmt.Errorf("insert state record: %w", err)
	}
	return s.Get(ctx, entityID)
}

func (s *PostgresStore) Save(ctx context.Context, rec *StateRecord) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_states
		SET current_state=$1,
			last_event=$2,
			error_details=$3,
			retry_count=$4,
			compensating=$5,
			updated_at=$6,
			version=version+1
		WHERE entity_id=$7 AND version=$8
	`, rec.CurrentState, rec.LastEvent, rec.ErrorDetails, rec.RetryCount, rec.Compensating, now, rec.EntityID, rec.Version)
	if err != nil {
		return fmt.Errorf("update state record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the row vanished or someone saved first; callers only ever
		// Save records they just read, so treat both as a lost update.
		return ErrConflict
	}
	rec.Version++
	rec.LastUpdated = now
	return nil
}

func (s *PostgresStore) FindByState(ctx context.Context, st state.State) ([]*StateRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM workflow_states WHERE current_state=$1 ORDER BY updated_at
	`, st)
	if err != nil {
		return nil, fmt.Errorf("query by state: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *PostgresStore) FindByCompensating(ctx context.Context, compensating bool) ([]*StateRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM workflow_states WHERE compensating=$1 ORDER BY updated_at
	`, compensating)
	if err != nil {
		return nil, fmt.Errorf("query by compensating: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows pgx.Rows) ([]*StateRecord, error) {
	var out []*StateRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan state record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state records: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (*StateRecord, error) {
	var rec StateRecord
	if err := row.Scan(
		&rec.EntityID, &rec.CurrentState, &rec.LastEvent, &rec.ErrorDetails,
		&rec.RetryCount, &rec.Compensating, &rec.LastUpdated, &rec.Version,
	); err != nil {
		return nil, err
	}
	return &rec, nil
}
