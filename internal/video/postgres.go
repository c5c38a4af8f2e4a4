package video

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore wraps all SQL for the videos table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a store on top of an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Create(ctx context.Context, v *Video) error {
	now := time.Now().UTC()
	if v.Status == "" {
		v.Status = StatusPending
	}
	v.CreatedAt = now
	v.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO videos (id, title, source_key, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, v.ID, v.Title, v.SourceKey, v.Status, v.CreatedAt, v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert video: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Video, error) {
	var v Video
	row := s.pool.QueryRow(ctx, `
		SELECT id, title, COALESCE(source_key,''), status, created_at, updated_at
		FROM videos WHERE id=$1
	`, id)
	if err := row.Scan(&v.ID, &v.Title, &v.SourceKey, &v.Status, &v.CreatedAt, &v.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select video: %w", err)
	}
	return &v, nil
}

func (s *PostgresStore) GetStatus(ctx context.Context, id string) (Status, error) {
	var status Status
	row := s.pool.QueryRow(ctx, `SELECT status FROM videos WHERE id=$1`, id)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("select video status: %w", err)
	}
	return status, nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, id string, status Status) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE videos SET status=$1, updated_at=$2 WHERE id=$3
	`, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update video status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetSourceKey(ctx context.Context, id, key string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE videos SET source_key=$1, updated_at=$2 WHERE id=$3
	`, key, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update video source key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM videos WHERE id=$1`, id)
	if err != nil {
		return false, fmt.Errorf("delete video: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
