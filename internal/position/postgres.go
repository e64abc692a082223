package position

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/cobra-client-platform/internal/database"
)

const (
	loadQuery = `SELECT position FROM cobra_positions WHERE subscription_key = $1`

	saveQuery = `
		INSERT INTO cobra_positions (subscription_key, position, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (subscription_key)
		DO UPDATE SET position = EXCLUDED.position, updated_at = EXCLUDED.updated_at`

	defaultMaxTries = 3
)

// PostgresStore saves positions in the cobra_positions table created by
// cmd/migrate. Transient errors are retried.
type PostgresStore struct {
	db       *sql.DB
	maxTries uint
	backoff  func() backoff.BackOff
}

// NewPostgresStore wraps an open database handle
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:       db,
		maxTries: defaultMaxTries,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
	}
}

func (s *PostgresStore) Load(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}

	var pos string
	err := database.Retry(ctx, s.maxTries, s.backoff(), func() error {
		err := s.db.QueryRowContext(ctx, loadQuery, key).Scan(&pos)
		if errors.Is(err, sql.ErrNoRows) {
			pos = ""
			return nil
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to load position for %s: %w", key, err)
	}
	return pos, nil
}

func (s *PostgresStore) Save(ctx context.Context, key, position string) error {
	if key == "" {
		return ErrEmptyKey
	}

	err := database.Retry(ctx, s.maxTries, s.backoff(), func() error {
		_, err := s.db.ExecContext(ctx, saveQuery, key, position)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save position for %s: %w", key, err)
	}
	return nil
}
