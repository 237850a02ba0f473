package guard

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCounterStore persists creation counters in the user_counters
// table so rolling-window caps survive restarts.
type PostgresCounterStore struct {
	pool *pgxpool.Pool
}

func NewPostgresCounterStore(pool *pgxpool.Pool) *PostgresCounterStore {
	return &PostgresCounterStore{pool: pool}
}

func (s *PostgresCounterStore) Load(ctx context.Context, identity string) (*Counter, bool, error) {
	query := `
		SELECT identity, form_count, window_start, last_seen
		FROM user_counters
		WHERE identity = $1`

	var c Counter
	err := s.pool.QueryRow(ctx, query, identity).Scan(&c.Identity, &c.FormCount, &c.WindowStart, &c.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading counter: %w", err)
	}
	return &c, true, nil
}

func (s *PostgresCounterStore) Save(ctx context.Context, c *Counter) error {
	query := `
		INSERT INTO user_counters (identity, form_count, window_start, last_seen)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identity) DO UPDATE SET
			form_count = EXCLUDED.form_count,
			window_start = EXCLUDED.window_start,
			last_seen = EXCLUDED.last_seen`

	if _, err := s.pool.Exec(ctx, query, c.Identity, c.FormCount, c.WindowStart, c.LastSeen); err != nil {
		return fmt.Errorf("saving counter: %w", err)
	}
	return nil
}
