package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"smart-energy-console/shared/dbx"
)

const clientStorageDDL = `
CREATE TABLE IF NOT EXISTS client_storage (
	browser_id TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (browser_id, key)
);
CREATE INDEX IF NOT EXISTS client_storage_updated_at_idx ON client_storage (updated_at);
`

type PostgresStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

func NewPostgresStore(pool *pgxpool.Pool, ttl time.Duration) *PostgresStore {
	return &PostgresStore{pool: pool, ttl: ttl}
}

// Migrate creates the client_storage table when it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, clientStorageDDL)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, browserID string, key string) (string, bool, error) {
	if err := checkBrowser(browserID); err != nil {
		return "", false, err
	}
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM client_storage WHERE browser_id = $1 AND key = $2`,
		browserID, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

// Set upserts the key and touches every row of the browser so the whole
// record ages together.
func (s *PostgresStore) Set(ctx context.Context, browserID string, key string, value string) error {
	if err := checkBrowser(browserID); err != nil {
		return err
	}
	return dbx.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO client_storage (browser_id, key, value, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (browser_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
			browserID, key, value,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE client_storage SET updated_at = now() WHERE browser_id = $1`, browserID)
		return err
	})
}

func (s *PostgresStore) Remove(ctx context.Context, browserID string, keys ...string) error {
	if err := checkBrowser(browserID); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM client_storage WHERE browser_id = $1 AND key = ANY($2)`,
		browserID, keys,
	)
	return err
}

func (s *PostgresStore) Sweep(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM client_storage WHERE updated_at < now() - make_interval(secs => $1)`,
		s.ttl.Seconds(),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
