package settings

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// PostgresStore keeps the document in the single row of gateway_settings,
// seeded by the migrations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (p *PostgresStore) Load(ctx context.Context) (Settings, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT document FROM gateway_settings WHERE id = 1`).Scan(&data)
	if err != nil {
		return Settings{}, errors.Wrap(err, "select settings")
	}
	return decode(data)
}

func (p *PostgresStore) Update(ctx context.Context, u Update) (Settings, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return Settings{}, errors.Wrap(err, "begin settings tx")
	}
	defer tx.Rollback(ctx)

	var data []byte
	err = tx.QueryRow(ctx, `SELECT document FROM gateway_settings WHERE id = 1 FOR UPDATE`).Scan(&data)
	if err != nil {
		return Settings{}, errors.Wrap(err, "select settings for update")
	}

	current, err := decode(data)
	if err != nil {
		return Settings{}, err
	}

	merged := current.Merge(u)
	encoded, err := json.Marshal(merged)
	if err != nil {
		return Settings{}, errors.Wrap(err, "encode settings")
	}

	_, err = tx.Exec(ctx, `UPDATE gateway_settings SET document = $1, updated_at = now() WHERE id = 1`, encoded)
	if err != nil {
		return Settings{}, errors.Wrap(err, "update settings")
	}

	if err := tx.Commit(ctx); err != nil {
		return Settings{}, errors.Wrap(err, "commit settings")
	}
	return merged, nil
}

func decode(data []byte) (Settings, error) {
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return s, errors.Wrap(err, "decode settings")
	}
	return s, nil
}
