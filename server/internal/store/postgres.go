package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"epic-poem/server/internal/model"
)

// PostgresArchive 把归档放在托管数据库里，多台机器可共享。
type PostgresArchive struct {
	pool  *pgxpool.Pool
	limit int
}

// OpenPostgresArchive 连接数据库并建表
func OpenPostgresArchive(ctx context.Context, databaseURL string, limit int) (*PostgresArchive, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	a := &PostgresArchive{pool: pool, limit: limit}
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS archived_poems (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			stanzas JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return a, nil
}

func (a *PostgresArchive) Close() {
	a.pool.Close()
}

func (a *PostgresArchive) ListArchive(ctx context.Context) ([]model.ArchivedPoem, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT id, title, stanzas, created_at FROM archived_poems ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	out := []model.ArchivedPoem{}
	for rows.Next() {
		var (
			p       model.ArchivedPoem
			stanzas []byte
		)
		if err := rows.Scan(&p.ID, &p.Title, &stanzas, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		if err := json.Unmarshal(stanzas, &p.Stanzas); err != nil {
			return nil, fmt.Errorf("decode stanzas of %s: %w", p.ID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (a *PostgresArchive) AppendArchive(ctx context.Context, p model.ArchivedPoem) error {
	stanzas, err := json.Marshal(p.Stanzas)
	if err != nil {
		return fmt.Errorf("encode stanzas: %w", err)
	}
	if _, err := a.pool.Exec(ctx,
		`INSERT INTO archived_poems (id, title, stanzas, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		p.ID, p.Title, stanzas, p.Timestamp); err != nil {
		return fmt.Errorf("failed to insert archived poem: %w", err)
	}
	if a.limit > 0 {
		if _, err := a.pool.Exec(ctx,
			`DELETE FROM archived_poems WHERE id NOT IN (
				SELECT id FROM archived_poems ORDER BY created_at DESC LIMIT $1)`, a.limit); err != nil {
			return fmt.Errorf("failed to trim archive: %w", err)
		}
	}
	return nil
}

func (a *PostgresArchive) DeleteArchive(ctx context.Context, id string) error {
	tag, err := a.pool.Exec(ctx, `DELETE FROM archived_poems WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete archived poem: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
