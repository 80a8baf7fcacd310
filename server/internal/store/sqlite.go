package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"epic-poem/server/internal/model"
)

// SQLiteStore 本地单文件存储（纯 Go 驱动，无需 cgo）。
type SQLiteStore struct {
	db    *sql.DB
	path  string
	limit int
}

// OpenSQLite 打开或创建数据库；path 为 ":memory:" 时使用内存库。
func OpenSQLite(ctx context.Context, path string, limit int) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// 内存库每个连接都是独立的数据库
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path, limit: limit}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS archived_poems (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		stanzas_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_archived_poems_created ON archived_poems(created_at DESC);

	-- 单行表：设置与进行中的诗
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) ListArchive(ctx context.Context) ([]model.ArchivedPoem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, stanzas_json, created_at FROM archived_poems ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	out := []model.ArchivedPoem{}
	for rows.Next() {
		var (
			p       model.ArchivedPoem
			stanzas string
			created int64
		)
		if err := rows.Scan(&p.ID, &p.Title, &stanzas, &created); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		if err := json.Unmarshal([]byte(stanzas), &p.Stanzas); err != nil {
			return nil, fmt.Errorf("decode stanzas of %s: %w", p.ID, err)
		}
		p.Timestamp = time.UnixMilli(created).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendArchive(ctx context.Context, p model.ArchivedPoem) error {
	stanzas, err := json.Marshal(p.Stanzas)
	if err != nil {
		return fmt.Errorf("encode stanzas: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO archived_poems (id, title, stanzas_json, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Title, string(stanzas), p.Timestamp.UnixMilli()); err != nil {
		return fmt.Errorf("insert archived poem: %w", err)
	}
	if s.limit > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM archived_poems WHERE id NOT IN (
				SELECT id FROM archived_poems ORDER BY created_at DESC, rowid DESC LIMIT ?)`, s.limit); err != nil {
			return fmt.Errorf("trim archive: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteArchive(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM archived_poems WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete archived poem: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const (
	keySettings = "settings"
	keySnapshot = "snapshot"
)

func (s *SQLiteStore) get(ctx context.Context, key string, v any) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *SQLiteStore) put(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(raw), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) LoadSettings(ctx context.Context) (model.PoemSettings, bool, error) {
	var settings model.PoemSettings
	ok, err := s.get(ctx, keySettings, &settings)
	return settings, ok, err
}

func (s *SQLiteStore) SaveSettings(ctx context.Context, settings model.PoemSettings) error {
	return s.put(ctx, keySettings, settings)
}

func (s *SQLiteStore) LoadSnapshot(ctx context.Context) (*model.PoemState, error) {
	var state model.PoemState
	ok, err := s.get(ctx, keySnapshot, &state)
	if err != nil || !ok {
		return nil, err
	}
	return &state, nil
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, state model.PoemState) error {
	return s.put(ctx, keySnapshot, state)
}

func (s *SQLiteStore) ClearSnapshot(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, keySnapshot)
	return err
}
