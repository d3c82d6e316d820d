package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Skryldev/imageproxy/core"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS ipx_items (
	key     TEXT PRIMARY KEY,
	data    BLOB NOT NULL,
	mtime   INTEGER,
	max_age INTEGER
)`

// SQLiteDriver stores items in a single ipx_items table.
type SQLiteDriver struct {
	db *sql.DB
}

var _ Driver = (*SQLiteDriver)(nil)

// OpenSQLite opens (or creates) the database at path and ensures the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteDriver, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)", path,
	))
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteDriver{db: db}, nil
}

func (d *SQLiteDriver) Name() string { return "sqlite" }

func (d *SQLiteDriver) Meta(ctx context.Context, key string) (core.SourceMeta, bool, error) {
	var mtime, maxAge sql.NullInt64
	err := d.db.QueryRowContext(ctx,
		`SELECT mtime, max_age FROM ipx_items WHERE key = ?`, key,
	).Scan(&mtime, &maxAge)
	if errors.Is(err, sql.ErrNoRows) {
		return core.SourceMeta{}, false, nil
	}
	if err != nil {
		return core.SourceMeta{}, false, err
	}
	var meta core.SourceMeta
	if mtime.Valid {
		t := time.Unix(mtime.Int64, 0).UTC()
		meta.MTime = &t
	}
	if maxAge.Valid {
		n := int(maxAge.Int64)
		meta.MaxAge = &n
	}
	return meta, true, nil
}

func (d *SQLiteDriver) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	err := d.db.QueryRowContext(ctx, `SELECT data FROM ipx_items WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (d *SQLiteDriver) Put(ctx context.Context, key string, item Item) error {
	var mtime, maxAge sql.NullInt64
	if item.MTime != nil {
		mtime = sql.NullInt64{Int64: item.MTime.Unix(), Valid: true}
	}
	if item.MaxAge != nil {
		maxAge = sql.NullInt64{Int64: int64(*item.MaxAge), Valid: true}
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO ipx_items (key, data, mtime, max_age) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET data = excluded.data, mtime = excluded.mtime, max_age = excluded.max_age`,
		key, item.Data, mtime, maxAge,
	)
	return err
}

func (d *SQLiteDriver) Delete(ctx context.Context, key string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM ipx_items WHERE key = ?`, key)
	return err
}

func (d *SQLiteDriver) Close() error { return d.db.Close() }
