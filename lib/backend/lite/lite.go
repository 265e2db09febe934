/*
 * Identity Graph
 * Copyright (C) 2024  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package lite implements a SQLite backed backend, suitable for
// single node deployments where the graph has to survive restarts.
package lite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/gravitational/identitygraph/lib/backend"
)

const (
	// DefaultDBFile is the database file name within the configured
	// directory.
	DefaultDBFile = "graph.db"
	// BusyTimeout is the maximum time (in milliseconds) a connection
	// waits on a locked database before failing.
	BusyTimeout = 10000

	schema = `CREATE TABLE IF NOT EXISTS kv (
   key TEXT NOT NULL PRIMARY KEY,
   value BLOB,
   expires DATETIME
);`
)

// Config holds lite backend configuration.
type Config struct {
	// Path is the directory the database file is created in.
	Path string `json:"path,omitempty"`
	// Memory turns on the in-memory SQLite mode, used in tests.
	Memory bool `json:"memory,omitempty"`
	// Clock is the clock used for expiry; defaults to the real clock.
	Clock clockwork.Clock `json:"-"`
}

// CheckAndSetDefaults checks and sets defaults.
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.Path == "" && !cfg.Memory {
		return trace.BadParameter("specify directory path to the database using Path config variable")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// ConnectionURI returns the SQLite connection URI for the config.
func (cfg *Config) ConnectionURI() string {
	if cfg.Memory {
		return "file::memory:?mode=memory&cache=shared"
	}
	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprintf("%d", BusyTimeout))
	params.Set("_txlock", "immediate")
	u := url.URL{
		Scheme:   "file",
		Opaque:   url.PathEscape(filepath.Join(cfg.Path, DefaultDBFile)),
		RawQuery: params.Encode(),
	}
	return u.String()
}

// Backend is a SQLite backed implementation of backend.Backend.
type Backend struct {
	Config
	db *sql.DB
}

// New returns a new SQLite backend.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	db, err := sql.Open("sqlite3", cfg.ConnectionURI())
	if err != nil {
		return nil, trace.Wrap(err, "failed to open database %v", cfg.ConnectionURI())
	}
	// serialize all access to the database, SQLite handles one writer
	// at a time
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return &Backend{Config: cfg, db: db}, nil
}

// Create creates the item if it does not exist.
func (l *Backend) Create(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	err := l.inTransaction(ctx, func(tx *sql.Tx) error {
		if err := l.deleteIfExpired(ctx, tx, i.Key); err != nil {
			return trace.Wrap(err)
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO kv(key, value, expires) VALUES(?, ?, ?)",
			string(i.Key), i.Value, expiresValue(i.Expires))
		if isConstraintError(err) {
			return trace.AlreadyExists("key %q already exists", string(i.Key))
		}
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &backend.Lease{Key: i.Key}, nil
}

// Put puts value into the backend.
func (l *Backend) Put(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	_, err := l.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO kv(key, value, expires) VALUES(?, ?, ?)",
		string(i.Key), i.Value, expiresValue(i.Expires))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &backend.Lease{Key: i.Key}, nil
}

// Update updates an existing item.
func (l *Backend) Update(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	err := l.inTransaction(ctx, func(tx *sql.Tx) error {
		if err := l.getLocked(ctx, tx, i.Key, nil); err != nil {
			return trace.Wrap(err)
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE kv SET value = ?, expires = ? WHERE key = ?",
			i.Value, expiresValue(i.Expires), string(i.Key))
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &backend.Lease{Key: i.Key}, nil
}

// CompareAndSwap compares the stored item with expected and replaces it
// with replaceWith on match.
func (l *Backend) CompareAndSwap(ctx context.Context, expected backend.Item, replaceWith backend.Item) (*backend.Lease, error) {
	if string(expected.Key) != string(replaceWith.Key) {
		return nil, trace.BadParameter("expected and replaceWith keys should match")
	}
	err := l.inTransaction(ctx, func(tx *sql.Tx) error {
		var value []byte
		if err := l.getLocked(ctx, tx, expected.Key, &value); err != nil {
			if trace.IsNotFound(err) {
				return trace.CompareFailed("key %q is not found", string(expected.Key))
			}
			return trace.Wrap(err)
		}
		if string(value) != string(expected.Value) {
			return trace.CompareFailed("current value does not match expected for %q", string(expected.Key))
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE kv SET value = ?, expires = ? WHERE key = ?",
			replaceWith.Value, expiresValue(replaceWith.Expires), string(replaceWith.Key))
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &backend.Lease{Key: replaceWith.Key}, nil
}

// Get returns a single item or a not found error.
func (l *Backend) Get(ctx context.Context, key []byte) (*backend.Item, error) {
	row := l.db.QueryRowContext(ctx,
		"SELECT value, expires FROM kv WHERE key = ?", string(key))
	item := backend.Item{Key: key}
	var expires sql.NullTime
	if err := row.Scan(&item.Value, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, trace.NotFound("key %q is not found", string(key))
		}
		return nil, trace.Wrap(err)
	}
	if expires.Valid {
		item.Expires = expires.Time
		if !l.Clock().Now().UTC().Before(item.Expires) {
			return nil, trace.NotFound("key %q is not found", string(key))
		}
	}
	return &item, nil
}

// GetRange returns items with keys in [startKey, endKey].
func (l *Backend) GetRange(ctx context.Context, startKey, endKey []byte, limit int) (*backend.GetResult, error) {
	if len(startKey) == 0 {
		return nil, trace.BadParameter("missing parameter startKey")
	}
	if len(endKey) == 0 {
		return nil, trace.BadParameter("missing parameter endKey")
	}
	q := "SELECT key, value, expires FROM kv WHERE key >= ? AND key <= ? ORDER BY key"
	args := []interface{}{string(startKey), string(endKey)}
	if limit != backend.NoLimit {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var res backend.GetResult
	now := l.Clock().Now().UTC()
	for rows.Next() {
		var item backend.Item
		var key string
		var expires sql.NullTime
		if err := rows.Scan(&key, &item.Value, &expires); err != nil {
			return nil, trace.Wrap(err)
		}
		item.Key = []byte(key)
		if expires.Valid {
			item.Expires = expires.Time
			if !now.Before(item.Expires) {
				continue
			}
		}
		res.Items = append(res.Items, item)
	}
	return &res, trace.Wrap(rows.Err())
}

// Delete deletes an item by key.
func (l *Backend) Delete(ctx context.Context, key []byte) error {
	result, err := l.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", string(key))
	if err != nil {
		return trace.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return trace.Wrap(err)
	}
	if affected == 0 {
		return trace.NotFound("key %q is not found", string(key))
	}
	return nil
}

// DeleteRange deletes all items with keys in [startKey, endKey].
func (l *Backend) DeleteRange(ctx context.Context, startKey, endKey []byte) error {
	if len(startKey) == 0 {
		return trace.BadParameter("missing parameter startKey")
	}
	if len(endKey) == 0 {
		return trace.BadParameter("missing parameter endKey")
	}
	_, err := l.db.ExecContext(ctx,
		"DELETE FROM kv WHERE key >= ? AND key <= ?", string(startKey), string(endKey))
	return trace.Wrap(err)
}

// Close closes the database.
func (l *Backend) Close() error {
	return l.db.Close()
}

// Clock returns the clock used by this backend.
func (l *Backend) Clock() clockwork.Clock {
	return l.Config.Clock
}

// getLocked reads a live item inside a transaction. value may be nil
// when the caller only cares about existence.
func (l *Backend) getLocked(ctx context.Context, tx *sql.Tx, key []byte, value *[]byte) error {
	row := tx.QueryRowContext(ctx, "SELECT value, expires FROM kv WHERE key = ?", string(key))
	var v []byte
	var expires sql.NullTime
	if err := row.Scan(&v, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return trace.NotFound("key %q is not found", string(key))
		}
		return trace.Wrap(err)
	}
	if expires.Valid && !l.Clock().Now().UTC().Before(expires.Time) {
		return trace.NotFound("key %q is not found", string(key))
	}
	if value != nil {
		*value = v
	}
	return nil
}

// deleteIfExpired clears an expired row so a subsequent insert does not
// trip the primary key constraint.
func (l *Backend) deleteIfExpired(ctx context.Context, tx *sql.Tx, key []byte) error {
	_, err := tx.ExecContext(ctx,
		"DELETE FROM kv WHERE key = ? AND expires IS NOT NULL AND expires <= ?",
		string(key), l.Clock().Now().UTC())
	return trace.Wrap(err)
}

func (l *Backend) inTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := f(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return trace.NewAggregate(err, rbErr)
		}
		return trace.Wrap(err)
	}
	return trace.Wrap(tx.Commit())
}

func isConstraintError(err error) bool {
	var sqlErr sqlite3.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	return sqlErr.Code == sqlite3.ErrConstraint
}

func expiresValue(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
