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

// Package memory implements a btree backed in-memory backend, used by
// tests and single process deployments.
package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/identitygraph/lib/backend"
)

// DefaultBTreeDegree is the default degree of the backing btree.
const DefaultBTreeDegree = 8

// Config holds memory backend configuration.
type Config struct {
	// Clock is the clock used for expiry; defaults to the real clock.
	Clock clockwork.Clock
	// BTreeDegree is the degree of the backing btree.
	BTreeDegree int
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.BTreeDegree <= 0 {
		c.BTreeDegree = DefaultBTreeDegree
	}
	return nil
}

// Memory is an in-memory backend. It is safe for concurrent use.
type Memory struct {
	Config

	mu   sync.Mutex
	tree *btree.BTreeG[*btreeItem]
}

// New creates a new memory backend.
func New(cfg Config) (*Memory, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Memory{
		Config: cfg,
		tree: btree.NewG(cfg.BTreeDegree, func(a, b *btreeItem) bool {
			return bytes.Compare(a.Key, b.Key) < 0
		}),
	}, nil
}

type btreeItem struct {
	backend.Item
}

// Create creates the item if it does not exist.
func (m *Memory) Create(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.tree.Get(&btreeItem{Item: backend.Item{Key: i.Key}}); ok && !m.expired(existing) {
		return nil, trace.AlreadyExists("key %q already exists", string(i.Key))
	}
	m.tree.ReplaceOrInsert(&btreeItem{Item: i})
	return &backend.Lease{Key: i.Key}, nil
}

// Put puts value into the backend.
func (m *Memory) Put(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.ReplaceOrInsert(&btreeItem{Item: i})
	return &backend.Lease{Key: i.Key}, nil
}

// Update updates an existing item.
func (m *Memory) Update(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.tree.Get(&btreeItem{Item: backend.Item{Key: i.Key}}); !ok || m.expired(existing) {
		return nil, trace.NotFound("key %q is not found", string(i.Key))
	}
	m.tree.ReplaceOrInsert(&btreeItem{Item: i})
	return &backend.Lease{Key: i.Key}, nil
}

// CompareAndSwap compares the stored item with expected and replaces it
// with replaceWith on match.
func (m *Memory) CompareAndSwap(ctx context.Context, expected backend.Item, replaceWith backend.Item) (*backend.Lease, error) {
	if !bytes.Equal(expected.Key, replaceWith.Key) {
		return nil, trace.BadParameter("expected and replaceWith keys should match")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.tree.Get(&btreeItem{Item: backend.Item{Key: expected.Key}})
	if !ok || m.expired(existing) {
		return nil, trace.CompareFailed("key %q is not found", string(expected.Key))
	}
	if !bytes.Equal(existing.Value, expected.Value) {
		return nil, trace.CompareFailed("current value does not match expected for %q", string(expected.Key))
	}
	m.tree.ReplaceOrInsert(&btreeItem{Item: replaceWith})
	return &backend.Lease{Key: replaceWith.Key}, nil
}

// Get returns a single item or a not found error.
func (m *Memory) Get(ctx context.Context, key []byte) (*backend.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.tree.Get(&btreeItem{Item: backend.Item{Key: key}})
	if !ok || m.expired(existing) {
		return nil, trace.NotFound("key %q is not found", string(key))
	}
	item := existing.Item
	return &item, nil
}

// GetRange returns items with keys in [startKey, endKey].
func (m *Memory) GetRange(ctx context.Context, startKey, endKey []byte, limit int) (*backend.GetResult, error) {
	if len(startKey) == 0 {
		return nil, trace.BadParameter("missing parameter startKey")
	}
	if len(endKey) == 0 {
		return nil, trace.BadParameter("missing parameter endKey")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var res backend.GetResult
	m.tree.AscendGreaterOrEqual(&btreeItem{Item: backend.Item{Key: startKey}}, func(item *btreeItem) bool {
		if bytes.Compare(item.Key, endKey) > 0 {
			return false
		}
		if m.expired(item) {
			return true
		}
		res.Items = append(res.Items, item.Item)
		return limit == backend.NoLimit || len(res.Items) < limit
	})
	return &res, nil
}

// Delete deletes an item by key. An expired item counts as absent, the
// same way Get and Update treat it; the stale entry is still collected.
func (m *Memory) Delete(ctx context.Context, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.tree.Get(&btreeItem{Item: backend.Item{Key: key}})
	if !ok {
		return trace.NotFound("key %q is not found", string(key))
	}
	m.tree.Delete(existing)
	if m.expired(existing) {
		return trace.NotFound("key %q is not found", string(key))
	}
	return nil
}

// DeleteRange deletes all items with keys in [startKey, endKey].
func (m *Memory) DeleteRange(ctx context.Context, startKey, endKey []byte) error {
	if len(startKey) == 0 {
		return trace.BadParameter("missing parameter startKey")
	}
	if len(endKey) == 0 {
		return trace.BadParameter("missing parameter endKey")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var doomed []*btreeItem
	m.tree.AscendGreaterOrEqual(&btreeItem{Item: backend.Item{Key: startKey}}, func(item *btreeItem) bool {
		if bytes.Compare(item.Key, endKey) > 0 {
			return false
		}
		doomed = append(doomed, item)
		return true
	})
	for _, item := range doomed {
		m.tree.Delete(item)
	}
	return nil
}

// Close releases the backend resources.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.Clear(false)
	return nil
}

// Clock returns the clock used by this backend.
func (m *Memory) Clock() clockwork.Clock {
	return m.Config.Clock
}

// expired reports whether the item is past its expiry. Expired items
// are treated as absent; they are collected lazily rather than by a
// background sweep.
func (m *Memory) expired(i *btreeItem) bool {
	if i.Expires.IsZero() {
		return false
	}
	return !m.Config.Clock.Now().UTC().Before(i.Expires)
}
