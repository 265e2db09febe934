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

// Package backend provides the storage abstraction the graph services
// are written against.
package backend

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// Forever means that an item will not expire unless deleted.
const Forever time.Duration = 0

// NoLimit specifies no limits on range reads.
const NoLimit = 0

// Backend implements abstraction over local or remote storage. Item
// keys are assumed to be valid UTF8, which may be enforced by the
// various implementations. All mutations are atomic at single item
// granularity; the graph engine never assumes multi-item transactions.
type Backend interface {
	// Create creates the item if it does not exist, and fails with an
	// already exists error otherwise.
	Create(ctx context.Context, i Item) (*Lease, error)

	// Put puts value into backend (creates if it does not exist,
	// updates it otherwise).
	Put(ctx context.Context, i Item) (*Lease, error)

	// Update updates an existing item, and fails with a not found
	// error if it is absent.
	Update(ctx context.Context, i Item) (*Lease, error)

	// CompareAndSwap replaces the expected item with replaceWith,
	// failing with a compare failed error when the stored value does
	// not match the expected one.
	CompareAndSwap(ctx context.Context, expected Item, replaceWith Item) (*Lease, error)

	// Get returns a single item or a not found error.
	Get(ctx context.Context, key []byte) (*Item, error)

	// GetRange returns items with keys in [startKey, endKey], up to
	// limit items when limit is not NoLimit.
	GetRange(ctx context.Context, startKey []byte, endKey []byte, limit int) (*GetResult, error)

	// Delete deletes an item by key, returning a not found error if it
	// does not exist.
	Delete(ctx context.Context, key []byte) error

	// DeleteRange deletes all items with keys in [startKey, endKey].
	DeleteRange(ctx context.Context, startKey, endKey []byte) error

	// Close closes the backend and all associated resources.
	Close() error

	// Clock returns the clock used by this backend.
	Clock() clockwork.Clock
}

// Item is a key value item.
type Item struct {
	// Key is the key of the key value item.
	Key []byte
	// Value is the value of the key value item.
	Value []byte
	// Expires is an optional record expiry time.
	Expires time.Time
}

// Lease represents a lease on a stored item.
type Lease struct {
	// Key is the key the lease is held on.
	Key []byte
}

// GetResult provides the result of a GetRange request.
type GetResult struct {
	// Items is the list of items in the range, sorted by key.
	Items []Item
}

// Separator is used as a separator between key parts.
const Separator = '/'

// Key joins parts into a path separated by Separator, making sure the
// path always starts with Separator ("/").
func Key(parts ...string) []byte {
	return []byte(strings.Join(append([]string{""}, parts...), string(Separator)))
}

// RangeEnd returns the end of the range for a given key prefix.
func RangeEnd(key []byte) []byte {
	end := make([]byte, len(key))
	copy(end, key)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i] = end[i] + 1
			end = end[:i+1]
			return end
		}
	}
	// next key does not exist (e.g., 0xffff)
	return noEnd
}

var noEnd = []byte{0}

// Items is a sortable list of backend items.
type Items []Item

// Len is part of sort.Interface.
func (it Items) Len() int {
	return len(it)
}

// Swap is part of sort.Interface.
func (it Items) Swap(i, j int) {
	it[i], it[j] = it[j], it[i]
}

// Less is part of sort.Interface.
func (it Items) Less(i, j int) bool {
	return bytes.Compare(it[i].Key, it[j].Key) < 0
}

// Expiry converts a ttl to an expiry time; a zero ttl means the item
// never expires.
func Expiry(clock clockwork.Clock, ttl time.Duration) time.Time {
	if ttl == 0 {
		return time.Time{}
	}
	return clock.Now().UTC().Add(ttl)
}
