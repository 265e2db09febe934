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

package lite

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/identitygraph/lib/backend"
)

func newBackend(t *testing.T) (*Backend, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	b, err := New(context.Background(), Config{Path: t.TempDir(), Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, b.Close()) })
	return b, clock
}

func TestConnectionURI(t *testing.T) {
	t.Parallel()

	cfg := Config{Path: "/var/lib/graph"}
	uri := cfg.ConnectionURI()
	require.Contains(t, uri, "graph.db")
	require.Contains(t, uri, "_busy_timeout=10000")
	require.Contains(t, uri, "_txlock=immediate")

	cfg = Config{Memory: true}
	require.Contains(t, cfg.ConnectionURI(), "mode=memory")
}

func TestCRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, _ := newBackend(t)

	item := backend.Item{Key: backend.Key("a"), Value: []byte("1")}
	_, err := b.Create(ctx, item)
	require.NoError(t, err)

	_, err = b.Create(ctx, item)
	require.True(t, trace.IsAlreadyExists(err))

	got, err := b.Get(ctx, item.Key)
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got.Value)

	_, err = b.Update(ctx, backend.Item{Key: item.Key, Value: []byte("2")})
	require.NoError(t, err)

	got, err = b.Get(ctx, item.Key)
	require.NoError(t, err)
	require.Equal(t, []byte("2"), got.Value)

	require.NoError(t, b.Delete(ctx, item.Key))
	require.True(t, trace.IsNotFound(b.Delete(ctx, item.Key)))

	_, err = b.Get(ctx, item.Key)
	require.True(t, trace.IsNotFound(err))

	_, err = b.Update(ctx, backend.Item{Key: item.Key, Value: []byte("3")})
	require.True(t, trace.IsNotFound(err))
}

func TestCompareAndSwap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, _ := newBackend(t)

	key := backend.Key("cas")
	_, err := b.CompareAndSwap(ctx,
		backend.Item{Key: key, Value: []byte("any")},
		backend.Item{Key: key, Value: []byte("new")})
	require.True(t, trace.IsCompareFailed(err))

	_, err = b.Put(ctx, backend.Item{Key: key, Value: []byte("old")})
	require.NoError(t, err)

	_, err = b.CompareAndSwap(ctx,
		backend.Item{Key: key, Value: []byte("wrong")},
		backend.Item{Key: key, Value: []byte("new")})
	require.True(t, trace.IsCompareFailed(err))

	_, err = b.CompareAndSwap(ctx,
		backend.Item{Key: key, Value: []byte("old")},
		backend.Item{Key: key, Value: []byte("new")})
	require.NoError(t, err)

	got, err := b.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), got.Value)
}

func TestRange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, _ := newBackend(t)

	for _, k := range []string{"p/a", "p/b", "p/c", "q/a"} {
		_, err := b.Put(ctx, backend.Item{Key: backend.Key(k), Value: []byte("v")})
		require.NoError(t, err)
	}

	startKey := backend.Key("p")
	result, err := b.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	require.NoError(t, err)
	require.Len(t, result.Items, 3)

	result, err = b.GetRange(ctx, startKey, backend.RangeEnd(startKey), 2)
	require.NoError(t, err)
	require.Len(t, result.Items, 2)

	require.NoError(t, b.DeleteRange(ctx, startKey, backend.RangeEnd(startKey)))
	result, err = b.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	require.NoError(t, err)
	require.Empty(t, result.Items)
}

func TestExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, clock := newBackend(t)

	key := backend.Key("ttl")
	_, err := b.Put(ctx, backend.Item{
		Key:     key,
		Value:   []byte("v"),
		Expires: clock.Now().UTC().Add(time.Minute),
	})
	require.NoError(t, err)

	_, err = b.Get(ctx, key)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	_, err = b.Get(ctx, key)
	require.True(t, trace.IsNotFound(err))

	// an expired row does not block re-creation
	_, err = b.Create(ctx, backend.Item{Key: key, Value: []byte("v2")})
	require.NoError(t, err)
}
