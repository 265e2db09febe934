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

package graph

import (
	"context"
	"sync"

	"github.com/gravitational/trace"

	"github.com/gravitational/identitygraph/api/types"
)

// nodeCache memoizes per-node edge lists within a single traversal
// call. The claim-if-absent operation is the synchronization point
// between concurrent per-seed walkers: the first walker to claim a
// storage key loads its edges from the store, everyone else waits for
// and reuses that result. Depth bookkeeping stays with each walker.
type nodeCache struct {
	mu    sync.Mutex
	nodes map[string]*nodeEntry
}

type nodeEntry struct {
	ready chan struct{}
	edges []types.Membership
	err   error
}

func newNodeCache() *nodeCache {
	return &nodeCache{nodes: make(map[string]*nodeEntry)}
}

// claim performs a test-and-set on the storage key. The first caller
// gets claimed == true and must complete the entry via load; later
// callers get the existing entry.
func (c *nodeCache) claim(storageKey string) (entry *nodeEntry, claimed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.nodes[storageKey]; ok {
		return entry, false
	}
	entry = &nodeEntry{ready: make(chan struct{})}
	c.nodes[storageKey] = entry
	return entry, true
}

// edges returns the memoized edge list for the storage key, loading it
// via load on first claim and blocking other walkers until the load
// completes.
func (c *nodeCache) edges(ctx context.Context, storageKey string, load func() ([]types.Membership, error)) ([]types.Membership, error) {
	entry, claimed := c.claim(storageKey)
	if claimed {
		entry.edges, entry.err = load()
		close(entry.ready)
	} else {
		select {
		case <-entry.ready:
		case <-ctx.Done():
			return nil, trace.Wrap(ctx.Err())
		}
	}
	if entry.err != nil {
		return nil, trace.Wrap(entry.err)
	}
	return entry.edges, nil
}
