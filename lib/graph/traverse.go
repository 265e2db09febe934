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

// Package graph implements the traversal and batch resolution engine
// over the membership edge relation.
package graph

import (
	"context"

	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/identitygraph/api/types"
	"github.com/gravitational/identitygraph/lib/descriptors"
	"github.com/gravitational/identitygraph/lib/services"
)

// DefaultParallelism bounds how many seeds are walked concurrently in
// one traversal or resolution call.
const DefaultParallelism = 4

// TraverserConfig configures the traversal engine.
type TraverserConfig struct {
	// Subjects resolves seed descriptors to subjects.
	Subjects services.SubjectsGetter
	// Memberships enumerates direct edges.
	Memberships services.MembershipsGetter
	// Parallelism bounds concurrent per-seed walkers.
	Parallelism int
}

// CheckAndSetDefaults checks and sets defaults.
func (c *TraverserConfig) CheckAndSetDefaults() error {
	if c.Subjects == nil {
		return trace.BadParameter("missing parameter Subjects")
	}
	if c.Memberships == nil {
		return trace.BadParameter("missing parameter Memberships")
	}
	if c.Parallelism <= 0 {
		c.Parallelism = DefaultParallelism
	}
	return nil
}

// TraversalResult is the outcome of walking the graph from one seed.
type TraversalResult struct {
	// Subject is the resolved seed subject; nil when Err is set.
	Subject types.Subject
	// Reachable holds the descriptors reachable from the seed within
	// the depth bound, excluding the seed itself.
	Reachable []types.Descriptor
	// Incomplete is true when the depth bound truncated the walk:
	// some node at the depth limit still had outgoing edges that were
	// never crossed. Deeper results exist but were not fetched.
	Incomplete bool
	// Err is the per-seed error for seeds that did not resolve.
	Err error
}

// Traverser performs bounded-depth breadth-first walks of the
// membership edge relation.
//
// The membership graph is not guaranteed acyclic: a group may
// indirectly contain itself through misconfiguration or migration
// artifacts. Every walk therefore keeps a visited set keyed by storage
// key, the true node identity; traversal is never implemented by
// unguarded recursion.
type Traverser struct {
	cfg TraverserConfig
}

// NewTraverser returns a new traversal engine.
func NewTraverser(cfg TraverserConfig) (*Traverser, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Traverser{cfg: cfg}, nil
}

// Traverse walks the graph from each seed in the given direction,
// crossing at most maxDepth edges per seed. Every distinct seed gets
// exactly one entry in the result: either a completed walk or a
// per-seed error for seeds that do not resolve. A bad direction or a
// negative depth is a call-level error; a bad seed is not.
func (t *Traverser) Traverse(ctx context.Context, seeds []types.Descriptor, direction types.TraversalDirection, maxDepth int) (map[types.Descriptor]*TraversalResult, error) {
	if err := direction.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	if maxDepth < 0 {
		return nil, trace.BadParameter("maxDepth cannot be negative")
	}

	results := make(map[types.Descriptor]*TraversalResult)
	for _, seed := range seeds {
		if _, ok := results[seed]; !ok {
			results[seed] = &TraversalResult{}
		}
	}

	cache := newNodeCache()
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(t.cfg.Parallelism)
	for seed, result := range results {
		group.Go(func() error {
			return trace.Wrap(t.walk(groupCtx, cache, seed, direction, maxDepth, result))
		})
	}
	if err := group.Wait(); err != nil {
		return nil, trace.Wrap(err)
	}
	return results, nil
}

// walk runs the BFS for a single seed. Resolution failures of the seed
// itself land in result.Err; store failures abort the call.
func (t *Traverser) walk(ctx context.Context, cache *nodeCache, seed types.Descriptor, direction types.TraversalDirection, maxDepth int, result *TraversalResult) error {
	_, seedKey, err := descriptors.Decode(seed)
	if err != nil {
		result.Err = err
		return nil
	}
	subject, err := t.cfg.Subjects.GetSubject(ctx, seed)
	if err != nil {
		if trace.IsNotFound(err) || trace.IsBadParameter(err) {
			result.Err = err
			return nil
		}
		return trace.Wrap(err)
	}
	result.Subject = subject

	visited := map[string]struct{}{seedKey: {}}
	frontier := []types.Descriptor{seed}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		// cancellation is checked once per BFS level
		if err := ctx.Err(); err != nil {
			return trace.Wrap(err)
		}
		var next []types.Descriptor
		for _, d := range frontier {
			edges, err := t.listEdges(ctx, cache, d, direction)
			if err != nil {
				return trace.Wrap(err)
			}
			for _, edge := range edges {
				neighbor := edge.Neighbor(direction)
				_, neighborKey, err := descriptors.Decode(neighbor)
				if err != nil {
					return trace.Wrap(err)
				}
				if _, ok := visited[neighborKey]; ok {
					continue
				}
				visited[neighborKey] = struct{}{}
				result.Reachable = append(result.Reachable, neighbor)
				next = append(next, neighbor)
			}
		}
		frontier = next
	}

	// Nodes still on the frontier sit exactly at the depth bound and
	// were never expanded. Any outgoing edge of theirs is an
	// unexplored edge, even one pointing at an already visited node:
	// the walk was truncated, not exhausted.
	for _, d := range frontier {
		edges, err := t.listEdges(ctx, cache, d, direction)
		if err != nil {
			return trace.Wrap(err)
		}
		if len(edges) > 0 {
			result.Incomplete = true
			break
		}
	}
	return nil
}

func (t *Traverser) listEdges(ctx context.Context, cache *nodeCache, d types.Descriptor, direction types.TraversalDirection) ([]types.Membership, error) {
	_, storageKey, err := descriptors.Decode(d)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return cache.edges(ctx, storageKey, func() ([]types.Membership, error) {
		return t.cfg.Memberships.ListMemberships(ctx, d, direction)
	})
}
