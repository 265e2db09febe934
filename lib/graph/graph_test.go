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
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/identitygraph/api/types"
	"github.com/gravitational/identitygraph/lib/backend/memory"
	"github.com/gravitational/identitygraph/lib/services"
	"github.com/gravitational/identitygraph/lib/services/local"
	"github.com/gravitational/identitygraph/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

type testGraph struct {
	subjects    *local.SubjectService
	memberships *local.MembershipService
	traverser   *Traverser
	resolver    *Resolver
}

func newTestGraph(t *testing.T) *testGraph {
	t.Helper()
	bk, err := memory.New(memory.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, bk.Close()) })

	subjects, err := local.NewSubjectService(bk)
	require.NoError(t, err)
	memberships, err := local.NewMembershipService(local.MembershipServiceConfig{
		Backend:  bk,
		Subjects: subjects,
	})
	require.NoError(t, err)
	subjects.SetMemberships(memberships)

	traverser, err := NewTraverser(TraverserConfig{
		Subjects:    subjects,
		Memberships: memberships,
	})
	require.NoError(t, err)
	resolver, err := NewResolver(ResolverConfig{Subjects: subjects, Memberships: memberships})
	require.NoError(t, err)

	return &testGraph{
		subjects:    subjects,
		memberships: memberships,
		traverser:   traverser,
		resolver:    resolver,
	}
}

func (g *testGraph) group(t *testing.T, name string) *types.Group {
	t.Helper()
	group, err := g.subjects.CreateGroup(context.Background(), types.CreationContext{
		Origin:      "aad",
		OriginID:    name,
		DisplayName: name,
	}, "", nil)
	require.NoError(t, err)
	return group
}

func (g *testGraph) link(t *testing.T, member, container types.Descriptor) {
	t.Helper()
	_, err := g.memberships.AddMembership(context.Background(), member, container)
	require.NoError(t, err)
}

func descriptorSet(ds []types.Descriptor) map[types.Descriptor]bool {
	set := make(map[types.Descriptor]bool, len(ds))
	for _, d := range ds {
		set[d] = true
	}
	return set
}

func TestTraverseUp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := newTestGraph(t)

	// alice -> eng -> all
	all := g.group(t, "all")
	eng := g.group(t, "eng")
	alice := g.group(t, "alice-team")
	g.link(t, eng.Descriptor, all.Descriptor)
	g.link(t, alice.Descriptor, eng.Descriptor)

	results, err := g.traverser.Traverse(ctx, []types.Descriptor{alice.Descriptor}, types.DirectionUp, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[alice.Descriptor]
	require.NoError(t, res.Err)
	require.Equal(t, alice.Descriptor, res.Subject.GetDescriptor())
	require.False(t, res.Incomplete)
	require.Equal(t, map[types.Descriptor]bool{
		eng.Descriptor: true,
		all.Descriptor: true,
	}, descriptorSet(res.Reachable))
}

func TestTraverseDown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := newTestGraph(t)

	all := g.group(t, "all")
	eng := g.group(t, "eng")
	ops := g.group(t, "ops")
	g.link(t, eng.Descriptor, all.Descriptor)
	g.link(t, ops.Descriptor, all.Descriptor)

	results, err := g.traverser.Traverse(ctx, []types.Descriptor{all.Descriptor}, types.DirectionDown, 1)
	require.NoError(t, err)

	res := results[all.Descriptor]
	require.NoError(t, res.Err)
	require.False(t, res.Incomplete)
	require.Equal(t, map[types.Descriptor]bool{
		eng.Descriptor: true,
		ops.Descriptor: true,
	}, descriptorSet(res.Reachable))
}

func TestTraverseCycleTruncation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := newTestGraph(t)

	// s -> a -> b -> s forms a containment cycle
	s := g.group(t, "s")
	a := g.group(t, "a")
	b := g.group(t, "b")
	g.link(t, s.Descriptor, a.Descriptor)
	g.link(t, a.Descriptor, b.Descriptor)
	g.link(t, b.Descriptor, s.Descriptor)

	// at depth 2 both other nodes are reached, but b's edge back to s
	// was never crossed, so the walk reports truncation
	results, err := g.traverser.Traverse(ctx, []types.Descriptor{s.Descriptor}, types.DirectionUp, 2)
	require.NoError(t, err)
	res := results[s.Descriptor]
	require.NoError(t, res.Err)
	require.True(t, res.Incomplete)
	require.Equal(t, map[types.Descriptor]bool{
		a.Descriptor: true,
		b.Descriptor: true,
	}, descriptorSet(res.Reachable))

	// one more level exhausts the cycle
	results, err = g.traverser.Traverse(ctx, []types.Descriptor{s.Descriptor}, types.DirectionUp, 3)
	require.NoError(t, err)
	res = results[s.Descriptor]
	require.NoError(t, res.Err)
	require.False(t, res.Incomplete)
	require.Len(t, res.Reachable, 2)
}

func TestTraverseDepthZero(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := newTestGraph(t)

	parent := g.group(t, "parent")
	child := g.group(t, "child")
	lone := g.group(t, "lone")
	g.link(t, child.Descriptor, parent.Descriptor)

	results, err := g.traverser.Traverse(ctx,
		[]types.Descriptor{child.Descriptor, lone.Descriptor}, types.DirectionUp, 0)
	require.NoError(t, err)

	// a seed with edges is truncated even at depth zero
	require.Empty(t, results[child.Descriptor].Reachable)
	require.True(t, results[child.Descriptor].Incomplete)

	// a seed without edges is complete
	require.Empty(t, results[lone.Descriptor].Reachable)
	require.False(t, results[lone.Descriptor].Incomplete)
}

// countingMemberships records how many times each subject's edges are
// listed, to pin down the one-fetch-per-node guarantee of concurrent
// walks.
type countingMemberships struct {
	inner services.MembershipsGetter

	mu    sync.Mutex
	calls map[types.Descriptor]int
}

func (c *countingMemberships) ListMemberships(ctx context.Context, subject types.Descriptor, direction types.TraversalDirection) ([]types.Membership, error) {
	c.mu.Lock()
	c.calls[subject]++
	c.mu.Unlock()
	return c.inner.ListMemberships(ctx, subject, direction)
}

func TestTraverseSharedSubgraph(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := newTestGraph(t)

	// every leaf funnels through mid into top, so concurrent walkers
	// all race to claim the shared nodes
	top := g.group(t, "top")
	mid := g.group(t, "mid")
	g.link(t, mid.Descriptor, top.Descriptor)
	var seeds []types.Descriptor
	for i := 0; i < 8; i++ {
		leaf := g.group(t, fmt.Sprintf("leaf-%d", i))
		g.link(t, leaf.Descriptor, mid.Descriptor)
		seeds = append(seeds, leaf.Descriptor)
	}

	counting := &countingMemberships{
		inner: g.memberships,
		calls: make(map[types.Descriptor]int),
	}
	traverser, err := NewTraverser(TraverserConfig{
		Subjects:    g.subjects,
		Memberships: counting,
		Parallelism: len(seeds),
	})
	require.NoError(t, err)

	results, err := traverser.Traverse(ctx, seeds, types.DirectionUp, 3)
	require.NoError(t, err)
	require.Len(t, results, len(seeds))
	for _, seed := range seeds {
		res := results[seed]
		require.NoError(t, res.Err)
		require.False(t, res.Incomplete)
		require.Equal(t, map[types.Descriptor]bool{
			mid.Descriptor: true,
			top.Descriptor: true,
		}, descriptorSet(res.Reachable), "seed %v", seed)
	}

	// the shared nodes were fetched from the store exactly once; every
	// other walker reused the claimed result
	counting.mu.Lock()
	defer counting.mu.Unlock()
	for subject, n := range counting.calls {
		require.Equal(t, 1, n, "edges of %v listed %d times", subject, n)
	}
	require.Contains(t, counting.calls, mid.Descriptor)
	require.Contains(t, counting.calls, top.Descriptor)
}

func TestTraversePerSeedErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := newTestGraph(t)

	eng := g.group(t, "eng")
	ghost := newTestGraph(t).group(t, "ghost")

	seeds := []types.Descriptor{
		eng.Descriptor,
		ghost.Descriptor,
		types.Descriptor("garbage"),
		eng.Descriptor, // duplicate collapses
	}
	results, err := g.traverser.Traverse(ctx, seeds, types.DirectionUp, 5)
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.NoError(t, results[eng.Descriptor].Err)
	require.True(t, trace.IsNotFound(results[ghost.Descriptor].Err))
	require.True(t, trace.IsBadParameter(results[types.Descriptor("garbage")].Err))
}

func TestTraverseRejectsBadCall(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := newTestGraph(t)

	eng := g.group(t, "eng")
	_, err := g.traverser.Traverse(ctx, []types.Descriptor{eng.Descriptor}, types.DirectionUnknown, 5)
	require.True(t, trace.IsBadParameter(err))
	_, err = g.traverser.Traverse(ctx, []types.Descriptor{eng.Descriptor}, types.DirectionUp, -1)
	require.True(t, trace.IsBadParameter(err))
}

func TestResolveBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := newTestGraph(t)

	eng := g.group(t, "eng")
	ops := g.group(t, "ops")
	ghost := newTestGraph(t).group(t, "ghost")

	batch := []types.Descriptor{
		eng.Descriptor,
		ops.Descriptor,
		ghost.Descriptor,
		types.Descriptor("garbage"),
		eng.Descriptor, // duplicate collapses
	}
	results, err := g.resolver.Resolve(ctx, batch)
	require.NoError(t, err)
	require.Len(t, results, 4)

	require.NoError(t, results[eng.Descriptor].Err)
	require.Equal(t, eng.Descriptor, results[eng.Descriptor].Subject.GetDescriptor())
	require.NoError(t, results[ops.Descriptor].Err)
	require.True(t, trace.IsNotFound(results[ghost.Descriptor].Err))
	require.Nil(t, results[ghost.Descriptor].Subject)
	require.True(t, trace.IsBadParameter(results[types.Descriptor("garbage")].Err))
}

func TestResolveMembers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := newTestGraph(t)

	eng := g.group(t, "eng")
	ops := g.group(t, "ops")
	backendTeam := g.group(t, "backend")
	g.link(t, backendTeam.Descriptor, eng.Descriptor)
	ghost := newTestGraph(t).group(t, "ghost")

	results, err := g.resolver.ResolveMembers(ctx, []types.Descriptor{
		eng.Descriptor,
		ops.Descriptor,
		ghost.Descriptor,
		types.Descriptor("garbage"),
	})
	require.NoError(t, err)
	require.Len(t, results, 4)

	engRes := results[eng.Descriptor]
	require.NoError(t, engRes.Err)
	require.Len(t, engRes.Members, 1)
	require.Equal(t, backendTeam.Descriptor, engRes.Members[0].GetDescriptor())

	// a container with no members is an empty result, not an error
	opsRes := results[ops.Descriptor]
	require.NoError(t, opsRes.Err)
	require.Empty(t, opsRes.Members)

	require.True(t, trace.IsNotFound(results[ghost.Descriptor].Err))
	require.True(t, trace.IsBadParameter(results[types.Descriptor("garbage")].Err))
}

func TestResolveEmptyBatch(t *testing.T) {
	t.Parallel()
	g := newTestGraph(t)
	results, err := g.resolver.Resolve(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestResolveCancelled(t *testing.T) {
	t.Parallel()
	g := newTestGraph(t)
	eng := g.group(t, "eng")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.resolver.Resolve(ctx, []types.Descriptor{eng.Descriptor})
	require.ErrorIs(t, err, context.Canceled)
}
