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

package local

import (
	"bytes"
	"context"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/identitygraph/api/types"
	"github.com/gravitational/identitygraph/lib/backend"
)

func TestAddMembershipIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPack(t)

	user := p.user(t, "alice")
	group := p.group(t, "eng", "")

	_, err := p.memberships.AddMembership(ctx, user.Descriptor, group.Descriptor)
	require.NoError(t, err)
	_, err = p.memberships.AddMembership(ctx, user.Descriptor, group.Descriptor)
	require.NoError(t, err)

	edges, err := p.memberships.ListMemberships(ctx, user.Descriptor, types.DirectionUp)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, group.Descriptor, edges[0].ContainerDescriptor)
}

func TestMembershipRejectsInvalidEdges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPack(t)

	user := p.user(t, "alice")
	bob := p.user(t, "bob")
	group := p.group(t, "eng", "")

	// self membership
	_, err := p.memberships.AddMembership(ctx, group.Descriptor, group.Descriptor)
	require.True(t, trace.IsBadParameter(err))

	// users cannot contain anything
	_, err = p.memberships.AddMembership(ctx, bob.Descriptor, user.Descriptor)
	require.True(t, trace.IsBadParameter(err))

	// malformed descriptors fail closed
	_, err = p.memberships.AddMembership(ctx, types.Descriptor("garbage"), group.Descriptor)
	require.True(t, trace.IsBadParameter(err))
}

func TestRemoveMembership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPack(t)

	user := p.user(t, "alice")
	group := p.group(t, "eng", "")

	// removing an edge that never existed is a no-op success
	require.NoError(t, p.memberships.RemoveMembership(ctx, user.Descriptor, group.Descriptor))

	_, err := p.memberships.AddMembership(ctx, user.Descriptor, group.Descriptor)
	require.NoError(t, err)
	require.NoError(t, p.memberships.RemoveMembership(ctx, user.Descriptor, group.Descriptor))

	ok, err := p.memberships.CheckMembershipExistence(ctx, user.Descriptor, group.Descriptor)
	require.NoError(t, err)
	require.False(t, ok)

	// both directional views dropped the edge
	up, err := p.memberships.ListMemberships(ctx, user.Descriptor, types.DirectionUp)
	require.NoError(t, err)
	require.Empty(t, up)
	down, err := p.memberships.ListMemberships(ctx, group.Descriptor, types.DirectionDown)
	require.NoError(t, err)
	require.Empty(t, down)
}

// faultyBackend fails writes under a configured key prefix, leaving
// dual-index writes cut short mid way.
type faultyBackend struct {
	backend.Backend
	failPrefix []byte
}

func (f *faultyBackend) Put(ctx context.Context, i backend.Item) (*backend.Lease, error) {
	if bytes.HasPrefix(i.Key, f.failPrefix) {
		return nil, trace.ConnectionProblem(nil, "backend is unavailable")
	}
	return f.Backend.Put(ctx, i)
}

func TestAddMembershipPartialWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPack(t)

	user := p.user(t, "alice")
	group := p.group(t, "eng", "")

	// cut the dual write short after the container-side entry lands
	faulty := &faultyBackend{
		Backend:    p.backend,
		failPrefix: backend.Key(membershipsPrefix, upInfix),
	}
	svc, err := NewMembershipService(MembershipServiceConfig{
		Backend:  faulty,
		Subjects: p.subjects,
	})
	require.NoError(t, err)

	_, err = svc.AddMembership(ctx, user.Descriptor, group.Descriptor)
	require.Error(t, err)

	// the authoritative view never saw the edge
	ok, err := p.memberships.CheckMembershipExistence(ctx, user.Descriptor, group.Descriptor)
	require.NoError(t, err)
	require.False(t, ok)
	_, err = p.memberships.GetMembership(ctx, user.Descriptor, group.Descriptor)
	require.True(t, trace.IsNotFound(err))

	// a retry against a healthy backend converges both views
	_, err = p.memberships.AddMembership(ctx, user.Descriptor, group.Descriptor)
	require.NoError(t, err)
	down, err := p.memberships.ListMemberships(ctx, group.Descriptor, types.DirectionDown)
	require.NoError(t, err)
	require.Len(t, down, 1)
}

func TestExistenceGetConsistency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPack(t)

	user := p.user(t, "alice")
	group := p.group(t, "eng", "")

	_, err := p.memberships.GetMembership(ctx, user.Descriptor, group.Descriptor)
	require.True(t, trace.IsNotFound(err))

	_, err = p.memberships.AddMembership(ctx, user.Descriptor, group.Descriptor)
	require.NoError(t, err)

	edge, err := p.memberships.GetMembership(ctx, user.Descriptor, group.Descriptor)
	require.NoError(t, err)
	require.Equal(t, user.Descriptor, edge.MemberDescriptor)
	require.Equal(t, group.Descriptor, edge.ContainerDescriptor)

	ok, err := p.memberships.CheckMembershipExistence(ctx, user.Descriptor, group.Descriptor)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDirectionSymmetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPack(t)

	group := p.group(t, "eng", "")
	var members []types.Descriptor
	for _, name := range []string{"alice", "bob", "carol"} {
		user := p.user(t, name, group.Descriptor)
		members = append(members, user.Descriptor)
	}

	down, err := p.memberships.ListMemberships(ctx, group.Descriptor, types.DirectionDown)
	require.NoError(t, err)
	require.Len(t, down, len(members))
	seen := map[types.Descriptor]bool{}
	for _, edge := range down {
		require.Equal(t, group.Descriptor, edge.ContainerDescriptor)
		seen[edge.MemberDescriptor] = true
	}
	for _, member := range members {
		require.True(t, seen[member], "member %v missing from downward view", member)
	}
}

func TestListMembershipsRejectsUnknownDirection(t *testing.T) {
	t.Parallel()
	p := newPack(t)
	user := p.user(t, "alice")
	_, err := p.memberships.ListMemberships(context.Background(), user.Descriptor, types.DirectionUnknown)
	require.True(t, trace.IsBadParameter(err))
}

func TestGetMembershipState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPack(t)

	parent := p.group(t, "all", "")
	child := p.group(t, "eng", "", parent.Descriptor)
	user := p.user(t, "alice", child.Descriptor)

	state, err := p.memberships.GetMembershipState(ctx, user.Descriptor)
	require.NoError(t, err)
	require.Equal(t, types.MembershipStateActive, state)

	// disabling a transitive container flips the member inactive
	// without touching the member's own record
	require.NoError(t, p.subjects.DeleteSubject(ctx, parent.Descriptor))

	state, err = p.memberships.GetMembershipState(ctx, user.Descriptor)
	require.NoError(t, err)
	require.Equal(t, types.MembershipStateInactive, state)

	got, err := p.subjects.GetUser(ctx, user.Descriptor)
	require.NoError(t, err)
	require.False(t, got.Disabled)
}

func TestGetMembershipStateDisabledSubject(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPack(t)

	user := p.user(t, "alice")
	require.NoError(t, p.subjects.DeleteSubject(ctx, user.Descriptor))

	state, err := p.memberships.GetMembershipState(ctx, user.Descriptor)
	require.NoError(t, err)
	require.Equal(t, types.MembershipStateInactive, state)
}

func TestGetMembershipStateCycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPack(t)

	a := p.group(t, "a", "")
	b := p.group(t, "b", "")
	_, err := p.memberships.AddMembership(ctx, a.Descriptor, b.Descriptor)
	require.NoError(t, err)
	_, err = p.memberships.AddMembership(ctx, b.Descriptor, a.Descriptor)
	require.NoError(t, err)

	// the walk terminates despite the cycle
	state, err := p.memberships.GetMembershipState(ctx, a.Descriptor)
	require.NoError(t, err)
	require.Equal(t, types.MembershipStateActive, state)
}
