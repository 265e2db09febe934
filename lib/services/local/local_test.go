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
	"context"
	"os"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/identitygraph/api/types"
	"github.com/gravitational/identitygraph/lib/backend/memory"
	"github.com/gravitational/identitygraph/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

// testPack bundles the stores most tests need, wired the same way the
// server wires them.
type testPack struct {
	backend     *memory.Memory
	clock       *clockwork.FakeClock
	subjects    *SubjectService
	memberships *MembershipService
}

func newPack(t *testing.T) *testPack {
	t.Helper()
	clock := clockwork.NewFakeClock()
	bk, err := memory.New(memory.Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, bk.Close()) })

	subjects, err := NewSubjectService(bk)
	require.NoError(t, err)
	memberships, err := NewMembershipService(MembershipServiceConfig{
		Backend:  bk,
		Subjects: subjects,
	})
	require.NoError(t, err)
	subjects.SetMemberships(memberships)

	return &testPack{
		backend:     bk,
		clock:       clock,
		subjects:    subjects,
		memberships: memberships,
	}
}

func (p *testPack) user(t *testing.T, name string, groups ...types.Descriptor) *types.User {
	t.Helper()
	user, err := p.subjects.CreateUser(context.Background(), types.CreationContext{
		Origin:      "aad",
		OriginID:    name,
		DisplayName: name,
	}, groups)
	require.NoError(t, err)
	return user
}

func (p *testPack) group(t *testing.T, name string, scope types.Descriptor, groups ...types.Descriptor) *types.Group {
	t.Helper()
	group, err := p.subjects.CreateGroup(context.Background(), types.CreationContext{
		Origin:      "aad",
		OriginID:    name,
		DisplayName: name,
	}, scope, groups)
	require.NoError(t, err)
	return group
}

func (p *testPack) scope(t *testing.T, name string) *types.Scope {
	t.Helper()
	scope, err := p.subjects.CreateScope(context.Background(), types.CreationContext{
		Origin:      "aad",
		OriginID:    name,
		DisplayName: name,
	}, "")
	require.NoError(t, err)
	return scope
}
