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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/identitygraph/api/types"
)

func TestCachePolicyDefaults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPack(t)

	svc, err := NewCachePolicyService(ctx, p.backend, nil)
	require.NoError(t, err)

	set, err := svc.GetCachePolicies(ctx)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(DefaultCachePolicies, *set))

	policy, ok := set.PolicyFor(types.SubjectTypeUser)
	require.True(t, ok)
	require.Equal(t, 5*time.Minute, policy.TTL)

	_, ok = set.PolicyFor(types.SubjectType("unknown"))
	require.False(t, ok)
}

func TestCachePolicyCustomSeed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPack(t)

	custom := types.CachePolicySet{
		Policies: []types.CachePolicy{
			{SubjectType: types.SubjectTypeUser, TTL: time.Minute},
		},
	}
	svc, err := NewCachePolicyService(ctx, p.backend, &custom)
	require.NoError(t, err)

	set, err := svc.GetCachePolicies(ctx)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(custom, *set))

	// a second construction does not clobber the seeded set
	svc2, err := NewCachePolicyService(ctx, p.backend, &DefaultCachePolicies)
	require.NoError(t, err)
	set, err = svc2.GetCachePolicies(ctx)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(custom, *set))
}
