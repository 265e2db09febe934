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
	"encoding/json"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/identitygraph/api/types"
	"github.com/gravitational/identitygraph/lib/backend"
)

const cachePoliciesKey = "cache_policies"

// DefaultCachePolicies is the policy set published when the operator
// has not configured one. Users change rarely, group and scope shapes
// even less so.
var DefaultCachePolicies = types.CachePolicySet{
	Policies: []types.CachePolicy{
		{SubjectType: types.SubjectTypeUser, TTL: 5 * time.Minute},
		{SubjectType: types.SubjectTypeGroup, TTL: 15 * time.Minute},
		{SubjectType: types.SubjectTypeScope, TTL: time.Hour},
	},
}

// CachePolicyService publishes the server side caching policy
// parameters. The set is seeded into the backend at construction and
// the service exposes no mutation surface.
type CachePolicyService struct {
	backend backend.Backend
}

// NewCachePolicyService returns a new cache policy publisher. When
// policies is nil the defaults are seeded; an already seeded policy set
// is left untouched.
func NewCachePolicyService(ctx context.Context, b backend.Backend, policies *types.CachePolicySet) (*CachePolicyService, error) {
	if b == nil {
		return nil, trace.BadParameter("missing parameter backend")
	}
	seed := DefaultCachePolicies
	if policies != nil {
		seed = *policies
	}
	for i := range seed.Policies {
		if err := seed.Policies[i].CheckAndSetDefaults(); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	value, err := json.Marshal(seed)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := b.Create(ctx, backend.Item{
		Key:   backend.Key(cachePoliciesKey),
		Value: value,
	}); err != nil && !trace.IsAlreadyExists(err) {
		return nil, trace.Wrap(err)
	}
	return &CachePolicyService{backend: b}, nil
}

// GetCachePolicies returns the configured cache policy set.
func (s *CachePolicyService) GetCachePolicies(ctx context.Context) (*types.CachePolicySet, error) {
	item, err := s.backend.Get(ctx, backend.Key(cachePoliciesKey))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var set types.CachePolicySet
	if err := json.Unmarshal(item.Value, &set); err != nil {
		return nil, trace.Wrap(err)
	}
	return &set, nil
}
