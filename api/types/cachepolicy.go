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

package types

import (
	"time"

	"github.com/gravitational/trace"
)

// CachePolicy tells callers how long results for a class of subjects
// may be cached on their side. The engine publishes policies, it does
// not enforce them.
type CachePolicy struct {
	// SubjectType is the class of subjects the policy applies to.
	SubjectType SubjectType `json:"subject_type"`
	// TTL is the maximum client side cache lifetime.
	TTL time.Duration `json:"ttl"`
}

// CheckAndSetDefaults validates the policy.
func (p *CachePolicy) CheckAndSetDefaults() error {
	if err := p.SubjectType.Check(); err != nil {
		return trace.Wrap(err)
	}
	if p.TTL <= 0 {
		return trace.BadParameter("cache policy TTL must be positive")
	}
	return nil
}

// CachePolicySet is the full server side caching policy surface.
type CachePolicySet struct {
	// Policies holds one policy per applicable subject type.
	Policies []CachePolicy `json:"policies"`
}

// PolicyFor returns the policy for the given subject type, if any.
func (s *CachePolicySet) PolicyFor(t SubjectType) (CachePolicy, bool) {
	for _, p := range s.Policies {
		if p.SubjectType == t {
			return p, true
		}
	}
	return CachePolicy{}, false
}
