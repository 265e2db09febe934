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

package services

import (
	"context"
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/gravitational/identitygraph/api/types"
)

// MembershipsGetter is the read-only surface of the membership edge
// store, sufficient for traversal.
type MembershipsGetter interface {
	// ListMemberships enumerates the direct edges of a subject in the
	// given direction: Up lists edges where the subject is the member,
	// Down lists edges where it is the container.
	ListMemberships(ctx context.Context, subject types.Descriptor, direction types.TraversalDirection) ([]types.Membership, error)
}

// Memberships is the membership edge store.
type Memberships interface {
	MembershipsGetter

	// AddMembership adds an edge. Adding an existing edge is a no-op
	// success. It fails with a bad parameter error when the container
	// is a user or when member and container are the same subject.
	AddMembership(ctx context.Context, member, container types.Descriptor) (*types.Membership, error)

	// RemoveMembership removes an edge. Removing an absent edge is a
	// no-op success: removal describes a target state, not an event.
	RemoveMembership(ctx context.Context, member, container types.Descriptor) error

	// CheckMembershipExistence reports whether an edge exists. Absence
	// is the false result, never an error; only malformed descriptors
	// fail.
	CheckMembershipExistence(ctx context.Context, member, container types.Descriptor) (bool, error)

	// GetMembership returns the edge, failing with a not found error
	// when it does not exist.
	GetMembership(ctx context.Context, member, container types.Descriptor) (*types.Membership, error)

	// GetMembershipState derives the activity state of a subject: a
	// subject is inactive if it, or any container reachable from it
	// walking up, has been disabled. The walk is cycle safe.
	GetMembershipState(ctx context.Context, subject types.Descriptor) (types.MembershipState, error)
}

// MarshalMembership marshals a membership edge to its storage
// representation.
func MarshalMembership(m types.Membership) ([]byte, error) {
	if err := m.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// UnmarshalMembership unmarshals a membership edge from its storage
// representation.
func UnmarshalMembership(data []byte) (*types.Membership, error) {
	if len(data) == 0 {
		return nil, trace.BadParameter("missing membership data")
	}
	var m types.Membership
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := m.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &m, nil
}
