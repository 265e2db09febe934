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

// Package services defines the interfaces of the graph engine's stores
// along with the marshaling functions shared by their implementations.
package services

import (
	"context"
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/gravitational/identitygraph/api/types"
)

// SubjectsGetter is the read-only surface of the subject store. The
// traversal engine and the membership store depend on this interface
// rather than on the full store.
type SubjectsGetter interface {
	// GetSubject returns the subject for the descriptor. Tombstoned
	// subjects are returned with their disabled flag set; descriptors
	// that never resolved to a subject fail with a not found error.
	GetSubject(ctx context.Context, d types.Descriptor) (types.Subject, error)
}

// Subjects is the subject store: users, groups and scopes keyed by
// storage key, with materialization from external identities.
type Subjects interface {
	SubjectsGetter

	// CreateUser materializes a user from an external identity. A
	// second materialization of the same (origin, origin id) fails
	// with an already exists error. initialGroups optionally places
	// the new user into existing groups.
	CreateUser(ctx context.Context, cc types.CreationContext, initialGroups []types.Descriptor) (*types.User, error)

	// CreateGroup materializes a group inside the given scope,
	// optionally nested into initialGroups.
	CreateGroup(ctx context.Context, cc types.CreationContext, scope types.Descriptor, initialGroups []types.Descriptor) (*types.Group, error)

	// CreateScope materializes a scope, optionally nested inside a
	// parent scope.
	CreateScope(ctx context.Context, cc types.CreationContext, parent types.Descriptor) (*types.Scope, error)

	// GetUser returns the user for the descriptor, failing with a not
	// found error when the descriptor resolves to another subject
	// type.
	GetUser(ctx context.Context, d types.Descriptor) (*types.User, error)

	// GetGroup returns the group for the descriptor.
	GetGroup(ctx context.Context, d types.Descriptor) (*types.Group, error)

	// GetScope returns the scope for the descriptor.
	GetScope(ctx context.Context, d types.Descriptor) (*types.Scope, error)

	// DeleteSubject tombstones a subject: the record is disabled and
	// removed from external identity lookup, but its storage key stays
	// valid for historical edges. Deleting an already tombstoned
	// subject is a no-op success.
	DeleteSubject(ctx context.Context, d types.Descriptor) error

	// UpdateGroup patches mutable fields of a group.
	UpdateGroup(ctx context.Context, d types.Descriptor, patch SubjectPatch) (*types.Group, error)

	// UpdateScope patches mutable fields of a scope.
	UpdateScope(ctx context.Context, d types.Descriptor, patch SubjectPatch) (*types.Scope, error)
}

// SubjectPatch describes a partial update of a subject. Nil fields are
// left unchanged. Immutable fields are present so that attempts to
// change them can be rejected explicitly instead of being silently
// dropped.
type SubjectPatch struct {
	// DisplayName replaces the display name when set.
	DisplayName *string `json:"display_name,omitempty"`
	// AdminGroup designates the administrative group of a scope when
	// set. It is rejected for any other subject kind.
	AdminGroup *types.Descriptor `json:"admin_group,omitempty"`
	// Origin is immutable; a non-nil value is rejected.
	Origin *string `json:"origin,omitempty"`
	// OriginID is immutable; a non-nil value is rejected.
	OriginID *string `json:"origin_id,omitempty"`
	// StorageKey is immutable; a non-nil value is rejected.
	StorageKey *string `json:"storage_key,omitempty"`
}

// Check rejects patches touching immutable fields.
func (p *SubjectPatch) Check() error {
	if p.Origin != nil {
		return trace.BadParameter("origin of a subject cannot be changed")
	}
	if p.OriginID != nil {
		return trace.BadParameter("origin id of a subject cannot be changed")
	}
	if p.StorageKey != nil {
		return trace.BadParameter("storage key of a subject cannot be changed")
	}
	return nil
}

// MarshalSubject marshals a subject to its storage representation.
func MarshalSubject(s types.Subject) ([]byte, error) {
	if err := s.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// UnmarshalSubject unmarshals a subject from its storage
// representation, dispatching on the embedded type tag.
func UnmarshalSubject(data []byte) (types.Subject, error) {
	if len(data) == 0 {
		return nil, trace.BadParameter("missing subject data")
	}
	var header struct {
		Type types.SubjectType `json:"type"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, trace.Wrap(err)
	}
	switch header.Type {
	case types.SubjectTypeUser:
		var u types.User
		if err := json.Unmarshal(data, &u); err != nil {
			return nil, trace.Wrap(err)
		}
		return &u, nil
	case types.SubjectTypeGroup:
		var g types.Group
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, trace.Wrap(err)
		}
		return &g, nil
	case types.SubjectTypeScope:
		var s types.Scope
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, trace.Wrap(err)
		}
		return &s, nil
	}
	return nil, trace.BadParameter("subject record has unsupported type %q", string(header.Type))
}
