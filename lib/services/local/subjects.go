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

// Package local implements the graph engine's stores on top of
// lib/backend.
package local

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/identitygraph/api/types"
	"github.com/gravitational/identitygraph/lib/backend"
	"github.com/gravitational/identitygraph/lib/descriptors"
	"github.com/gravitational/identitygraph/lib/services"
)

const (
	subjectsPrefix = "subjects"
	originsPrefix  = "subject_origins"
)

// SubjectService manages subject records on top of a backend.
type SubjectService struct {
	backend backend.Backend
	logger  *slog.Logger

	// memberships is used to apply initial group placement on create.
	// It is set after construction to break the cycle between the
	// subject and membership stores.
	memberships services.Memberships
}

// NewSubjectService returns a new subject store.
func NewSubjectService(b backend.Backend) (*SubjectService, error) {
	if b == nil {
		return nil, trace.BadParameter("missing parameter backend")
	}
	return &SubjectService{
		backend: b,
		logger:  slog.With("component", "subjects"),
	}, nil
}

// SetMemberships wires the membership store used for initial group
// placement during subject creation.
func (s *SubjectService) SetMemberships(m services.Memberships) {
	s.memberships = m
}

// CreateUser materializes a user from an external identity.
func (s *SubjectService) CreateUser(ctx context.Context, cc types.CreationContext, initialGroups []types.Descriptor) (*types.User, error) {
	header, err := s.materialize(ctx, types.SubjectTypeUser, cc)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	user := &types.User{SubjectHeader: *header}
	if err := s.createRecord(ctx, user); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.placeInGroups(ctx, user.Descriptor, initialGroups); err != nil {
		return nil, trace.Wrap(err)
	}
	return user, nil
}

// CreateGroup materializes a group inside the given scope.
func (s *SubjectService) CreateGroup(ctx context.Context, cc types.CreationContext, scope types.Descriptor, initialGroups []types.Descriptor) (*types.Group, error) {
	if !scope.IsZero() {
		scopeType, _, err := descriptors.Decode(scope)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if scopeType != types.SubjectTypeScope {
			return nil, trace.BadParameter("group scope %q is not a scope descriptor", scope)
		}
	}
	header, err := s.materialize(ctx, types.SubjectTypeGroup, cc)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	group := &types.Group{SubjectHeader: *header, Scope: scope}
	if err := s.createRecord(ctx, group); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.placeInGroups(ctx, group.Descriptor, initialGroups); err != nil {
		return nil, trace.Wrap(err)
	}
	return group, nil
}

// CreateScope materializes a scope, optionally nested inside a parent
// scope.
func (s *SubjectService) CreateScope(ctx context.Context, cc types.CreationContext, parent types.Descriptor) (*types.Scope, error) {
	if !parent.IsZero() {
		parentType, _, err := descriptors.Decode(parent)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if parentType != types.SubjectTypeScope {
			return nil, trace.BadParameter("parent %q is not a scope descriptor", parent)
		}
	}
	header, err := s.materialize(ctx, types.SubjectTypeScope, cc)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	scope := &types.Scope{SubjectHeader: *header}
	if err := s.createRecord(ctx, scope); err != nil {
		return nil, trace.Wrap(err)
	}
	if !parent.IsZero() {
		if s.memberships == nil {
			return nil, trace.BadParameter("membership store is not configured for scope nesting")
		}
		if _, err := s.memberships.AddMembership(ctx, scope.Descriptor, parent); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return scope, nil
}

// GetSubject returns the subject for the descriptor.
func (s *SubjectService) GetSubject(ctx context.Context, d types.Descriptor) (types.Subject, error) {
	_, storageKey, err := descriptors.Decode(d)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	subject, err := s.getByStorageKey(ctx, storageKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// A storage key may acquire a new descriptor after an identity
	// merge. The superseded descriptor must not keep resolving.
	if subject.GetDescriptor() != d {
		return nil, trace.NotFound("subject %q is not found", d)
	}
	return subject, nil
}

// GetUser returns the user for the descriptor.
func (s *SubjectService) GetUser(ctx context.Context, d types.Descriptor) (*types.User, error) {
	subject, err := s.getTyped(ctx, d, types.SubjectTypeUser)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return subject.(*types.User), nil
}

// GetGroup returns the group for the descriptor.
func (s *SubjectService) GetGroup(ctx context.Context, d types.Descriptor) (*types.Group, error) {
	subject, err := s.getTyped(ctx, d, types.SubjectTypeGroup)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return subject.(*types.Group), nil
}

// GetScope returns the scope for the descriptor.
func (s *SubjectService) GetScope(ctx context.Context, d types.Descriptor) (*types.Scope, error) {
	subject, err := s.getTyped(ctx, d, types.SubjectTypeScope)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return subject.(*types.Scope), nil
}

// DeleteSubject tombstones a subject. The record stays in the backend
// with its disabled flag set so that historical edges and lazy state
// computation keep working; only the external identity lookup entry is
// removed. Deleting an already tombstoned subject succeeds without
// changes.
func (s *SubjectService) DeleteSubject(ctx context.Context, d types.Descriptor) error {
	subject, err := s.GetSubject(ctx, d)
	if err != nil {
		return trace.Wrap(err)
	}
	if subject.IsDisabled() {
		return nil
	}
	subject.SetDisabled(true)
	value, err := services.MarshalSubject(subject)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := s.backend.Update(ctx, backend.Item{
		Key:   backend.Key(subjectsPrefix, subject.GetStorageKey()),
		Value: value,
	}); err != nil {
		return trace.Wrap(err)
	}
	err = s.backend.Delete(ctx, backend.Key(originsPrefix, subject.GetOrigin(), subject.GetOriginID()))
	if err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	s.logger.DebugContext(ctx, "Tombstoned subject", "descriptor", d.String())
	return nil
}

// UpdateGroup patches mutable fields of a group.
func (s *SubjectService) UpdateGroup(ctx context.Context, d types.Descriptor, patch services.SubjectPatch) (*types.Group, error) {
	if err := patch.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	if patch.AdminGroup != nil {
		return nil, trace.BadParameter("admin group can only be designated on a scope")
	}
	group, err := s.GetGroup(ctx, d)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if patch.DisplayName != nil {
		group.DisplayName = *patch.DisplayName
	}
	if err := s.updateRecord(ctx, group); err != nil {
		return nil, trace.Wrap(err)
	}
	return group, nil
}

// UpdateScope patches mutable fields of a scope.
func (s *SubjectService) UpdateScope(ctx context.Context, d types.Descriptor, patch services.SubjectPatch) (*types.Scope, error) {
	if err := patch.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	scope, err := s.GetScope(ctx, d)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if patch.DisplayName != nil {
		scope.DisplayName = *patch.DisplayName
	}
	if patch.AdminGroup != nil {
		adminType, _, err := descriptors.Decode(*patch.AdminGroup)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if adminType != types.SubjectTypeGroup {
			return nil, trace.BadParameter("admin group %q is not a group descriptor", *patch.AdminGroup)
		}
		scope.AdminGroup = *patch.AdminGroup
	}
	if err := s.updateRecord(ctx, scope); err != nil {
		return nil, trace.Wrap(err)
	}
	return scope, nil
}

// materialize claims the external identity and mints the storage key
// and descriptor for a new subject. The origin index entry is the
// idempotency anchor: its atomic Create is what makes double
// materialization a conflict rather than a duplicate.
func (s *SubjectService) materialize(ctx context.Context, subjectType types.SubjectType, cc types.CreationContext) (*types.SubjectHeader, error) {
	if err := cc.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	storageKey := uuid.NewString()
	descriptor, err := descriptors.Encode(subjectType, storageKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	_, err = s.backend.Create(ctx, backend.Item{
		Key:   backend.Key(originsPrefix, cc.Origin, cc.OriginID),
		Value: []byte(storageKey),
	})
	if err != nil {
		if trace.IsAlreadyExists(err) {
			return nil, trace.AlreadyExists("identity %v/%v is already materialized", cc.Origin, cc.OriginID)
		}
		return nil, trace.Wrap(err)
	}
	return &types.SubjectHeader{
		StorageKey:  storageKey,
		Descriptor:  descriptor,
		Type:        subjectType,
		DisplayName: cc.DisplayName,
		Origin:      cc.Origin,
		OriginID:    cc.OriginID,
	}, nil
}

// createRecord writes the subject record, releasing the origin claim
// if the write fails.
func (s *SubjectService) createRecord(ctx context.Context, subject types.Subject) error {
	value, err := services.MarshalSubject(subject)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := s.backend.Create(ctx, backend.Item{
		Key:   backend.Key(subjectsPrefix, subject.GetStorageKey()),
		Value: value,
	}); err != nil {
		if delErr := s.backend.Delete(ctx, backend.Key(originsPrefix, subject.GetOrigin(), subject.GetOriginID())); delErr != nil {
			s.logger.WarnContext(ctx, "Failed to release origin claim",
				"origin", subject.GetOrigin(), "origin_id", subject.GetOriginID(), "error", delErr)
		}
		return trace.Wrap(err)
	}
	return nil
}

func (s *SubjectService) updateRecord(ctx context.Context, subject types.Subject) error {
	value, err := services.MarshalSubject(subject)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.backend.Update(ctx, backend.Item{
		Key:   backend.Key(subjectsPrefix, subject.GetStorageKey()),
		Value: value,
	})
	return trace.Wrap(err)
}

func (s *SubjectService) getByStorageKey(ctx context.Context, storageKey string) (types.Subject, error) {
	item, err := s.backend.Get(ctx, backend.Key(subjectsPrefix, storageKey))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("subject with storage key %q is not found", storageKey)
		}
		return nil, trace.Wrap(err)
	}
	subject, err := services.UnmarshalSubject(item.Value)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return subject, nil
}

// getTyped fetches a subject and requires it to be of the expected
// type. A descriptor of another subject type is a not found condition,
// not a malformed input: the descriptor is well formed, it just does
// not name a subject of the requested kind.
func (s *SubjectService) getTyped(ctx context.Context, d types.Descriptor, expected types.SubjectType) (types.Subject, error) {
	subject, err := s.GetSubject(ctx, d)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if subject.GetSubjectType() != expected {
		return nil, trace.NotFound("subject %q is not a %s", d, string(expected))
	}
	return subject, nil
}

func (s *SubjectService) placeInGroups(ctx context.Context, member types.Descriptor, groups []types.Descriptor) error {
	if len(groups) == 0 {
		return nil
	}
	if s.memberships == nil {
		return trace.BadParameter("membership store is not configured for initial group placement")
	}
	for _, group := range groups {
		groupType, _, err := descriptors.Decode(group)
		if err != nil {
			return trace.Wrap(err)
		}
		if groupType != types.SubjectTypeGroup {
			return trace.BadParameter("initial container %q is not a group descriptor", group)
		}
		if _, err := s.memberships.AddMembership(ctx, member, group); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}
