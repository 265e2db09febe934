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
	"log/slog"

	"github.com/gravitational/trace"

	"github.com/gravitational/identitygraph/api/types"
	"github.com/gravitational/identitygraph/lib/backend"
	"github.com/gravitational/identitygraph/lib/descriptors"
	"github.com/gravitational/identitygraph/lib/services"
)

const (
	membershipsPrefix = "memberships"
	upInfix           = "up"
	downInfix         = "down"

	// membershipStateMaxDepth bounds the ancestor walk of
	// GetMembershipState. The visited set already guarantees
	// termination under cycles; the bound caps the walk on
	// pathologically deep chains.
	membershipStateMaxDepth = 64
)

// MembershipServiceConfig configures the membership edge store.
type MembershipServiceConfig struct {
	// Backend is the storage backend.
	Backend backend.Backend
	// Subjects is used to read disabled flags during state
	// computation.
	Subjects services.SubjectsGetter
}

// CheckAndSetDefaults checks and sets defaults.
func (c *MembershipServiceConfig) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if c.Subjects == nil {
		return trace.BadParameter("missing parameter Subjects")
	}
	return nil
}

// MembershipService manages the directed membership edge set. Every
// edge is written under both a member-side and a container-side key, so
// enumeration in either direction is a single range read.
//
// The up (member-side) index is the authoritative view: existence and
// single-edge reads go through it, it is written last on add and
// removed first on remove. A failed or interleaved dual write can
// therefore leave a dangling container-side entry, over-reporting in
// the downward listing until the edge is re-added or re-removed, but
// it can never fabricate an edge in the authoritative view. Edge-level
// writes are last-writer-wins; no cross-view transaction is assumed.
type MembershipService struct {
	cfg    MembershipServiceConfig
	logger *slog.Logger
}

// NewMembershipService returns a new membership edge store.
func NewMembershipService(cfg MembershipServiceConfig) (*MembershipService, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &MembershipService{
		cfg:    cfg,
		logger: slog.With("component", "memberships"),
	}, nil
}

// AddMembership adds an edge. Adding an existing edge succeeds without
// duplication.
func (s *MembershipService) AddMembership(ctx context.Context, member, container types.Descriptor) (*types.Membership, error) {
	edge := types.Membership{MemberDescriptor: member, ContainerDescriptor: container}
	if err := edge.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	memberKey, containerKey, err := s.edgeStorageKeys(member, container)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	value, err := services.MarshalMembership(edge)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// Put is idempotent. The authoritative up entry goes in last: if
	// the dual write is cut short, existence checks keep reporting the
	// edge as absent.
	if _, err := s.cfg.Backend.Put(ctx, backend.Item{
		Key:   backend.Key(membershipsPrefix, downInfix, containerKey, memberKey),
		Value: value,
	}); err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := s.cfg.Backend.Put(ctx, backend.Item{
		Key:   backend.Key(membershipsPrefix, upInfix, memberKey, containerKey),
		Value: value,
	}); err != nil {
		return nil, trace.Wrap(err)
	}
	return &edge, nil
}

// RemoveMembership removes an edge. Removing an absent edge is a no-op
// success.
func (s *MembershipService) RemoveMembership(ctx context.Context, member, container types.Descriptor) error {
	memberKey, containerKey, err := s.edgeStorageKeys(member, container)
	if err != nil {
		return trace.Wrap(err)
	}
	// the authoritative up entry goes away first, mirroring the add
	// order
	err = s.cfg.Backend.Delete(ctx, backend.Key(membershipsPrefix, upInfix, memberKey, containerKey))
	if err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	err = s.cfg.Backend.Delete(ctx, backend.Key(membershipsPrefix, downInfix, containerKey, memberKey))
	if err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	return nil
}

// CheckMembershipExistence reports whether an edge exists. Absence is
// the false result; only malformed descriptors fail.
func (s *MembershipService) CheckMembershipExistence(ctx context.Context, member, container types.Descriptor) (bool, error) {
	memberKey, containerKey, err := s.edgeStorageKeys(member, container)
	if err != nil {
		return false, trace.Wrap(err)
	}
	_, err = s.cfg.Backend.Get(ctx, backend.Key(membershipsPrefix, upInfix, memberKey, containerKey))
	if err != nil {
		if trace.IsNotFound(err) {
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	return true, nil
}

// GetMembership returns the edge or a not found error.
func (s *MembershipService) GetMembership(ctx context.Context, member, container types.Descriptor) (*types.Membership, error) {
	memberKey, containerKey, err := s.edgeStorageKeys(member, container)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	item, err := s.cfg.Backend.Get(ctx, backend.Key(membershipsPrefix, upInfix, memberKey, containerKey))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("membership of %q in %q is not found", member, container)
		}
		return nil, trace.Wrap(err)
	}
	edge, err := services.UnmarshalMembership(item.Value)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return edge, nil
}

// ListMemberships enumerates the direct edges of a subject in the
// requested direction.
func (s *MembershipService) ListMemberships(ctx context.Context, subject types.Descriptor, direction types.TraversalDirection) ([]types.Membership, error) {
	if err := direction.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	_, storageKey, err := descriptors.Decode(subject)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	infix := upInfix
	if direction == types.DirectionDown {
		infix = downInfix
	}
	startKey := backend.Key(membershipsPrefix, infix, storageKey)
	result, err := s.cfg.Backend.GetRange(ctx, startKey, backend.RangeEnd(startKey), backend.NoLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	edges := make([]types.Membership, 0, len(result.Items))
	for _, item := range result.Items {
		edge, err := services.UnmarshalMembership(item.Value)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		edges = append(edges, *edge)
	}
	return edges, nil
}

// GetMembershipState derives the activity state of a subject: Inactive
// if the subject itself or any container reachable walking up has been
// disabled, Active otherwise. The state is computed lazily on read, so
// disabling a large container never fans out into per-member writes.
func (s *MembershipService) GetMembershipState(ctx context.Context, subject types.Descriptor) (types.MembershipState, error) {
	start, err := s.cfg.Subjects.GetSubject(ctx, subject)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if start.IsDisabled() {
		return types.MembershipStateInactive, nil
	}
	// Breadth-first walk up the containment chain with a visited set
	// keyed by storage key; the membership relation may contain
	// cycles, so unguarded recursion is not an option here.
	visited := map[string]struct{}{start.GetStorageKey(): {}}
	frontier := []types.Descriptor{subject}
	for depth := 0; depth < membershipStateMaxDepth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return "", trace.Wrap(err)
		}
		var next []types.Descriptor
		for _, d := range frontier {
			edges, err := s.ListMemberships(ctx, d, types.DirectionUp)
			if err != nil {
				return "", trace.Wrap(err)
			}
			for _, edge := range edges {
				_, containerKey, err := descriptors.Decode(edge.ContainerDescriptor)
				if err != nil {
					return "", trace.Wrap(err)
				}
				if _, ok := visited[containerKey]; ok {
					continue
				}
				visited[containerKey] = struct{}{}
				container, err := s.cfg.Subjects.GetSubject(ctx, edge.ContainerDescriptor)
				if err != nil {
					// An ancestor referenced by a historical edge may
					// no longer resolve; it cannot contribute a
					// disabled flag either way.
					if trace.IsNotFound(err) {
						s.logger.DebugContext(ctx, "Skipping unresolvable ancestor",
							"descriptor", edge.ContainerDescriptor.String())
						continue
					}
					return "", trace.Wrap(err)
				}
				if container.IsDisabled() {
					return types.MembershipStateInactive, nil
				}
				next = append(next, edge.ContainerDescriptor)
			}
		}
		frontier = next
	}
	return types.MembershipStateActive, nil
}

// edgeStorageKeys validates both endpoints of an edge and returns their
// storage keys. Users can never be the container side.
func (s *MembershipService) edgeStorageKeys(member, container types.Descriptor) (memberKey, containerKey string, err error) {
	_, memberKey, err = descriptors.Decode(member)
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	containerType, containerKey, err := descriptors.Decode(container)
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	if containerType == types.SubjectTypeUser {
		return "", "", trace.BadParameter("user %q cannot contain other subjects", container)
	}
	return memberKey, containerKey, nil
}
