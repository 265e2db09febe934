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
	"github.com/gravitational/trace"
)

// Membership is a directed edge of the identity graph: the member
// subject is contained by the container subject. Containers are always
// groups or scopes, never users.
type Membership struct {
	// MemberDescriptor is the contained subject.
	MemberDescriptor Descriptor `json:"member_descriptor"`
	// ContainerDescriptor is the containing group or scope.
	ContainerDescriptor Descriptor `json:"container_descriptor"`
}

// CheckAndSetDefaults validates the edge.
func (m *Membership) CheckAndSetDefaults() error {
	if m.MemberDescriptor.IsZero() {
		return trace.BadParameter("missing parameter MemberDescriptor")
	}
	if m.ContainerDescriptor.IsZero() {
		return trace.BadParameter("missing parameter ContainerDescriptor")
	}
	if m.MemberDescriptor == m.ContainerDescriptor {
		return trace.BadParameter("subject %q cannot be a member of itself", m.MemberDescriptor)
	}
	return nil
}

// Neighbor returns the far end of the edge for a walk in the given
// direction: the container when walking up, the member when walking
// down.
func (m *Membership) Neighbor(direction TraversalDirection) Descriptor {
	if direction == DirectionDown {
		return m.MemberDescriptor
	}
	return m.ContainerDescriptor
}

// MembershipState is the derived activity status of a subject.
type MembershipState string

const (
	// MembershipStateActive means neither the subject nor any of its
	// ancestors has been disabled.
	MembershipStateActive MembershipState = "active"
	// MembershipStateInactive means the subject, or a container on its
	// ancestor chain, has been disabled.
	MembershipStateInactive MembershipState = "inactive"
)
