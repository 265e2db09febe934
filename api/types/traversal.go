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

// TraversalDirection orients a walk of the membership relation.
type TraversalDirection int

const (
	// DirectionUnknown is the unset sentinel. It is never valid as an
	// input to a traversal; callers must reject or default it
	// explicitly.
	DirectionUnknown TraversalDirection = iota
	// DirectionUp walks from members toward their containers.
	DirectionUp
	// DirectionDown walks from containers toward their members.
	DirectionDown
)

// String returns the text form of the direction.
func (d TraversalDirection) String() string {
	switch d {
	case DirectionUp:
		return "up"
	case DirectionDown:
		return "down"
	}
	return "unknown"
}

// Check validates the direction.
func (d TraversalDirection) Check() error {
	switch d {
	case DirectionUp, DirectionDown:
		return nil
	}
	return trace.BadParameter("traversal direction must be up or down")
}

// ParseTraversalDirection parses the text form of a direction. The
// unknown sentinel is not parseable: an empty or unrecognized value is
// an error, never a silent default.
func ParseTraversalDirection(s string) (TraversalDirection, error) {
	switch s {
	case "up":
		return DirectionUp, nil
	case "down":
		return DirectionDown, nil
	}
	return DirectionUnknown, trace.BadParameter("unsupported traversal direction %q", s)
}
