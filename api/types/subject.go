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

// Descriptor is the opaque, externally stable identifier of a subject.
// Callers must treat it as a black box; the only way to produce or take
// apart a Descriptor is the descriptors package.
type Descriptor string

// String returns the descriptor as a plain string.
func (d Descriptor) String() string {
	return string(d)
}

// IsZero returns true if the descriptor is unset.
func (d Descriptor) IsZero() bool {
	return d == ""
}

// SubjectType discriminates the kinds of subjects in the identity graph.
type SubjectType string

const (
	// SubjectTypeUser is a human or service identity.
	SubjectTypeUser SubjectType = "user"
	// SubjectTypeGroup is a collection of subjects inside a scope.
	SubjectTypeGroup SubjectType = "group"
	// SubjectTypeScope is an administrative boundary that owns groups.
	SubjectTypeScope SubjectType = "scope"
)

// Check validates the subject type.
func (t SubjectType) Check() error {
	switch t {
	case SubjectTypeUser, SubjectTypeGroup, SubjectTypeScope:
		return nil
	}
	return trace.BadParameter("unsupported subject type %q", string(t))
}

// Subject is a common interface over users, groups and scopes.
type Subject interface {
	// GetStorageKey returns the internal storage key. Storage keys are
	// never exposed outside the engine.
	GetStorageKey() string
	// GetDescriptor returns the externally visible descriptor.
	GetDescriptor() Descriptor
	// GetSubjectType returns the subject type tag.
	GetSubjectType() SubjectType
	// GetDisplayName returns the human readable name.
	GetDisplayName() string
	// GetOrigin returns the identity provider the subject was
	// materialized from, e.g. "aad" or "vsts".
	GetOrigin() string
	// GetOriginID returns the provider-scoped identity the subject was
	// materialized from.
	GetOriginID() string
	// IsDisabled returns true if the subject has been tombstoned.
	IsDisabled() bool
	// SetDisabled flips the tombstone flag.
	SetDisabled(bool)
	// CheckAndSetDefaults validates the subject record.
	CheckAndSetDefaults() error
}

// SubjectHeader holds the attributes shared by all subject kinds.
type SubjectHeader struct {
	// StorageKey is the internal identifier, stable for the lifetime of
	// the record.
	StorageKey string `json:"storage_key"`
	// Descriptor is the externally visible identifier.
	Descriptor Descriptor `json:"descriptor"`
	// Type is the subject type tag.
	Type SubjectType `json:"type"`
	// DisplayName is the human readable name.
	DisplayName string `json:"display_name,omitempty"`
	// Origin names the identity provider of the subject.
	Origin string `json:"origin,omitempty"`
	// OriginID is the provider-scoped external identity.
	OriginID string `json:"origin_id,omitempty"`
	// Disabled marks a tombstoned subject. Present only when true.
	Disabled bool `json:"disabled,omitempty"`
}

// GetStorageKey returns the internal storage key.
func (h *SubjectHeader) GetStorageKey() string {
	return h.StorageKey
}

// GetDescriptor returns the externally visible descriptor.
func (h *SubjectHeader) GetDescriptor() Descriptor {
	return h.Descriptor
}

// GetSubjectType returns the subject type tag.
func (h *SubjectHeader) GetSubjectType() SubjectType {
	return h.Type
}

// GetDisplayName returns the human readable name.
func (h *SubjectHeader) GetDisplayName() string {
	return h.DisplayName
}

// GetOrigin returns the identity provider name.
func (h *SubjectHeader) GetOrigin() string {
	return h.Origin
}

// GetOriginID returns the provider-scoped external identity.
func (h *SubjectHeader) GetOriginID() string {
	return h.OriginID
}

// IsDisabled returns true if the subject has been tombstoned.
func (h *SubjectHeader) IsDisabled() bool {
	return h.Disabled
}

// SetDisabled flips the tombstone flag.
func (h *SubjectHeader) SetDisabled(disabled bool) {
	h.Disabled = disabled
}

// CheckAndSetDefaults validates the shared subject attributes.
func (h *SubjectHeader) CheckAndSetDefaults() error {
	if h.StorageKey == "" {
		return trace.BadParameter("missing parameter StorageKey")
	}
	if h.Descriptor.IsZero() {
		return trace.BadParameter("missing parameter Descriptor")
	}
	if err := h.Type.Check(); err != nil {
		return trace.Wrap(err)
	}
	if h.Origin == "" {
		return trace.BadParameter("missing parameter Origin")
	}
	if h.OriginID == "" {
		return trace.BadParameter("missing parameter OriginID")
	}
	return nil
}

// User is a human or service identity in the graph. Users are always
// leaves of the membership relation: they can never contain other
// subjects.
type User struct {
	SubjectHeader
}

// CheckAndSetDefaults validates the user record.
func (u *User) CheckAndSetDefaults() error {
	u.Type = SubjectTypeUser
	return trace.Wrap(u.SubjectHeader.CheckAndSetDefaults())
}

// Group is a collection of subjects. Groups live inside a scope and may
// contain users and other groups.
type Group struct {
	SubjectHeader
	// Scope is the descriptor of the scope the group belongs to.
	Scope Descriptor `json:"scope,omitempty"`
}

// CheckAndSetDefaults validates the group record.
func (g *Group) CheckAndSetDefaults() error {
	g.Type = SubjectTypeGroup
	return trace.Wrap(g.SubjectHeader.CheckAndSetDefaults())
}

// Scope is an administrative boundary. A scope carries the identity of
// its administrative group.
type Scope struct {
	SubjectHeader
	// AdminGroup is the descriptor of the group that administers the
	// scope, if one has been designated.
	AdminGroup Descriptor `json:"admin_group,omitempty"`
}

// CheckAndSetDefaults validates the scope record.
func (s *Scope) CheckAndSetDefaults() error {
	s.Type = SubjectTypeScope
	return trace.Wrap(s.SubjectHeader.CheckAndSetDefaults())
}

// CreationContext carries the provisioning input for a new subject. The
// engine treats it as opaque apart from the (Origin, OriginID) pair,
// which is the idempotency key for materialization: two creation calls
// with the same external identity refer to the same subject.
type CreationContext struct {
	// Origin names the identity provider, e.g. "aad" or "vsts".
	Origin string `json:"origin"`
	// OriginID is the provider-scoped identity being materialized.
	OriginID string `json:"origin_id"`
	// DisplayName is the human readable name for the new subject.
	DisplayName string `json:"display_name,omitempty"`
}

// CheckAndSetDefaults validates the creation context.
func (c *CreationContext) CheckAndSetDefaults() error {
	if c.Origin == "" {
		return trace.BadParameter("missing parameter Origin")
	}
	if c.OriginID == "" {
		return trace.BadParameter("missing parameter OriginID")
	}
	return nil
}
