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

// FederatedProviderData is per-subject, per-provider authentication
// metadata. A record is immutable once issued for a given version:
// refreshes supersede the record with a higher version instead of
// mutating it in place.
type FederatedProviderData struct {
	// SubjectDescriptor is the subject the data belongs to.
	SubjectDescriptor Descriptor `json:"subject_descriptor"`
	// Provider is the external provider name, e.g. "github.com".
	Provider string `json:"provider"`
	// Version is a monotonic counter bumped on every refresh.
	Version uint64 `json:"version"`
	// Properties holds the provider supplied metadata.
	Properties map[string]string `json:"properties,omitempty"`
	// IssuedAt is the time the record was issued at this version.
	IssuedAt time.Time `json:"issued_at"`
}

// CheckAndSetDefaults validates the record.
func (f *FederatedProviderData) CheckAndSetDefaults() error {
	if f.SubjectDescriptor.IsZero() {
		return trace.BadParameter("missing parameter SubjectDescriptor")
	}
	if f.Provider == "" {
		return trace.BadParameter("missing parameter Provider")
	}
	return nil
}
