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

// FederatedData resolves per-subject, per-provider authentication
// metadata.
type FederatedData interface {
	// GetFederatedProviderData returns the data for the (subject,
	// provider) pair. versionHint is advisory: a cached copy at or
	// above the hinted version may be returned, and the returned
	// version is not guaranteed to equal the hint in either direction.
	// A zero hint means any version is acceptable. Fails with a not
	// found error when no data exists for the pair at all.
	GetFederatedProviderData(ctx context.Context, subject types.Descriptor, provider string, versionHint uint64) (*types.FederatedProviderData, error)

	// UpsertFederatedProviderData records refreshed provider data.
	// The stored record is superseded, never mutated: the write mints
	// the next version. The stored record is returned.
	UpsertFederatedProviderData(ctx context.Context, data types.FederatedProviderData) (*types.FederatedProviderData, error)
}

// MarshalFederatedProviderData marshals provider data to its storage
// representation.
func MarshalFederatedProviderData(f types.FederatedProviderData) ([]byte, error) {
	if err := f.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// UnmarshalFederatedProviderData unmarshals provider data from its
// storage representation.
func UnmarshalFederatedProviderData(data []byte) (*types.FederatedProviderData, error) {
	if len(data) == 0 {
		return nil, trace.BadParameter("missing federated provider data")
	}
	var f types.FederatedProviderData
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, trace.Wrap(err)
	}
	return &f, nil
}
