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
	"time"

	"github.com/gravitational/trace"
	gcache "github.com/patrickmn/go-cache"

	"github.com/gravitational/identitygraph/api/types"
	"github.com/gravitational/identitygraph/lib/backend"
	"github.com/gravitational/identitygraph/lib/descriptors"
	"github.com/gravitational/identitygraph/lib/services"
)

const (
	federatedPrefix = "federated"

	// DefaultFederatedCacheTTL is how long resolved provider data is
	// served from the in-process cache before the backend is
	// consulted again.
	DefaultFederatedCacheTTL = 30 * time.Second

	// casAttempts bounds the optimistic concurrency retry loop on
	// refresh.
	casAttempts = 3
)

// FederatedDataServiceConfig configures the federated provider data
// resolver.
type FederatedDataServiceConfig struct {
	// Backend is the storage backend.
	Backend backend.Backend
	// CacheTTL overrides the provider data cache lifetime.
	CacheTTL time.Duration
}

// CheckAndSetDefaults checks and sets defaults.
func (c *FederatedDataServiceConfig) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultFederatedCacheTTL
	}
	return nil
}

// FederatedDataService resolves per-subject, per-provider
// authentication metadata, keeping the latest record per pair in an
// in-process cache. Records are superseded on refresh, never mutated.
type FederatedDataService struct {
	cfg   FederatedDataServiceConfig
	cache *gcache.Cache
}

// NewFederatedDataService returns a new federated data resolver.
func NewFederatedDataService(cfg FederatedDataServiceConfig) (*FederatedDataService, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &FederatedDataService{
		cfg:   cfg,
		cache: gcache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
	}, nil
}

// GetFederatedProviderData returns the data for the (subject, provider)
// pair. The version hint only decides whether the cached copy is
// acceptable: a cached record at or above the hinted version is served
// as is, anything older triggers a backend re-read. The returned
// version may be newer or older than the hint; callers must not assume
// equality.
func (s *FederatedDataService) GetFederatedProviderData(ctx context.Context, subject types.Descriptor, provider string, versionHint uint64) (*types.FederatedProviderData, error) {
	if provider == "" {
		return nil, trace.BadParameter("missing parameter provider")
	}
	_, storageKey, err := descriptors.Decode(subject)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cacheKey := storageKey + "/" + provider
	if cached, ok := s.cache.Get(cacheKey); ok {
		data := cached.(*types.FederatedProviderData)
		if versionHint == 0 || data.Version >= versionHint {
			return data, nil
		}
	}
	item, err := s.cfg.Backend.Get(ctx, backend.Key(federatedPrefix, storageKey, provider))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("no provider data for subject %q and provider %q", subject, provider)
		}
		return nil, trace.Wrap(err)
	}
	data, err := services.UnmarshalFederatedProviderData(item.Value)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.cache.Set(cacheKey, data, gcache.DefaultExpiration)
	return data, nil
}

// UpsertFederatedProviderData records refreshed provider data,
// superseding the stored record with the next version.
func (s *FederatedDataService) UpsertFederatedProviderData(ctx context.Context, data types.FederatedProviderData) (*types.FederatedProviderData, error) {
	if err := data.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	_, storageKey, err := descriptors.Decode(data.SubjectDescriptor)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	key := backend.Key(federatedPrefix, storageKey, data.Provider)
	for attempt := 0; attempt < casAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, trace.Wrap(err)
		}
		existing, err := s.cfg.Backend.Get(ctx, key)
		if err != nil && !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
		record := data
		record.IssuedAt = s.cfg.Backend.Clock().Now().UTC()
		if existing == nil {
			record.Version = 1
			value, err := services.MarshalFederatedProviderData(record)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if _, err := s.cfg.Backend.Create(ctx, backend.Item{Key: key, Value: value}); err != nil {
				if trace.IsAlreadyExists(err) {
					// lost the race to the first writer, re-read and
					// supersede instead
					continue
				}
				return nil, trace.Wrap(err)
			}
		} else {
			current, err := services.UnmarshalFederatedProviderData(existing.Value)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			record.Version = current.Version + 1
			value, err := services.MarshalFederatedProviderData(record)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if _, err := s.cfg.Backend.CompareAndSwap(ctx, *existing, backend.Item{Key: key, Value: value}); err != nil {
				if trace.IsCompareFailed(err) {
					continue
				}
				return nil, trace.Wrap(err)
			}
		}
		s.cache.Set(storageKey+"/"+data.Provider, &record, gcache.DefaultExpiration)
		return &record, nil
	}
	return nil, trace.LimitExceeded("too many concurrent refreshes for subject %q and provider %q", data.SubjectDescriptor, data.Provider)
}
