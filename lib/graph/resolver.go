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

package graph

import (
	"context"

	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/identitygraph/api/types"
	"github.com/gravitational/identitygraph/lib/services"
)

// ResolverConfig configures the batch resolver.
type ResolverConfig struct {
	// Subjects resolves descriptors to subjects.
	Subjects services.SubjectsGetter
	// Memberships enumerates direct edges for member resolution.
	Memberships services.MembershipsGetter
	// Parallelism bounds concurrent per-descriptor resolutions.
	Parallelism int
}

// CheckAndSetDefaults checks and sets defaults.
func (c *ResolverConfig) CheckAndSetDefaults() error {
	if c.Subjects == nil {
		return trace.BadParameter("missing parameter Subjects")
	}
	if c.Memberships == nil {
		return trace.BadParameter("missing parameter Memberships")
	}
	if c.Parallelism <= 0 {
		c.Parallelism = DefaultParallelism
	}
	return nil
}

// Resolution is the per-descriptor outcome of a batch resolution:
// either a subject or the error that kept the descriptor from
// resolving. One bad descriptor never fails the batch.
type Resolution struct {
	// Subject is the resolved subject; nil when Err is set.
	Subject types.Subject
	// Err is the per-entry resolution error.
	Err error
}

// Resolver resolves batches of descriptors against the subject store.
type Resolver struct {
	cfg ResolverConfig
}

// NewResolver returns a new batch resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Resolver{cfg: cfg}, nil
}

// Resolve resolves every descriptor in the batch independently. The
// result key set equals the set of distinct input descriptors exactly:
// duplicates collapse to one entry, and every entry holds either a
// subject or its own resolution error. Only infrastructure failures
// and cancellation fail the call as a whole.
func (r *Resolver) Resolve(ctx context.Context, batch []types.Descriptor) (map[types.Descriptor]Resolution, error) {
	staged := make(map[types.Descriptor]*Resolution, len(batch))
	for _, d := range batch {
		if _, ok := staged[d]; !ok {
			staged[d] = &Resolution{}
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.cfg.Parallelism)
	for d, res := range staged {
		group.Go(func() error {
			// cancellation is checked before each resolution
			if err := groupCtx.Err(); err != nil {
				return trace.Wrap(err)
			}
			subject, err := r.cfg.Subjects.GetSubject(groupCtx, d)
			if err != nil {
				if trace.IsNotFound(err) || trace.IsBadParameter(err) {
					res.Err = err
					return nil
				}
				return trace.Wrap(err)
			}
			res.Subject = subject
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, trace.Wrap(err)
	}

	results := make(map[types.Descriptor]Resolution, len(staged))
	for d, res := range staged {
		results[d] = *res
	}
	return results, nil
}

// MemberResolution is the per-container outcome of a batch member
// lookup: the resolved direct members of the container, or the error
// that kept the container from resolving.
type MemberResolution struct {
	// Members holds the resolved direct members; members whose records
	// no longer resolve are omitted.
	Members []types.Subject
	// Err is the per-entry resolution error for the container itself.
	Err error
}

// ResolveMembers resolves the direct members of every container in the
// batch. Like Resolve, each distinct container gets exactly one entry:
// a bad container descriptor lands in that entry's error slot, never in
// a call-level failure. Edges whose member record no longer resolves are
// skipped; the edge stays visible through the membership surface.
func (r *Resolver) ResolveMembers(ctx context.Context, containers []types.Descriptor) (map[types.Descriptor]MemberResolution, error) {
	staged := make(map[types.Descriptor]*MemberResolution, len(containers))
	for _, d := range containers {
		if _, ok := staged[d]; !ok {
			staged[d] = &MemberResolution{}
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.cfg.Parallelism)
	for d, res := range staged {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return trace.Wrap(err)
			}
			// resolving the container first distinguishes an absent
			// container from one that simply has no members
			if _, err := r.cfg.Subjects.GetSubject(groupCtx, d); err != nil {
				if trace.IsNotFound(err) || trace.IsBadParameter(err) {
					res.Err = err
					return nil
				}
				return trace.Wrap(err)
			}
			edges, err := r.cfg.Memberships.ListMemberships(groupCtx, d, types.DirectionDown)
			if err != nil {
				return trace.Wrap(err)
			}
			for _, edge := range edges {
				member, err := r.cfg.Subjects.GetSubject(groupCtx, edge.MemberDescriptor)
				if err != nil {
					if trace.IsNotFound(err) {
						continue
					}
					return trace.Wrap(err)
				}
				res.Members = append(res.Members, member)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, trace.Wrap(err)
	}

	results := make(map[types.Descriptor]MemberResolution, len(staged))
	for d, res := range staged {
		results[d] = *res
	}
	return results, nil
}
