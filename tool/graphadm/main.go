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

// Command graphadm is a local maintenance tool for inspecting and
// mutating an identity graph database file.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/gravitational/trace"
	"github.com/spf13/cobra"

	"github.com/gravitational/identitygraph/api/types"
	"github.com/gravitational/identitygraph/lib/backend"
	"github.com/gravitational/identitygraph/lib/backend/lite"
	"github.com/gravitational/identitygraph/lib/graph"
	"github.com/gravitational/identitygraph/lib/services/local"
	"github.com/gravitational/identitygraph/lib/utils"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, trace.UserMessage(err))
		os.Exit(1)
	}
}

// env bundles the stores the commands operate on.
type env struct {
	subjects    *local.SubjectService
	memberships *local.MembershipService
	federated   *local.FederatedDataService
	policies    *local.CachePolicyService
	traverser   *graph.Traverser
	resolver    *graph.Resolver
	close       func() error
}

func newEnv(ctx context.Context, dataDir string) (*env, error) {
	sqlite, err := lite.New(ctx, lite.Config{Path: dataDir})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	b, err := backend.NewReporter(backend.ReporterConfig{Backend: sqlite})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	subjects, err := local.NewSubjectService(b)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	memberships, err := local.NewMembershipService(local.MembershipServiceConfig{
		Backend:  b,
		Subjects: subjects,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	subjects.SetMemberships(memberships)
	federated, err := local.NewFederatedDataService(local.FederatedDataServiceConfig{Backend: b})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	policies, err := local.NewCachePolicyService(ctx, b, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	traverser, err := graph.NewTraverser(graph.TraverserConfig{
		Subjects:    subjects,
		Memberships: memberships,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resolver, err := graph.NewResolver(graph.ResolverConfig{Subjects: subjects, Memberships: memberships})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &env{
		subjects:    subjects,
		memberships: memberships,
		federated:   federated,
		policies:    policies,
		traverser:   traverser,
		resolver:    resolver,
		close:       b.Close,
	}, nil
}

func newRootCommand() *cobra.Command {
	var dataDir string
	var debug bool
	root := &cobra.Command{
		Use:           "graphadm",
		Short:         "Inspect and mutate an identity graph database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			utils.InitLogger(level)
		},
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", ".", "directory holding the graph database file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(newSubjectCommand(&dataDir))
	root.AddCommand(newMembershipCommand(&dataDir))
	root.AddCommand(newTraverseCommand(&dataDir))
	root.AddCommand(newResolveCommand(&dataDir))
	root.AddCommand(newMembersCommand(&dataDir))
	root.AddCommand(newFederatedCommand(&dataDir))
	root.AddCommand(newCachePoliciesCommand(&dataDir))
	return root
}

func newSubjectCommand(dataDir *string) *cobra.Command {
	subject := &cobra.Command{
		Use:   "subject",
		Short: "Subject operations",
	}
	subject.AddCommand(&cobra.Command{
		Use:   "get <descriptor>",
		Short: "Fetch a subject by descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), *dataDir, func(ctx context.Context, e *env) error {
				subject, err := e.subjects.GetSubject(ctx, types.Descriptor(args[0]))
				if err != nil {
					return trace.Wrap(err)
				}
				return printJSON(subject)
			})
		},
	})
	var origin, originID, displayName, scope string
	var groups []string
	addIdentityFlags := func(cmd *cobra.Command) {
		cmd.Flags().StringVar(&origin, "origin", "", "identity provider name")
		cmd.Flags().StringVar(&originID, "origin-id", "", "provider-scoped identity")
		cmd.Flags().StringVar(&displayName, "name", "", "human readable name")
	}
	createUser := &cobra.Command{
		Use:   "create-user",
		Short: "Materialize a user from an external identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), *dataDir, func(ctx context.Context, e *env) error {
				user, err := e.subjects.CreateUser(ctx, types.CreationContext{
					Origin:      origin,
					OriginID:    originID,
					DisplayName: displayName,
				}, descriptorsOf(groups))
				if err != nil {
					return trace.Wrap(err)
				}
				return printJSON(user)
			})
		},
	}
	addIdentityFlags(createUser)
	createUser.Flags().StringSliceVar(&groups, "group", nil, "group descriptor the new subject joins, may repeat")
	subject.AddCommand(createUser)
	createGroup := &cobra.Command{
		Use:   "create-group",
		Short: "Materialize a group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), *dataDir, func(ctx context.Context, e *env) error {
				group, err := e.subjects.CreateGroup(ctx, types.CreationContext{
					Origin:      origin,
					OriginID:    originID,
					DisplayName: displayName,
				}, types.Descriptor(scope), descriptorsOf(groups))
				if err != nil {
					return trace.Wrap(err)
				}
				return printJSON(group)
			})
		},
	}
	addIdentityFlags(createGroup)
	createGroup.Flags().StringVar(&scope, "scope", "", "scope descriptor the group belongs to")
	createGroup.Flags().StringSliceVar(&groups, "group", nil, "group descriptor the new subject joins, may repeat")
	subject.AddCommand(createGroup)
	var parentScope string
	createScope := &cobra.Command{
		Use:   "create-scope",
		Short: "Materialize a scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), *dataDir, func(ctx context.Context, e *env) error {
				created, err := e.subjects.CreateScope(ctx, types.CreationContext{
					Origin:      origin,
					OriginID:    originID,
					DisplayName: displayName,
				}, types.Descriptor(parentScope))
				if err != nil {
					return trace.Wrap(err)
				}
				return printJSON(created)
			})
		},
	}
	addIdentityFlags(createScope)
	createScope.Flags().StringVar(&parentScope, "parent", "", "parent scope descriptor the new scope nests into")
	subject.AddCommand(createScope)
	subject.AddCommand(&cobra.Command{
		Use:   "rm <descriptor>",
		Short: "Tombstone a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), *dataDir, func(ctx context.Context, e *env) error {
				return trace.Wrap(e.subjects.DeleteSubject(ctx, types.Descriptor(args[0])))
			})
		},
	})
	return subject
}

func newMembershipCommand(dataDir *string) *cobra.Command {
	membership := &cobra.Command{
		Use:   "membership",
		Short: "Membership edge operations",
	}
	membership.AddCommand(&cobra.Command{
		Use:   "add <member> <container>",
		Short: "Add a membership edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), *dataDir, func(ctx context.Context, e *env) error {
				edge, err := e.memberships.AddMembership(ctx, types.Descriptor(args[0]), types.Descriptor(args[1]))
				if err != nil {
					return trace.Wrap(err)
				}
				return printJSON(edge)
			})
		},
	})
	membership.AddCommand(&cobra.Command{
		Use:   "rm <member> <container>",
		Short: "Remove a membership edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), *dataDir, func(ctx context.Context, e *env) error {
				return trace.Wrap(e.memberships.RemoveMembership(ctx, types.Descriptor(args[0]), types.Descriptor(args[1])))
			})
		},
	})
	membership.AddCommand(&cobra.Command{
		Use:   "check <member> <container>",
		Short: "Check whether a membership edge exists",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), *dataDir, func(ctx context.Context, e *env) error {
				exists, err := e.memberships.CheckMembershipExistence(ctx, types.Descriptor(args[0]), types.Descriptor(args[1]))
				if err != nil {
					return trace.Wrap(err)
				}
				fmt.Println(exists)
				return nil
			})
		},
	})
	var direction string
	list := &cobra.Command{
		Use:   "list <descriptor>",
		Short: "List direct membership edges of a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), *dataDir, func(ctx context.Context, e *env) error {
				dir, err := types.ParseTraversalDirection(direction)
				if err != nil {
					return trace.Wrap(err)
				}
				edges, err := e.memberships.ListMemberships(ctx, types.Descriptor(args[0]), dir)
				if err != nil {
					return trace.Wrap(err)
				}
				return printJSON(edges)
			})
		},
	}
	list.Flags().StringVar(&direction, "direction", "up", "traversal direction, up or down")
	membership.AddCommand(list)
	return membership
}

func newTraverseCommand(dataDir *string) *cobra.Command {
	var direction string
	var depth int
	traverse := &cobra.Command{
		Use:   "traverse <descriptor>...",
		Short: "Walk the membership graph from one or more seeds",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), *dataDir, func(ctx context.Context, e *env) error {
				dir, err := types.ParseTraversalDirection(direction)
				if err != nil {
					return trace.Wrap(err)
				}
				seeds := make([]types.Descriptor, 0, len(args))
				for _, arg := range args {
					seeds = append(seeds, types.Descriptor(arg))
				}
				results, err := e.traverser.Traverse(ctx, seeds, dir, depth)
				if err != nil {
					return trace.Wrap(err)
				}
				out := make(map[string]any, len(results))
				for seed, result := range results {
					if result.Err != nil {
						out[seed.String()] = map[string]string{"error": result.Err.Error()}
						continue
					}
					out[seed.String()] = map[string]any{
						"reachable":  result.Reachable,
						"incomplete": result.Incomplete,
					}
				}
				return printJSON(out)
			})
		},
	}
	traverse.Flags().StringVar(&direction, "direction", "up", "traversal direction, up or down")
	traverse.Flags().IntVar(&depth, "depth", 1, "maximum number of edges to cross per seed")
	return traverse
}

func newResolveCommand(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <descriptor>...",
		Short: "Resolve a batch of descriptors to subjects",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), *dataDir, func(ctx context.Context, e *env) error {
				batch := make([]types.Descriptor, 0, len(args))
				for _, arg := range args {
					batch = append(batch, types.Descriptor(arg))
				}
				results, err := e.resolver.Resolve(ctx, batch)
				if err != nil {
					return trace.Wrap(err)
				}
				out := make(map[string]any, len(results))
				for d, res := range results {
					if res.Err != nil {
						out[d.String()] = map[string]string{"error": res.Err.Error()}
						continue
					}
					out[d.String()] = res.Subject
				}
				return printJSON(out)
			})
		},
	}
}

func newMembersCommand(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "members <descriptor>...",
		Short: "Resolve the direct members of one or more containers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), *dataDir, func(ctx context.Context, e *env) error {
				results, err := e.resolver.ResolveMembers(ctx, descriptorsOf(args))
				if err != nil {
					return trace.Wrap(err)
				}
				out := make(map[string]any, len(results))
				for d, res := range results {
					if res.Err != nil {
						out[d.String()] = map[string]string{"error": res.Err.Error()}
						continue
					}
					out[d.String()] = res.Members
				}
				return printJSON(out)
			})
		},
	}
}

func newFederatedCommand(dataDir *string) *cobra.Command {
	federated := &cobra.Command{
		Use:   "federated",
		Short: "Federated provider data operations",
	}
	var versionHint uint64
	get := &cobra.Command{
		Use:   "get <descriptor> <provider>",
		Short: "Fetch provider data for a subject",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), *dataDir, func(ctx context.Context, e *env) error {
				data, err := e.federated.GetFederatedProviderData(ctx, types.Descriptor(args[0]), args[1], versionHint)
				if err != nil {
					return trace.Wrap(err)
				}
				return printJSON(data)
			})
		},
	}
	get.Flags().Uint64Var(&versionHint, "version-hint", 0, "minimum acceptable record version, 0 accepts any")
	federated.AddCommand(get)
	federated.AddCommand(&cobra.Command{
		Use:   "set <descriptor> <provider> [key=value]...",
		Short: "Record refreshed provider data for a subject",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), *dataDir, func(ctx context.Context, e *env) error {
				properties := make(map[string]string, len(args)-2)
				for _, pair := range args[2:] {
					key, value, ok := strings.Cut(pair, "=")
					if !ok {
						return trace.BadParameter("property %q is not in key=value form", pair)
					}
					properties[key] = value
				}
				data, err := e.federated.UpsertFederatedProviderData(ctx, types.FederatedProviderData{
					SubjectDescriptor: types.Descriptor(args[0]),
					Provider:          args[1],
					Properties:        properties,
				})
				if err != nil {
					return trace.Wrap(err)
				}
				return printJSON(data)
			})
		},
	})
	return federated
}

func newCachePoliciesCommand(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cache-policies",
		Short: "Print the published cache policy set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), *dataDir, func(ctx context.Context, e *env) error {
				set, err := e.policies.GetCachePolicies(ctx)
				if err != nil {
					return trace.Wrap(err)
				}
				return printJSON(set)
			})
		},
	}
}

func withEnv(ctx context.Context, dataDir string, f func(context.Context, *env) error) error {
	e, err := newEnv(ctx, dataDir)
	if err != nil {
		return trace.Wrap(err)
	}
	defer e.close()
	return trace.Wrap(f(ctx, e))
}

func descriptorsOf(args []string) []types.Descriptor {
	ds := make([]types.Descriptor, 0, len(args))
	for _, arg := range args {
		ds = append(ds, types.Descriptor(arg))
	}
	return ds
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Println(string(data))
	return nil
}
