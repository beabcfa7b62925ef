// Package directory resolves a node's required positions to the users
// eligible to receive its tasks. The real source of truth is an
// external organization directory; this package only defines the
// contract the engine consumes, plus two small implementations for
// tests and bring-up.
package directory

import (
	"context"
	"sort"

	"github.com/approvalkit/approval-engine/types"
)

// Resolver looks up the users eligible for a set of position names.
type Resolver interface {
	// Resolve returns the users holding any of the given positions.
	// An empty result is not an error; the engine decides what that means.
	Resolve(ctx context.Context, positions []string) ([]types.User, error)
}

// ResolverFunc is a function adapter for Resolver.
type ResolverFunc func(ctx context.Context, positions []string) ([]types.User, error)

// Resolve implements the Resolver interface.
func (f ResolverFunc) Resolve(ctx context.Context, positions []string) ([]types.User, error) {
	return f(ctx, positions)
}

// StaticResolver resolves positions against a fixed position→users
// table. A user listed under several of the requested positions is
// returned once.
type StaticResolver struct {
	byPosition map[string][]types.User
}

// NewStaticResolver creates a resolver over the given table.
func NewStaticResolver(byPosition map[string][]types.User) *StaticResolver {
	table := make(map[string][]types.User, len(byPosition))
	for pos, users := range byPosition {
		table[pos] = append([]types.User(nil), users...)
	}
	return &StaticResolver{byPosition: table}
}

// Resolve returns the deduplicated users of all requested positions,
// ordered by ID.
func (r *StaticResolver) Resolve(ctx context.Context, positions []string) ([]types.User, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	seen := make(map[uint64]bool)
	var users []types.User
	for _, pos := range positions {
		for _, u := range r.byPosition[pos] {
			if !seen[u.ID] {
				seen[u.ID] = true
				users = append(users, u)
			}
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// AnyActiveResolver returns a fixed roster of active users whatever the
// requested positions are. It stands in for a position-aware directory
// until one is wired up.
type AnyActiveResolver struct {
	users []types.User
}

// NewAnyActiveResolver creates a resolver over the given roster.
func NewAnyActiveResolver(users []types.User) *AnyActiveResolver {
	return &AnyActiveResolver{users: append([]types.User(nil), users...)}
}

// Resolve returns the whole roster regardless of positions.
func (r *AnyActiveResolver) Resolve(ctx context.Context, _ []string) ([]types.User, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return append([]types.User(nil), r.users...), nil
	}
}
