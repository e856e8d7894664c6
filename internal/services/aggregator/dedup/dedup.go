// Package dedup coalesces concurrent fetches for the same key into a
// single upstream call (C4), fanning the result out to every waiter
package dedup

import (
	"golang.org/x/sync/singleflight"

	"priceoracle/internal/services/aggregator/domain"
)

// Group coalesces concurrent in-flight fetches keyed by domain.Key
type Group struct {
	g singleflight.Group
}

// New constructs an empty dedup Group
func New() *Group { return &Group{} }

// Do runs fn for key if no fetch is already in flight for it; callers that
// arrive while a fetch is running block and receive its result instead of
// triggering a second upstream call
func (g *Group) Do(key domain.Key, fn func() (domain.Quote, error)) (domain.Quote, error, bool) {
	v, err, shared := g.g.Do(key.String(), func() (any, error) {
		return fn()
	})
	if err != nil {
		return domain.Quote{}, err, shared
	}
	return v.(domain.Quote), nil, shared
}

// Forget removes key from the in-flight set, so the next call starts fresh
func (g *Group) Forget(key domain.Key) { g.g.Forget(key.String()) }
