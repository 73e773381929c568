package cache

import (
	"bytes"
	"context"

	"github.com/hashicorp/go-hclog"

	"github.com/jimlambrt/ldap-fallback-proxy/internal/fingerprint"
	"github.com/jimlambrt/ldap-fallback-proxy/internal/metrics"
)

// Tiered fronts a slower L2 backend (Redis, in practice) with a bounded
// in-memory L1: a Get consults L1 first and only reaches L2 on a miss,
// promoting whatever L2 returns back into L1. A Put whose value equals
// what L1 already holds for the fingerprint skips both writes (L2 itself
// is not read to make this decision), grounded on the reference proxy's
// TieredCache and its
// set_if_changed write-skip -- L2 round trips are the expensive part of
// this path, not the L1 write.
type Tiered struct {
	l1     *Memory
	l2     Cache
	logger hclog.Logger
}

// NewTiered builds a Tiered cache. l1 is typically sized much smaller
// than l2's backing store; it exists to absorb repeated lookups for the
// same fingerprint without a network round trip.
func NewTiered(l1 *Memory, l2 Cache, logger hclog.Logger) *Tiered {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Tiered{l1: l1, l2: l2, logger: logger.Named("cache.tiered")}
}

// Get implements Cache.
func (t *Tiered) Get(ctx context.Context, fp fingerprint.Fingerprint) (*CachedResponse, bool) {
	if resp, ok := t.l1.Get(ctx, fp); ok {
		return resp, true
	}
	resp, ok := t.l2.Get(ctx, fp)
	if !ok {
		return nil, false
	}
	t.l1.Put(ctx, fp, resp)
	return resp, true
}

// Put implements Cache. When L1 already holds a value equal to resp it
// returns without writing either tier; otherwise it writes L1 and then
// L2. Only the L1 copy is compared, so an L1 miss always reaches L2.
func (t *Tiered) Put(ctx context.Context, fp fingerprint.Fingerprint, resp *CachedResponse) {
	if existing, ok := t.l1.Get(ctx, fp); ok && cachedResponseEqual(existing, resp) {
		return
	}
	t.l1.Put(ctx, fp, resp)
	t.l2.Put(ctx, fp, resp)
	metrics.CachePuts.WithLabelValues("tiered").Inc()
}

func cachedResponseEqual(a, b *CachedResponse) bool {
	if a == nil || b == nil {
		return a == b
	}
	if !bytes.Equal(a.Done, b.Done) {
		return false
	}
	if len(a.Entries) != len(b.Entries) || len(a.References) != len(b.References) {
		return false
	}
	for i := range a.Entries {
		if !bytes.Equal(a.Entries[i], b.Entries[i]) {
			return false
		}
	}
	for i := range a.References {
		if !bytes.Equal(a.References[i], b.References[i]) {
			return false
		}
	}
	return true
}

var _ Cache = (*Tiered)(nil)
