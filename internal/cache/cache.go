// Package cache implements the fallback cache: fingerprint -> cached
// search reply, with two interchangeable backends (bounded in-memory LRU,
// external Redis-backed KV with optional TTL). The cache is a fallback,
// not a freshness optimizer: it is only ever consulted when the upstream
// is unreachable.
package cache

import (
	"context"

	"github.com/jimlambrt/ldap-fallback-proxy/internal/fingerprint"
)

// CachedResponse is the ordered sequence of response PDUs captured for a
// successful search: zero or more entries, zero or more references, and
// exactly one terminating Done. Every frame is pre-encoded with its
// messageID zeroed; callers substitute the client's messageID with
// ldapproto.RewriteMessageID before writing a frame to a connection.
type CachedResponse struct {
	Entries    [][]byte
	References [][]byte
	Done       []byte
}

// perEntryOverhead is the fixed bookkeeping estimate ByteCost adds for
// each stored frame (every entry, every reference and the Done).
const perEntryOverhead = 64

// ByteCost returns the approximate memory cost of r, the size accounting
// unit used by the memory backend's LRU eviction: the sum of the encoded
// PDU lengths plus perEntryOverhead per frame.
func (r *CachedResponse) ByteCost() int {
	if r == nil {
		return 0
	}
	cost := len(r.Done) + perEntryOverhead
	for _, e := range r.Entries {
		cost += len(e) + perEntryOverhead
	}
	for _, ref := range r.References {
		cost += len(ref) + perEntryOverhead
	}
	return cost
}

// Cache is the capability every backend implements: replace-on-write,
// last-writer-wins for a given fingerprint, safe for concurrent use by
// many sessions. Sessions are handed a Cache by ownership at startup and
// never see which backend they're talking to.
type Cache interface {
	// Get returns the cached response for fp, if any.
	Get(ctx context.Context, fp fingerprint.Fingerprint) (resp *CachedResponse, ok bool)

	// Put installs resp for fp, replacing any prior value atomically:
	// concurrent readers observe either the whole old value or the whole
	// new one, never a partial splice.
	Put(ctx context.Context, fp fingerprint.Fingerprint, resp *CachedResponse)
}
