// Package fingerprint computes the deterministic cache key for a search
// request: a cryptographic hash of the fully-normalized SearchRequest
// fields, stable across proxy processes so a shared external cache
// backend can be used by more than one instance.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/jimlambrt/ldap-fallback-proxy/internal/ldapproto"
)

// Fingerprint is the cache key derived from a SearchRequest.
type Fingerprint [sha256.Size]byte

// String returns the lowercase hex encoding of the fingerprint, suitable
// for use as a Redis key suffix.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Of computes the fingerprint of req: baseObject (lowercased), scope,
// derefAliases, sizeLimit, timeLimit, typesOnly, canonical filter text,
// and the sorted/deduplicated/case-folded attribute list, per the data
// model's Query Fingerprint definition. controls is the raw encoding of
// the request's [0] controls envelope (nil if the request carried none);
// it is folded in verbatim so two otherwise-identical searches issued
// with different controls (e.g. a paged-results cookie) never collide
// on the same cache entry — the original proxy's SearchCacheKey keys on
// bind_dn and ctrl alongside the search itself for the same reason.
func Of(req *ldapproto.SearchRequest, controls []byte) Fingerprint {
	var b strings.Builder
	b.WriteString(strings.ToLower(req.BaseObject))
	b.WriteByte('\x00')
	b.WriteString(strconv.FormatInt(int64(req.Scope), 10))
	b.WriteByte('\x00')
	b.WriteString(strconv.FormatInt(int64(req.DerefAliases), 10))
	b.WriteByte('\x00')
	b.WriteString(strconv.FormatInt(req.SizeLimit, 10))
	b.WriteByte('\x00')
	b.WriteString(strconv.FormatInt(req.TimeLimit, 10))
	b.WriteByte('\x00')
	b.WriteString(strconv.FormatBool(req.TypesOnly))
	b.WriteByte('\x00')
	b.WriteString(req.Filter)
	b.WriteByte('\x00')
	b.WriteString(strings.Join(req.NormalizedAttributes(), ","))
	b.WriteByte('\x00')
	b.Write(controls)
	return sha256.Sum256([]byte(b.String()))
}
