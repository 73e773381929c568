// Package policy implements the LDAP firewall: given a bound DN and a
// candidate search or bind, decide allow or deny from a static bind-map
// loaded once at startup.
package policy

import (
	"github.com/jimlambrt/ldap-fallback-proxy/internal/ldapproto"
	"github.com/jimlambrt/ldap-fallback-proxy/internal/metrics"
)

// Decision is the outcome of a policy check.
type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// Query is the (base, scope, filter) triple a search is checked against.
// Filter must already be in canonical textual form (see
// ldapproto.CanonicalizeFilter / ldapproto.DecodeSearchRequest).
type Query struct {
	Base   string
	Scope  ldapproto.Scope
	Filter string
}

// Entry is one bound DN's search policy. When Restricted is false the DN
// may run any search (spec: absence of allowed_queries means all searches
// allowed for this DN) and AllowedQueries is ignored; when Restricted is
// true the DN may run only the exact (base, scope, filter) triples listed
// in AllowedQueries, so an empty list denies every search.
type Entry struct {
	AllowedQueries []Query
	Restricted     bool
}

// BindMap is the immutable, process-wide bind-DN -> policy mapping loaded
// from configuration. It is safe for concurrent read access from every
// session; nothing ever mutates it after New returns it.
type BindMap struct {
	entries         map[string]Entry
	allowAllBindDNs bool
}

// New builds a BindMap from entries keyed by exact bound-DN string
// (empty string is the anonymous DN and is a legal key).
func New(entries map[string]Entry, allowAllBindDNs bool) *BindMap {
	if entries == nil {
		entries = map[string]Entry{}
	}
	return &BindMap{entries: entries, allowAllBindDNs: allowAllBindDNs}
}

// CheckBind decides whether a Bind to dn is admitted, per spec §4.2:
// admitted when the DN is present in the map, or when allow_all_bind_dns
// is set.
func (m *BindMap) CheckBind(dn string) Decision {
	d := m.checkBind(dn)
	metrics.PolicyDecisions.WithLabelValues("bind", d.String()).Inc()
	return d
}

func (m *BindMap) checkBind(dn string) Decision {
	if _, ok := m.entries[dn]; ok {
		return Allow
	}
	if m.allowAllBindDNs {
		return Allow
	}
	return Deny
}

// CheckSearch decides whether dn may run q, per the rule order in spec
// §4.2:
//  1. entry with a restricted allowed_queries list: allow only exact
//     triple matches, deny otherwise.
//  2. entry without a restriction: allow.
//  3. no entry, allow_all_bind_dns: allow.
//  4. otherwise: deny.
func (m *BindMap) CheckSearch(dn string, q Query) Decision {
	d := m.checkSearch(dn, q)
	metrics.PolicyDecisions.WithLabelValues("search", d.String()).Inc()
	return d
}

func (m *BindMap) checkSearch(dn string, q Query) Decision {
	if entry, ok := m.entries[dn]; ok {
		if !entry.Restricted {
			return Allow
		}
		for _, allowed := range entry.AllowedQueries {
			if allowed == q {
				return Allow
			}
		}
		return Deny
	}
	if m.allowAllBindDNs {
		return Allow
	}
	return Deny
}
