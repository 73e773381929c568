package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jimlambrt/ldap-fallback-proxy/internal/ldapproto"
)

func TestCheckBindExplicitEntry(t *testing.T) {
	m := New(map[string]Entry{"cn=admin": {}}, false)
	require.Equal(t, Allow, m.CheckBind("cn=admin"))
	require.Equal(t, Deny, m.CheckBind("cn=other"))
}

func TestCheckBindAllowAll(t *testing.T) {
	m := New(nil, true)
	require.Equal(t, Allow, m.CheckBind("cn=anyone"))
}

func TestCheckSearchUnrestrictedEntryAllowsAnything(t *testing.T) {
	m := New(map[string]Entry{"cn=admin": {Restricted: false}}, false)
	q := Query{Base: "o=example", Scope: ldapproto.ScopeWholeSubtree, Filter: "(cn=*)"}
	require.Equal(t, Allow, m.CheckSearch("cn=admin", q))
}

func TestCheckSearchRestrictedEntryExactMatchOnly(t *testing.T) {
	allowed := Query{Base: "", Scope: ldapproto.ScopeBaseObject, Filter: "(objectclass=*)"}
	m := New(map[string]Entry{
		"cn=user": {Restricted: true, AllowedQueries: []Query{allowed}},
	}, false)

	require.Equal(t, Allow, m.CheckSearch("cn=user", allowed))

	other := Query{Base: "o=example", Scope: ldapproto.ScopeWholeSubtree, Filter: "(objectclass=*)"}
	require.Equal(t, Deny, m.CheckSearch("cn=user", other))
}

func TestCheckSearchNoEntryAllowAllBindDNs(t *testing.T) {
	m := New(nil, true)
	q := Query{Base: "o=example", Scope: ldapproto.ScopeWholeSubtree, Filter: "(cn=*)"}
	require.Equal(t, Allow, m.CheckSearch("cn=nobody", q))
}

func TestCheckSearchNoEntryDeniesByDefault(t *testing.T) {
	m := New(nil, false)
	q := Query{Base: "o=example", Scope: ldapproto.ScopeWholeSubtree, Filter: "(cn=*)"}
	require.Equal(t, Deny, m.CheckSearch("cn=nobody", q))
}

func TestDecisionString(t *testing.T) {
	require.Equal(t, "allow", Allow.String())
	require.Equal(t, "deny", Deny.String())
}
