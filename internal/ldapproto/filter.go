package ldapproto

import (
	"fmt"

	"github.com/go-ldap/ldap/v3"
)

// CanonicalizeFilter compiles and immediately decompiles an RFC 4515
// textual filter, yielding the same canonical form DecodeSearchRequest
// produces for a filter that arrived BER-encoded on the wire. Bind-map
// configuration filters are canonicalized this way at load time so that
// policy comparisons are exact-string-match against a stable
// representation, per spec §4.2 and the open question in spec §9.
func CanonicalizeFilter(filterText string) (string, error) {
	const op = "ldapproto.CanonicalizeFilter"
	packet, err := ldap.CompileFilter(filterText)
	if err != nil {
		return "", fmt.Errorf("%s: compiling %q: %w", op, filterText, err)
	}
	canonical, err := ldap.DecompileFilter(packet)
	if err != nil {
		return "", fmt.Errorf("%s: decompiling %q: %w", op, filterText, err)
	}
	return canonical, nil
}
