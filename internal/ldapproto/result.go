package ldapproto

import (
	"fmt"

	ber "github.com/go-asn1-ber/asn1-ber"
)

// LDAPResult is the COMPONENTS OF LDAPResult shared by every LDAPv3
// response PDU: BindResponse, SearchResultDone, ExtendedResponse, and the
// write-operation responses this proxy only ever rejects with.
type LDAPResult struct {
	ResultCode        int64
	MatchedDN         string
	DiagnosticMessage string
}

// Success reports whether the result carries resultCode success (0).
func (r *LDAPResult) Success() bool {
	return r != nil && r.ResultCode == ResultSuccess
}

func decodeLDAPResultBody(opName string, op *ber.Packet) (*LDAPResult, error) {
	if len(op.Children) < 3 {
		return nil, fmt.Errorf("%s: expected at least 3 children, got %d: %w", opName, len(op.Children), ErrMalformedPDU)
	}
	code, ok := op.Children[0].Value.(int64)
	if !ok {
		return nil, fmt.Errorf("%s: resultCode is not an integer: %w", opName, ErrMalformedPDU)
	}
	return &LDAPResult{
		ResultCode:        code,
		MatchedDN:         op.Children[1].Data.String(),
		DiagnosticMessage: op.Children[2].Data.String(),
	}, nil
}
