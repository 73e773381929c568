// Package ldapproto implements the wire-level subset of LDAPv3 the proxy
// understands: length-delimited BER framing with per-direction size
// ceilings, and decode/encode of the PDUs named in the fallback-proxy
// specification (Bind, Search, Extended, Unbind, plus opaque pass-through
// for everything else).
package ldapproto

import "errors"

var (
	// ErrInvalidParameter is returned when a caller passes a nil or
	// otherwise malformed argument.
	ErrInvalidParameter = errors.New("ldapproto: invalid parameter")

	// ErrInternal marks a condition that should be unreachable given the
	// caller contracts in this package.
	ErrInternal = errors.New("ldapproto: internal error")

	// ErrInputTooLarge is returned when a BER frame's encoded length
	// exceeds the ceiling passed to ReadFrame.
	ErrInputTooLarge = errors.New("ldapproto: ber frame exceeds configured size ceiling")

	// ErrIndefiniteLength is returned when a frame uses the BER
	// indefinite-length form, which this codec rejects outright.
	ErrIndefiniteLength = errors.New("ldapproto: indefinite-length ber encoding is rejected")

	// ErrTruncatedFrame is returned when a frame's bytes don't decode to
	// a well-formed BER packet.
	ErrTruncatedFrame = errors.New("ldapproto: truncated or malformed ber frame")

	// ErrUnsupportedPDU is returned when the protocolOp tag isn't one
	// this codec decodes.
	ErrUnsupportedPDU = errors.New("ldapproto: unsupported ldap pdu")

	// ErrMalformedPDU is returned when a recognized protocolOp doesn't
	// have the expected child structure.
	ErrMalformedPDU = errors.New("ldapproto: malformed ldap pdu")
)
