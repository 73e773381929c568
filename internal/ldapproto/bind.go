package ldapproto

import (
	"fmt"

	ber "github.com/go-asn1-ber/asn1-ber"
)

// AuthChoice identifies which authentication CHOICE a BindRequest used.
type AuthChoice int

const (
	AuthUnknown AuthChoice = iota
	AuthSimple
	AuthSASL
)

// BindRequest is a decoded LDAP BindRequest. Password is only populated
// for AuthSimple; SASL binds are decoded only far enough to identify the
// mechanism, since ldap-fallback-proxy does not implement SASL (see
// spec Non-goals).
type BindRequest struct {
	Version  int64
	Name     string
	Auth     AuthChoice
	Password Password
	Mechanism string
}

// Password is an LDAP simple-bind password. It has its own type so it
// never round-trips through a log statement formatted as a plain string
// by accident.
type Password string

func (Password) String() string { return "[redacted]" }

// DecodeBindRequest decodes a BindRequest protocolOp.
func DecodeBindRequest(op *ber.Packet) (*BindRequest, error) {
	const opName = "ldapproto.DecodeBindRequest"
	if int64(op.Tag) != ApplicationBindRequest {
		return nil, fmt.Errorf("%s: tag %d is not a bind request: %w", opName, op.Tag, ErrMalformedPDU)
	}
	if len(op.Children) < 3 {
		return nil, fmt.Errorf("%s: expected 3 children, got %d: %w", opName, len(op.Children), ErrMalformedPDU)
	}
	version, ok := op.Children[0].Value.(int64)
	if !ok {
		return nil, fmt.Errorf("%s: version is not an integer: %w", opName, ErrMalformedPDU)
	}
	name := op.Children[1].Data.String()

	authPacket := op.Children[2]
	req := &BindRequest{Version: version, Name: name}
	switch {
	case authPacket.ClassType == ber.ClassContext && authPacket.Tag == 0:
		req.Auth = AuthSimple
		req.Password = Password(authPacket.Data.String())
	case authPacket.ClassType == ber.ClassContext && authPacket.Tag == 3:
		req.Auth = AuthSASL
		if len(authPacket.Children) > 0 {
			req.Mechanism = authPacket.Children[0].Data.String()
		}
	default:
		return nil, fmt.Errorf("%s: unrecognized authentication choice tag %d: %w", opName, authPacket.Tag, ErrMalformedPDU)
	}
	return req, nil
}

// DecodeBindResponse decodes a BindResponse protocolOp.
func DecodeBindResponse(op *ber.Packet) (*LDAPResult, error) {
	const opName = "ldapproto.DecodeBindResponse"
	if int64(op.Tag) != ApplicationBindResponse {
		return nil, fmt.Errorf("%s: tag %d is not a bind response: %w", opName, op.Tag, ErrMalformedPDU)
	}
	return decodeLDAPResultBody(opName, op)
}

// EncodeBindResponse synthesizes a BindResponse frame, used when the
// proxy answers a bind locally (policy denial) without contacting the
// upstream.
func EncodeBindResponse(messageID, resultCode int64, diagnosticMessage string) []byte {
	msg := beginMessage(messageID)
	result := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ber.Tag(ApplicationBindResponse), nil, "Bind Response")
	appendLDAPResult(result, resultCode, "", diagnosticMessage)
	msg.AppendChild(result)
	return msg.Bytes()
}
