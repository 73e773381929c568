package ldapproto

import (
	"fmt"

	ber "github.com/go-asn1-ber/asn1-ber"
)

// WhoAmIOID is the "Who Am I?" extended operation OID (RFC 4532), the one
// extended operation this proxy synthesizes a fallback response for.
const WhoAmIOID = "1.3.6.1.4.1.4203.1.11.3"

// ExtendedRequest is a decoded ExtendedRequest.
type ExtendedRequest struct {
	Name  string
	Value string
	HasValue bool
}

// DecodeExtendedRequest decodes an ExtendedRequest protocolOp.
func DecodeExtendedRequest(op *ber.Packet) (*ExtendedRequest, error) {
	const opName = "ldapproto.DecodeExtendedRequest"
	if int64(op.Tag) != ApplicationExtendedRequest {
		return nil, fmt.Errorf("%s: tag %d is not an extended request: %w", opName, op.Tag, ErrMalformedPDU)
	}
	if len(op.Children) < 1 {
		return nil, fmt.Errorf("%s: missing requestName: %w", opName, ErrMalformedPDU)
	}
	req := &ExtendedRequest{Name: op.Children[0].Data.String()}
	if len(op.Children) > 1 {
		req.Value = op.Children[1].Data.String()
		req.HasValue = true
	}
	return req, nil
}

// ExtendedResult is a decoded ExtendedResponse.
type ExtendedResult struct {
	LDAPResult
	ResponseName  string
	ResponseValue string
	HasValue      bool
}

// DecodeExtendedResponse decodes an ExtendedResponse protocolOp.
func DecodeExtendedResponse(op *ber.Packet) (*ExtendedResult, error) {
	const opName = "ldapproto.DecodeExtendedResponse"
	if int64(op.Tag) != ApplicationExtendedResponse {
		return nil, fmt.Errorf("%s: tag %d is not an extended response: %w", opName, op.Tag, ErrMalformedPDU)
	}
	base, err := decodeLDAPResultBody(opName, op)
	if err != nil {
		return nil, err
	}
	result := &ExtendedResult{LDAPResult: *base}
	for _, c := range op.Children[3:] {
		switch {
		case c.ClassType == ber.ClassContext && c.Tag == 10:
			result.ResponseName = c.Data.String()
		case c.ClassType == ber.ClassContext && c.Tag == 11:
			result.ResponseValue = c.Data.String()
			result.HasValue = true
		}
	}
	return result, nil
}

// EncodeWhoAmIFallback synthesizes the ExtendedResponse the session emits
// for a WhoAmI request when the upstream is unreachable: success, with
// the authzId form of the session's bound DN, per spec §4.4.
func EncodeWhoAmIFallback(messageID int64, boundDN string) []byte {
	msg := beginMessage(messageID)
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ber.Tag(ApplicationExtendedResponse), nil, "Extended Response")
	appendLDAPResult(op, ResultSuccess, "", "")
	value := "dn:" + boundDN
	op.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, ber.Tag(11), value, "response"))
	msg.AppendChild(op)
	return msg.Bytes()
}
