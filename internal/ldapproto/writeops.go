package ldapproto

import ber "github.com/go-asn1-ber/asn1-ber"

// EncodeRejectResponse synthesizes the response PDU for a write-class
// request (add, delete, modify, modifyDN) or any other request tag this
// proxy doesn't route, answering resultCode locally. requestTag selects
// the matching response application tag (e.g. ModifyRequest ->
// ModifyResponse) so a client sees a well-formed reply to the operation
// it actually sent; unrecognized tags fall back to
// ApplicationExtendedResponse's numbering slot, matching the "General
// Response" behavior gldap uses for internal errors.
func EncodeRejectResponse(messageID, requestTag, resultCode int64, diagnosticMessage string) []byte {
	responseTag, ok := responseTagFor(requestTag)
	if !ok {
		responseTag = ApplicationExtendedResponse
	}
	msg := beginMessage(messageID)
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ber.Tag(responseTag), nil, "Reject Response")
	appendLDAPResult(op, resultCode, "", diagnosticMessage)
	msg.AppendChild(op)
	return msg.Bytes()
}
