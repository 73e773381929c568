package ldapproto

import (
	"fmt"

	ber "github.com/go-asn1-ber/asn1-ber"
)

// Envelope is a decoded LDAPMessage envelope: the messageID and the
// protocolOp child packet, with controls (if any) left undecoded — the
// proxy passes controls through opaquely, per spec.
type Envelope struct {
	MessageID int64
	Op        *ber.Packet
	OpTag     int64
	Controls  *ber.Packet // nil if absent
	raw       *ber.Packet // the full outer SEQUENCE, retained for RewriteMessageID
}

// DecodeEnvelope parses the outer LDAPMessage SEQUENCE from a frame
// previously returned by ReadFrame: messageID (INTEGER), protocolOp
// (an APPLICATION-tagged CHOICE), and an optional [0] controls SEQUENCE.
func DecodeEnvelope(frame []byte) (*Envelope, error) {
	const op = "ldapproto.DecodeEnvelope"

	p, err := DecodePacket(frame)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if p.ClassType != ber.ClassUniversal || p.TagType != ber.TypeConstructed || ber.Tag(p.Tag) != ber.TagSequence {
		return nil, fmt.Errorf("%s: not an ldap message sequence: %w", op, ErrMalformedPDU)
	}
	if len(p.Children) < 2 {
		return nil, fmt.Errorf("%s: expected messageID and protocolOp, got %d children: %w", op, len(p.Children), ErrMalformedPDU)
	}

	msgIDPacket := p.Children[0]
	msgID, ok := msgIDPacket.Value.(int64)
	if !ok {
		return nil, fmt.Errorf("%s: messageID is not an integer: %w", op, ErrMalformedPDU)
	}
	if msgID < 0 {
		return nil, fmt.Errorf("%s: negative messageID %d: %w", op, msgID, ErrMalformedPDU)
	}

	opPacket := p.Children[1]
	if opPacket.ClassType != ber.ClassApplication {
		return nil, fmt.Errorf("%s: protocolOp is not application-tagged: %w", op, ErrMalformedPDU)
	}

	env := &Envelope{
		MessageID: msgID,
		Op:        opPacket,
		OpTag:     int64(opPacket.Tag),
		raw:       p,
	}
	if len(p.Children) > 2 {
		env.Controls = p.Children[2]
	}
	return env, nil
}

// ControlsBytes returns the raw encoding of the envelope's controls, or
// nil if it carried none. Callers that need to distinguish requests by
// their controls (fingerprinting, most notably) without decoding the
// individual control values use this.
func (e *Envelope) ControlsBytes() []byte {
	if e.Controls == nil {
		return nil
	}
	return e.Controls.Bytes()
}

// RewriteMessageID re-serializes frame with its messageID replaced by
// newID, leaving the protocolOp and controls bytes byte-exact. This is
// the only mutation the proxy performs on a PDU it is forwarding rather
// than synthesizing, satisfying the round-trip stability requirement:
// re-encoding changes only the messageID field, never the body.
func RewriteMessageID(frame []byte, newID int64) ([]byte, error) {
	const op = "ldapproto.RewriteMessageID"

	env, err := DecodeEnvelope(frame)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if env.MessageID == newID {
		return frame, nil
	}

	out := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Message")
	out.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, newID, "MessageID"))
	out.AppendChild(env.Op)
	if env.Controls != nil {
		out.AppendChild(env.Controls)
	}
	return out.Bytes(), nil
}

// beginMessage starts a synthesized LDAPMessage envelope for messageID;
// callers append exactly one protocolOp child and return Bytes().
func beginMessage(messageID int64) *ber.Packet {
	p := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Message")
	p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, messageID, "MessageID"))
	return p
}

func appendLDAPResult(op *ber.Packet, resultCode int64, matchedDN, diagnosticMessage string) {
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, resultCode, "resultCode: "+ResultDescription(resultCode)))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, matchedDN, "matchedDN"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, diagnosticMessage, "diagnosticMessage"))
}
