package ldapproto

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	ber "github.com/go-asn1-ber/asn1-ber"
)

// ReadFrame reads exactly one BER TLV (tag, length, value) from r and
// returns its complete encoded bytes, unparsed. maxSize, if non-zero,
// bounds the total encoded size (tag + length octets + body); a frame
// that would exceed it is rejected with ErrInputTooLarge before its body
// is read off the wire, so an oversize claim can't be used to make the
// proxy buffer unbounded amounts of attacker-controlled data.
//
// The indefinite-length form (a length octet of 0x80) is rejected with
// ErrIndefiniteLength, per the codec's framing contract: every PDU this
// proxy accepts is definite-length.
func ReadFrame(r *bufio.Reader, maxSize int) ([]byte, error) {
	const op = "ldapproto.ReadFrame"

	var header bytes.Buffer

	tagByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	header.WriteByte(tagByte)

	// High-tag-number form: low 5 bits of the first octet all set, tag
	// number continues in following octets, base-128, high bit as the
	// continuation flag.
	if tagByte&0x1f == 0x1f {
		for {
			b, err := r.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("%s: reading multi-byte tag: %w", op, err)
			}
			header.WriteByte(b)
			if b&0x80 == 0 {
				break
			}
		}
	}

	lengthByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%s: reading length octet: %w", op, err)
	}
	header.WriteByte(lengthByte)

	var bodyLen int
	switch {
	case lengthByte&0x80 == 0:
		// short form
		bodyLen = int(lengthByte)
	case lengthByte == 0x80:
		return nil, fmt.Errorf("%s: %w", op, ErrIndefiniteLength)
	default:
		// long form: low 7 bits give the count of subsequent
		// big-endian length octets.
		n := int(lengthByte &^ 0x80)
		if n > 4 {
			// a length prefix this wide can only describe a frame far
			// past any sane ceiling; reject without allocating for it.
			return nil, fmt.Errorf("%s: length prefix %d octets wide: %w", op, n, ErrInputTooLarge)
		}
		lengthOctets := make([]byte, n)
		if _, err := io.ReadFull(r, lengthOctets); err != nil {
			return nil, fmt.Errorf("%s: reading long-form length: %w", op, err)
		}
		header.Write(lengthOctets)
		for _, b := range lengthOctets {
			bodyLen = bodyLen<<8 | int(b)
		}
	}

	total := header.Len() + bodyLen
	if maxSize > 0 && total > maxSize {
		return nil, fmt.Errorf("%s: frame of %d bytes exceeds ceiling of %d: %w", op, total, maxSize, ErrInputTooLarge)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%s: reading body: %w", op, err)
	}

	frame := make([]byte, 0, total)
	frame = append(frame, header.Bytes()...)
	frame = append(frame, body...)
	return frame, nil
}

// DecodePacket parses a complete BER frame (as returned by ReadFrame) into
// a *ber.Packet tree.
func DecodePacket(frame []byte) (*ber.Packet, error) {
	const op = "ldapproto.DecodePacket"
	p, err := ber.ReadPacket(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, ErrTruncatedFrame)
	}
	return p, nil
}
