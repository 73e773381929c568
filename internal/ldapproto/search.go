package ldapproto

import (
	"fmt"
	"sort"
	"strings"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// Scope is the LDAP search scope.
type Scope int64

const (
	ScopeBaseObject   Scope = 0
	ScopeSingleLevel  Scope = 1
	ScopeWholeSubtree Scope = 2
)

// DerefAliases is the LDAP alias-dereferencing policy.
type DerefAliases int64

const (
	NeverDerefAliases   DerefAliases = 0
	DerefInSearching    DerefAliases = 1
	DerefFindingBaseObj DerefAliases = 2
	DerefAlways         DerefAliases = 3
)

// SearchRequest is a fully decoded LDAP SearchRequest.
type SearchRequest struct {
	BaseObject   string
	Scope        Scope
	DerefAliases DerefAliases
	SizeLimit    int64
	TimeLimit    int64
	TypesOnly    bool
	Filter       string // canonical RFC 4515 text
	filterPacket *ber.Packet
	Attributes   []string
}

// DecodeSearchRequest decodes a SearchRequest protocolOp, reconstructing
// the filter's canonical textual form via go-ldap's filter compiler so
// that fingerprinting and policy comparisons see a stable string
// regardless of how the client chose to encode an equivalent filter.
func DecodeSearchRequest(op *ber.Packet) (*SearchRequest, error) {
	const opName = "ldapproto.DecodeSearchRequest"
	if int64(op.Tag) != ApplicationSearchRequest {
		return nil, fmt.Errorf("%s: tag %d is not a search request: %w", opName, op.Tag, ErrMalformedPDU)
	}
	if len(op.Children) < 8 {
		return nil, fmt.Errorf("%s: expected 8 children, got %d: %w", opName, len(op.Children), ErrMalformedPDU)
	}

	scope, ok := op.Children[1].Value.(int64)
	if !ok {
		return nil, fmt.Errorf("%s: scope is not an integer: %w", opName, ErrMalformedPDU)
	}
	deref, ok := op.Children[2].Value.(int64)
	if !ok {
		return nil, fmt.Errorf("%s: derefAliases is not an integer: %w", opName, ErrMalformedPDU)
	}
	sizeLimit, ok := op.Children[3].Value.(int64)
	if !ok {
		return nil, fmt.Errorf("%s: sizeLimit is not an integer: %w", opName, ErrMalformedPDU)
	}
	timeLimit, ok := op.Children[4].Value.(int64)
	if !ok {
		return nil, fmt.Errorf("%s: timeLimit is not an integer: %w", opName, ErrMalformedPDU)
	}
	typesOnly, ok := op.Children[5].Value.(bool)
	if !ok {
		return nil, fmt.Errorf("%s: typesOnly is not a boolean: %w", opName, ErrMalformedPDU)
	}

	filterText, err := ldap.DecompileFilter(op.Children[6])
	if err != nil {
		return nil, fmt.Errorf("%s: decompiling filter: %w", opName, err)
	}

	var attrs []string
	for _, c := range op.Children[7].Children {
		attrs = append(attrs, c.Data.String())
	}

	return &SearchRequest{
		BaseObject:   op.Children[0].Data.String(),
		Scope:        Scope(scope),
		DerefAliases: DerefAliases(deref),
		SizeLimit:    sizeLimit,
		TimeLimit:    timeLimit,
		TypesOnly:    typesOnly,
		Filter:       filterText,
		filterPacket: op.Children[6],
		Attributes:   attrs,
	}, nil
}

// NormalizedAttributes returns Attributes sorted, deduplicated and
// case-folded to lowercase, per the fingerprint definition in the data
// model.
func (s *SearchRequest) NormalizedAttributes() []string {
	seen := make(map[string]struct{}, len(s.Attributes))
	out := make([]string, 0, len(s.Attributes))
	for _, a := range s.Attributes {
		lower := strings.ToLower(a)
		if _, ok := seen[lower]; ok {
			continue
		}
		seen[lower] = struct{}{}
		out = append(out, lower)
	}
	sort.Strings(out)
	return out
}

// SearchResultEntry is one decoded SearchResultEntry response PDU.
type SearchResultEntry struct {
	DN         string
	Attributes []EntryAttribute
}

// EntryAttribute is one PartialAttribute: a type name and its values.
type EntryAttribute struct {
	Name   string
	Values []string
}

// DecodeSearchResultEntry decodes a SearchResultEntry protocolOp.
func DecodeSearchResultEntry(op *ber.Packet) (*SearchResultEntry, error) {
	const opName = "ldapproto.DecodeSearchResultEntry"
	if int64(op.Tag) != ApplicationSearchResultEntry {
		return nil, fmt.Errorf("%s: tag %d is not a search result entry: %w", opName, op.Tag, ErrMalformedPDU)
	}
	if len(op.Children) < 2 {
		return nil, fmt.Errorf("%s: expected 2 children, got %d: %w", opName, len(op.Children), ErrMalformedPDU)
	}
	entry := &SearchResultEntry{DN: op.Children[0].Data.String()}
	for _, attrPacket := range op.Children[1].Children {
		if len(attrPacket.Children) < 2 {
			continue
		}
		name := attrPacket.Children[0].Data.String()
		var values []string
		for _, v := range attrPacket.Children[1].Children {
			values = append(values, v.Data.String())
		}
		entry.Attributes = append(entry.Attributes, EntryAttribute{Name: name, Values: values})
	}
	return entry, nil
}

// EncodeSearchResultEntry synthesizes a SearchResultEntry frame for
// messageID.
func EncodeSearchResultEntry(messageID int64, e *SearchResultEntry) []byte {
	msg := beginMessage(messageID)
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ber.Tag(ApplicationSearchResultEntry), nil, "Search Result Entry")
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, e.DN, "objectName"))
	attrs := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Attributes")
	for _, a := range e.Attributes {
		attrs.AppendChild(encodeEntryAttribute(a))
	}
	op.AppendChild(attrs)
	msg.AppendChild(op)
	return msg.Bytes()
}

func encodeEntryAttribute(a EntryAttribute) *ber.Packet {
	p := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "PartialAttribute")
	p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, a.Name, "type"))
	vals := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSet, nil, "vals")
	for _, v := range a.Values {
		vals.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, v, "value"))
	}
	p.AppendChild(vals)
	return p
}

// SearchResultReference is a decoded SearchResultReference: one or more
// LDAP URIs.
type SearchResultReference struct {
	URIs []string
}

// DecodeSearchResultReference decodes a SearchResultReference protocolOp.
func DecodeSearchResultReference(op *ber.Packet) (*SearchResultReference, error) {
	const opName = "ldapproto.DecodeSearchResultReference"
	if int64(op.Tag) != ApplicationSearchResultReference {
		return nil, fmt.Errorf("%s: tag %d is not a search result reference: %w", opName, op.Tag, ErrMalformedPDU)
	}
	ref := &SearchResultReference{}
	for _, c := range op.Children {
		ref.URIs = append(ref.URIs, c.Data.String())
	}
	return ref, nil
}

// EncodeSearchResultReference synthesizes a SearchResultReference frame
// for messageID.
func EncodeSearchResultReference(messageID int64, ref *SearchResultReference) []byte {
	msg := beginMessage(messageID)
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ber.Tag(ApplicationSearchResultReference), nil, "Search Result Reference")
	for _, uri := range ref.URIs {
		op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, uri, "uri"))
	}
	msg.AppendChild(op)
	return msg.Bytes()
}

// DecodeSearchResultDone decodes a SearchResultDone protocolOp.
func DecodeSearchResultDone(op *ber.Packet) (*LDAPResult, error) {
	const opName = "ldapproto.DecodeSearchResultDone"
	if int64(op.Tag) != ApplicationSearchResultDone {
		return nil, fmt.Errorf("%s: tag %d is not a search result done: %w", opName, op.Tag, ErrMalformedPDU)
	}
	return decodeLDAPResultBody(opName, op)
}

// EncodeSearchResultDone synthesizes a SearchResultDone frame for
// messageID.
func EncodeSearchResultDone(messageID, resultCode int64, diagnosticMessage string) []byte {
	msg := beginMessage(messageID)
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ber.Tag(ApplicationSearchResultDone), nil, "Search Result Done")
	appendLDAPResult(op, resultCode, "", diagnosticMessage)
	msg.AppendChild(op)
	return msg.Bytes()
}

// UnavailableNoCacheMessage is the diagnostic text used, per spec §4.4.1
// and §7, whenever the upstream is unreachable and no cached reply exists
// for the request's fingerprint.
const UnavailableNoCacheMessage = "Backend LDAP server unavailable and no cached data"
