package ldapproto

// LDAP application (protocolOp) tags, as assigned in RFC 4511 §4.
const (
	ApplicationBindRequest           = 0
	ApplicationBindResponse          = 1
	ApplicationUnbindRequest         = 2
	ApplicationSearchRequest         = 3
	ApplicationSearchResultEntry     = 4
	ApplicationSearchResultDone      = 5
	ApplicationModifyRequest         = 6
	ApplicationModifyResponse        = 7
	ApplicationAddRequest            = 8
	ApplicationAddResponse           = 9
	ApplicationDelRequest            = 10
	ApplicationDelResponse           = 11
	ApplicationModifyDNRequest       = 12
	ApplicationModifyDNResponse      = 13
	ApplicationCompareRequest        = 14
	ApplicationCompareResponse       = 15
	ApplicationAbandonRequest        = 16
	ApplicationSearchResultReference = 19
	ApplicationExtendedRequest       = 23
	ApplicationExtendedResponse      = 24
)

// LDAP result codes this proxy produces or inspects. Not exhaustive; see
// RFC 4511 §4.1.9 for the full table.
const (
	ResultSuccess                  = 0
	ResultOperationsError          = 1
	ResultProtocolError            = 2
	ResultAuthMethodNotSupported   = 7
	ResultInvalidCredentials       = 49
	ResultInsufficientAccessRights = 50
	ResultBusy                     = 51
	ResultUnavailable              = 52
	ResultUnwillingToPerform       = 53
)

// resultDescriptions gives a short human-readable label for a subset of
// result codes, used only for debug logging.
var resultDescriptions = map[int64]string{
	ResultSuccess:                  "success",
	ResultOperationsError:          "operationsError",
	ResultProtocolError:            "protocolError",
	ResultAuthMethodNotSupported:   "authMethodNotSupported",
	ResultInvalidCredentials:       "invalidCredentials",
	ResultInsufficientAccessRights: "insufficientAccessRights",
	ResultBusy:                     "busy",
	ResultUnavailable:              "unavailable",
	ResultUnwillingToPerform:       "unwillingToPerform",
}

// ResultDescription returns a short label for code, or "unknown" if this
// package doesn't have one.
func ResultDescription(code int64) string {
	if d, ok := resultDescriptions[code]; ok {
		return d
	}
	return "unknown"
}

// responseTagFor returns the response protocolOp tag for a request tag,
// for the request classes RFC 4511 defines a 1:1 request/response pairing
// for. Returns (0, false) for AbandonRequest, which has no response, and
// for anything this table doesn't know about.
func responseTagFor(requestTag int64) (int64, bool) {
	switch requestTag {
	case ApplicationBindRequest:
		return ApplicationBindResponse, true
	case ApplicationModifyRequest:
		return ApplicationModifyResponse, true
	case ApplicationAddRequest:
		return ApplicationAddResponse, true
	case ApplicationDelRequest:
		return ApplicationDelResponse, true
	case ApplicationModifyDNRequest:
		return ApplicationModifyDNResponse, true
	case ApplicationCompareRequest:
		return ApplicationCompareResponse, true
	case ApplicationSearchRequest:
		return ApplicationSearchResultDone, true
	case ApplicationExtendedRequest:
		return ApplicationExtendedResponse, true
	default:
		return 0, false
	}
}

// IsWriteClass reports whether tag is one of the write operations this
// proxy never forwards upstream (add, delete, modify, modifyDN).
func IsWriteClass(tag int64) bool {
	switch tag {
	case ApplicationAddRequest, ApplicationDelRequest, ApplicationModifyRequest, ApplicationModifyDNRequest:
		return true
	default:
		return false
	}
}
