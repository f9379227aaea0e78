package ua

// Cause причина завершения сессии или отказа
type Cause string

const (
	CauseBusy                Cause = "Busy"
	CauseRejected            Cause = "Rejected"
	CauseRedirected          Cause = "Redirected"
	CauseUnavailable         Cause = "Unavailable"
	CauseNotFound            Cause = "Not Found"
	CauseAddressIncomplete   Cause = "Address Incomplete"
	CauseIncompatibleSDP     Cause = "Incompatible SDP"
	CauseMissingSDP          Cause = "Missing SDP"
	CauseBadMediaDescription Cause = "Bad Media Description"
	CauseAuthenticationError Cause = "Authentication Error"
	CauseCanceled            Cause = "Canceled"
	CauseNoAnswer            Cause = "No Answer"
	CauseConnectionError     Cause = "Connection Error"
	CauseRequestTimeout      Cause = "Request Timeout"
	CauseSIPFailureCode      Cause = "SIP Failure Code"
	CauseInternalError       Cause = "Internal Error"
	CauseBye                 Cause = "Terminated"
)

// CauseFromStatus возвращает причину для финального ответа >= 300
func CauseFromStatus(code int) Cause {
	switch {
	case code >= 300 && code < 400:
		return CauseRedirected
	}

	switch code {
	case 401, 407:
		return CauseAuthenticationError
	case 404, 604:
		return CauseNotFound
	case 408:
		return CauseRequestTimeout
	case 410, 480:
		return CauseUnavailable
	case 484:
		return CauseAddressIncomplete
	case 486, 600:
		return CauseBusy
	case 487:
		return CauseCanceled
	case 488, 606:
		return CauseIncompatibleSDP
	case 403, 603:
		return CauseRejected
	}
	return CauseSIPFailureCode
}
