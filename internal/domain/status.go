package domain

// Status is the outcome of a single send to the collector.
type Status string

// Send statuses.
const (
	StatusSuccess               Status = "SUCCESS"
	StatusErrorPublishableKey   Status = "ERROR_PUBLISHABLE_KEY"
	StatusErrorNetwork          Status = "ERROR_NETWORK"
	StatusErrorBadRequest       Status = "ERROR_BAD_REQUEST"
	StatusErrorUnauthorized     Status = "ERROR_UNAUTHORIZED"
	StatusErrorPaymentRequired  Status = "ERROR_PAYMENT_REQUIRED"
	StatusErrorForbidden        Status = "ERROR_FORBIDDEN"
	StatusErrorNotFound         Status = "ERROR_NOT_FOUND"
	StatusErrorRateLimit        Status = "ERROR_RATE_LIMIT"
	StatusErrorServer           Status = "ERROR_SERVER"
	StatusErrorUnknown          Status = "ERROR_UNKNOWN"
	StatusErrorRetriesExhausted Status = "ERROR_RETRIES_EXHAUSTED"
)

// Retryable reports whether a send that ended with this status may succeed
// if attempted again.
func (s Status) Retryable() bool {
	switch s {
	case StatusErrorNetwork, StatusErrorRateLimit, StatusErrorServer, StatusErrorUnknown:
		return true
	default:
		return false
	}
}

// StatusFromHTTP maps a collector HTTP status code to a Status.
func StatusFromHTTP(code int) Status {
	switch {
	case code >= 200 && code < 300:
		return StatusSuccess
	case code == 400:
		return StatusErrorBadRequest
	case code == 401:
		return StatusErrorUnauthorized
	case code == 402:
		return StatusErrorPaymentRequired
	case code == 403:
		return StatusErrorForbidden
	case code == 404:
		return StatusErrorNotFound
	case code == 429:
		return StatusErrorRateLimit
	case code >= 500 && code < 600:
		return StatusErrorServer
	default:
		return StatusErrorUnknown
	}
}
