package apierr

import "net/http"

// HTTPStatus maps a Kind to the HTTP status code the Control API should
// respond with. Kept in one place so every handler translates errors the
// same way.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindLeaseMismatch:
		return http.StatusConflict
	case KindValidation, KindUnsafeDatabaseTarget:
		return http.StatusBadRequest
	case KindAllocationWaiting:
		return http.StatusAccepted
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindDriverFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
