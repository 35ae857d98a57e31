package postgrest

import (
	"net/http"

	"betapp/internal/domain"
)

// CodeUniqueViolation is the SQLSTATE reported for duplicate keys.
const CodeUniqueViolation = "23505"

// ErrorBody is the JSON error payload returned by the backend.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

// KindFor maps an HTTP status and backend code to a domain sentinel.
func KindFor(status int, code string) error {
	if code == CodeUniqueViolation {
		return domain.ErrConflict
	}
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return domain.ErrNotAuthenticated
	case status == http.StatusConflict:
		return domain.ErrConflict
	case status == http.StatusNotFound:
		return domain.ErrNotFound
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return domain.ErrValidation
	case status >= 500:
		return domain.ErrTransport
	default:
		return domain.ErrInternal
	}
}

// AsError converts a decoded error body into a domain error.
func (b ErrorBody) AsError(status int) error {
	msg := b.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &domain.Error{Kind: KindFor(status, b.Code), Code: b.Code, Message: msg}
}
