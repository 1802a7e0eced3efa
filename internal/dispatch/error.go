package dispatch

import (
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/howard-nolan/llmgateway/internal/transform"
	"github.com/howard-nolan/llmgateway/internal/unified"
)

// Error taxonomy types.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeAuthentication = "authentication_error"
	TypeRateLimit      = "rate_limit_error"
	TypeAPI            = "api_error"
)

// Error is a gateway failure carrying enough to render the client dialect's
// native error envelope.
type Error struct {
	Type    string
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s, status %d): %s", e.Type, e.Code, e.Status, e.Message)
}

func invalidRequest(code, message string, status int) *Error {
	return &Error{Type: TypeInvalidRequest, Code: code, Message: message, Status: status}
}

func apiError(code, message string, status int) *Error {
	return &Error{Type: TypeAPI, Code: code, Message: message, Status: status}
}

// upstreamError classifies a non-2xx upstream response into the taxonomy,
// keeping the original status and extracting a message from the body when
// one is recognizable.
func upstreamError(status int, body []byte) *Error {
	message := gjson.GetBytes(body, "error.message").String()
	if message == "" {
		message = gjson.GetBytes(body, "message").String()
	}
	if message == "" {
		message = http.StatusText(status)
	}
	typ := TypeAPI
	switch {
	case status == http.StatusTooManyRequests:
		typ = TypeRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		typ = TypeAuthentication
	case status >= 400 && status < 500:
		typ = TypeInvalidRequest
	}
	return &Error{Type: typ, Code: "upstream_error", Message: message, Status: status}
}

// writeError renders the error in the client dialect's envelope.
func writeError(w http.ResponseWriter, dialect unified.Dialect, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	w.Write(transform.FormatError(dialect, e.Type, e.Code, e.Message, e.Status))
}
