package fetch

import (
	"errors"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
)

// Kind classifies a failed request.
type Kind string

const (
	KindAuthExpired Kind = "auth_expired"
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindServer      Kind = "server"
	KindNetwork     Kind = "network"
)

const networkMessage = "failed to reach server"

// Error is returned for every failed request. Message is the server's
// message when one was sent.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether an idempotent request may be sent again.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindServer
}

// KindOf returns the kind of err, or "" when err did not come from a
// request.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

func IsAuthExpired(err error) bool { return KindOf(err) == KindAuthExpired }

func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

func newStatusError(status int, body []byte) *Error {
	e := &Error{Status: status, Message: serverMessage(status, body)}
	switch {
	case status == http.StatusUnauthorized:
		e.Kind = KindAuthExpired
	case status == http.StatusNotFound:
		e.Kind = KindNotFound
	case status >= 500:
		e.Kind = KindServer
	default:
		e.Kind = KindValidation
	}
	return e
}

type errorBody struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func serverMessage(status int, body []byte) string {
	var parsed errorBody
	if err := sonic.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	text := strings.TrimSpace(string(body))
	if text != "" && len(text) <= 200 && !strings.HasPrefix(text, "<") && !strings.HasPrefix(text, "{") {
		return text
	}
	if s := http.StatusText(status); s != "" {
		return s
	}
	return "request failed"
}
