package publisher

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/castcue/castcue/internal/models"
)

// ErrPostFailed matches every *Error. Callers that only need to know the post
// did not go out can check for it.
var ErrPostFailed = errors.New("post failed")

type ErrorKind string

const (
	KindAuth         ErrorKind = "auth"
	KindRejected     ErrorKind = "rejected"
	KindRateLimited  ErrorKind = "rate_limited"
	KindNetwork      ErrorKind = "network"
	KindNotConnected ErrorKind = "not_connected"
)

type Error struct {
	Channel    models.Channel
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s post failed (%s)", e.Channel, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status %d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrPostFailed
}

func NewError(ch models.Channel, kind ErrorKind, msg string, err error) *Error {
	return &Error{Channel: ch, Kind: kind, Message: msg, Err: err}
}

// StatusError classifies a non-2xx provider response.
func StatusError(ch models.Channel, status int, body string) *Error {
	kind := KindRejected
	switch {
	case status == http.StatusUnauthorized:
		kind = KindAuth
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status >= 500:
		kind = KindNetwork
	}
	return &Error{Channel: ch, Kind: kind, StatusCode: status, Message: body}
}

// KindOf returns the failure kind, or "" for errors that are not *Error.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
