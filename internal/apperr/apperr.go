// Package apperr defines the error kinds shared by the message archive, grant, export and provisioning code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers deciding whether to retry, skip or abort.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindNotFound      Kind = "not_found"
	KindUpstreamGrant Kind = "upstream_grant"
	KindTransfer      Kind = "transfer"
	KindProvisioning  Kind = "provisioning"
	KindInternal      Kind = "internal"
)

type meta struct {
	status    int
	retryable bool
	public    string
}

var metaByKind = map[Kind]meta{
	KindValidation:    {status: http.StatusBadRequest, public: "validation failed"},
	KindAuthorization: {status: http.StatusForbidden, public: "not authorized"},
	KindNotFound:      {status: http.StatusNotFound, public: "not found"},
	KindUpstreamGrant: {status: http.StatusBadGateway, retryable: true, public: "storage access temporarily unavailable"},
	KindTransfer:      {status: http.StatusBadGateway, retryable: true, public: "transfer failed"},
	KindProvisioning:  {status: http.StatusBadGateway, retryable: true, public: "channel provisioning failed"},
	KindInternal:      {status: http.StatusInternalServerError, public: "internal error"},
}

// Error is a classified error. Message is safe to show for validation errors.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	return metaByKind[KindOf(err)].status
}

// Retryable reports whether the caller may retry the failed call.
func Retryable(err error) bool {
	return metaByKind[KindOf(err)].retryable
}

// PublicMessage returns text safe to return to clients. Validation and not-found messages
// are passed through; other kinds use a generic message.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindValidation, KindNotFound:
			if e.Message != "" {
				return e.Message
			}
		}
		return metaByKind[e.Kind].public
	}
	return metaByKind[KindInternal].public
}
