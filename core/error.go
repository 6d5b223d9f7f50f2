package core

import "errors"

// Kind classifies an error so that callers can decide how to surface it:
// validation and not-found errors are reported back to the originating
// session only, capacity errors force a disconnect, everything else is
// treated as internal and never leaks its message to the client.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindCapacity   Kind = "capacity"
	KindInternal   Kind = "internal"
)

type Error struct {
	kind Kind
	// Code is a stable machine-readable identifier for the error.
	Code string
	msg  string
}

func NewError(kind Kind, code, msg string) *Error {
	return &Error{kind: kind, Code: code, msg: msg}
}

func (e *Error) Error() string {
	return e.msg
}

func (e *Error) Kind() Kind {
	return e.kind
}

var (
	ErrUnknownRoom     = NewError(KindNotFound, "unknown_room", "room does not exist")
	ErrUnknownMessage  = NewError(KindNotFound, "unknown_message", "message does not exist")
	ErrUnknownSession  = NewError(KindNotFound, "unknown_session", "session does not exist")
	ErrNoCurrentRoom   = NewError(KindValidation, "no_current_room", "session has not joined a room")
	ErrEmptyContent    = NewError(KindValidation, "empty_content", "message content is empty")
	ErrContentTooLarge = NewError(KindValidation, "content_too_large", "message content exceeds the maximum length")
	ErrEmptyEmoji      = NewError(KindValidation, "empty_emoji", "reaction emoji is empty")
)

// KindOf unwraps err looking for a core Error and returns its kind.
// Errors that do not carry a kind are internal by definition.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindInternal
}

// CodeOf returns the stable error code of err, or "internal" when the
// error does not carry one.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// ClientMessage returns the message that is safe to send to a client.
// Internal errors are replaced with a generic message.
func ClientMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.msg
	}
	return "internal error"
}
