package realtime

import "errors"

// Sentinel causes, for errors.Is checks against a RejectionError's
// wrapped cause (spec.md §4.2, §7).
var (
	// ErrAuthenticationFailed wraps any token verification failure: bad
	// signature, wrong subject, expired, or wrong publicUrl.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrAlreadyConnected is returned when the room already holds a
	// client with the token's clientId.
	ErrAlreadyConnected = errors.New("you are already connected to this room")

	// ErrJoinOnlyRoomMissing is returned when a token's joinOnly flag is
	// set but the named room does not yet exist. See DESIGN.md's
	// open-question #1 — spec.md §4.2 offers this as a SHOULD; this
	// implementation enforces it.
	ErrJoinOnlyRoomMissing = errors.New("room does not exist and this token may not create one")
)

const (
	msgWrongServer    = "The authentication token is intended for another room server."
	msgAlreadyJoined  = "You are already connected to this room."
	msgServerStopping = "This room server is no longer accepting connections."
	msgJoinOnlyMissing = "This token may only join an existing room, and the named room does not exist."
)

// RejectionError is what Admit returns on every rejection. It carries
// both the {error, message} envelope sent to the client (spec.md §6) and
// the underlying sentinel so callers can still use errors.Is/errors.As.
type RejectionError struct {
	// Kind is the envelope's "error" field.
	Kind    string
	Message string
	cause   error
}

func (e *RejectionError) Error() string { return e.Message }
func (e *RejectionError) Unwrap() error { return e.cause }

func rejectAuthFailed(cause error, message string) *RejectionError {
	return &RejectionError{Kind: "Authentication Failed", Message: message, cause: errors.Join(ErrAuthenticationFailed, cause)}
}

// rejectAlreadyConnected and rejectJoinOnlyMissing use the same
// "Authentication Failed" envelope as rejectAuthFailed — spec.md §7
// describes the duplicate-id rejection as "same envelope, message
// [...]", i.e. only the message text differs, not the error kind.
func rejectAlreadyConnected() *RejectionError {
	return &RejectionError{Kind: "Authentication Failed", Message: msgAlreadyJoined, cause: ErrAlreadyConnected}
}

func rejectJoinOnlyMissing() *RejectionError {
	return &RejectionError{Kind: "Authentication Failed", Message: msgJoinOnlyMissing, cause: ErrJoinOnlyRoomMissing}
}
