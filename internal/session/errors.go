package session

import "errors"

var (
	// ErrUnexpectedInput signals input that does not match the current
	// conversation state. The draft is left untouched.
	ErrUnexpectedInput = errors.New("session: input does not match conversation state")
	// ErrMaxPhotosExceeded indicates the draft already holds the maximum
	// number of photos.
	ErrMaxPhotosExceeded = errors.New("session: maximum photo count exceeded")
	// ErrEmptyDraft indicates the user tried to advance without any photos.
	ErrEmptyDraft = errors.New("session: draft has no photos")
	// ErrScriptTooLong indicates the script exceeds the configured limit.
	ErrScriptTooLong = errors.New("session: script too long")
	// ErrScriptRejected indicates the script failed content screening.
	ErrScriptRejected = errors.New("session: script rejected by screening")
)
