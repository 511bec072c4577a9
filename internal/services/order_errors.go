package services

import "errors"

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrInvalidTransition indicates an illegal status change was attempted.
	ErrInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates duplicate inserts or storage-level contention.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrAlreadyPaid indicates a payment confirmation targeted an order that already settled.
	ErrAlreadyPaid = errors.New("order: already paid")
	// ErrMaxPhotosExceeded indicates the photo set is larger than the configured maximum.
	ErrMaxPhotosExceeded = errors.New("order: maximum photo count exceeded")
	// ErrScriptTooLong indicates the script exceeds the configured length limit.
	ErrScriptTooLong = errors.New("order: script too long")
)
