package core

import "errors"

// Error taxonomy shared by the ledger, registries and the collective engine.
// Transports translate these into protocol responses with errors.Is.
var (
	ErrNotFound                 = errors.New("not found")
	ErrForbidden                = errors.New("forbidden")
	ErrAlreadyClosed            = errors.New("operation already closed")
	ErrDuplicateActiveOperation = errors.New("creator already has an open operation of this kind")
	ErrNegativeExternalCount    = errors.New("external count cannot drop below zero")
	ErrEmptyOperation           = errors.New("operation has no payers")
	ErrInvalidTransfer          = errors.New("invalid transfer")
	ErrConflict                 = errors.New("conflict")
)

// Validation errors
var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrEmptyReason     = errors.New("empty reason")
	ErrEmptyQuestion   = errors.New("empty question")
	ErrInvalidVote     = errors.New("vote must be -1, 0 or 1")
	ErrInvalidQuantity = errors.New("quantity must be at least 1")
	ErrInvalidDelta    = errors.New("externals delta must be -1 or 1")
	ErrInactiveUser    = errors.New("user is not active")
	ErrWrongKind       = errors.New("operation kind does not support this action")
)

// IsValidation reports whether err is a client-side validation failure.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrInvalidAmount, ErrEmptyReason, ErrEmptyQuestion, ErrInvalidVote,
		ErrInvalidQuantity, ErrInvalidDelta, ErrWrongKind,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
