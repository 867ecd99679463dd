package audit

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Use errors.Is(err, ErrValidation) and friends to classify
// errors returned by the write and verification paths.
var (
	ErrValidation     = errors.New("validation error")
	ErrDuplicateEvent = errors.New("duplicate event")
	ErrAppendFailed   = errors.New("append failed")
	ErrOutcomeUnknown = errors.New("append outcome unknown")
	ErrTailDivergence = errors.New("tail divergence")
	ErrChainHalted    = errors.New("chain halted")
	ErrChainIntegrity = errors.New("chain integrity violation")
	ErrNotFound       = errors.New("not found")
)

// Store-level uniqueness violations. Stores return these so the engine can
// treat Insert as a compare-and-set on (chain_id, sequence).
var (
	ErrEventExists      = errors.New("event_id already exists in chain")
	ErrSequenceConflict = errors.New("sequence already exists in chain")
)

// Error is a classified audit error
type Error struct {
	Kind    error
	Code    string
	Message string
	ChainID string
	Err     error
}

func (e *Error) Error() string {
	prefix := e.Kind.Error()
	if e.ChainID != "" {
		prefix = fmt.Sprintf("%s [%s] chain=%s", prefix, e.Code, e.ChainID)
	} else {
		prefix = fmt.Sprintf("%s [%s]", prefix, e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the error kind
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

// Error constructors

func NewValidationError(code, msg string) *Error {
	return &Error{Kind: ErrValidation, Code: code, Message: msg}
}

func newValidationErrorf(code, format string, args ...interface{}) *Error {
	return NewValidationError(code, fmt.Sprintf(format, args...))
}

func newAppendFailed(chainID, code string, err error) *Error {
	return &Error{
		Kind:    ErrAppendFailed,
		Code:    code,
		Message: "record was not appended; tail unchanged",
		ChainID: chainID,
		Err:     err,
	}
}

// newOutcomeUnknown reports a write that may or may not have been persisted.
// The next append on the chain reloads the tail from the store.
func newOutcomeUnknown(chainID, code string, err error) *Error {
	return &Error{
		Kind:    ErrOutcomeUnknown,
		Code:    code,
		Message: "record may have been appended; resubmit with the same event_id to resolve",
		ChainID: chainID,
		Err:     err,
	}
}

func newTailDivergence(chainID, msg string, err error) *Error {
	return &Error{
		Kind:    ErrTailDivergence,
		Code:    "TAIL_DIVERGENCE",
		Message: msg,
		ChainID: chainID,
		Err:     err,
	}
}

func newChainHalted(chainID string, cause error) *Error {
	return &Error{
		Kind:    ErrChainHalted,
		Code:    "CHAIN_HALTED",
		Message: "appends suspended until the chain is resumed by an operator",
		ChainID: chainID,
		Err:     cause,
	}
}

func newNotFound(what string) *Error {
	return &Error{Kind: ErrNotFound, Code: "NOT_FOUND", Message: what}
}

// IntegrityError reports the findings of a verification run. It is only ever
// produced by the verifier.
type IntegrityError struct {
	ChainID     string
	BrokenLinks int
	FirstBroken uint64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chain integrity violation: chain=%s broken_links=%d first_broken_sequence=%d",
		e.ChainID, e.BrokenLinks, e.FirstBroken)
}

// Is matches ErrChainIntegrity
func (e *IntegrityError) Is(target error) bool {
	return target == ErrChainIntegrity
}

// IsRetryable reports whether the caller may safely resubmit the same request.
// ErrOutcomeUnknown is not retryable: only a resubmission carrying the same
// event_id is safe after it.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAppendFailed)
}
