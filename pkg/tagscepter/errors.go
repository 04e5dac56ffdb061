package tagscepter

import "errors"

var (
	// ErrNotFound is returned for a missing tag, branch, task, iteration or build job
	ErrNotFound = errors.New("not found")
	// ErrInvalidState is returned when an operation is not valid for the current status
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidArgument is returned for malformed requests
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrRangeInvariantViolation signals a contradictory verdict history. It is fatal to the task
	ErrRangeInvariantViolation = errors.New("range invariant violation")
	// ErrDispatchExhausted signals that a build could not be triggered within the bounded retries
	ErrDispatchExhausted = errors.New("dispatch exhausted")
	// ErrNoViableCandidate signals that every remaining position has been excluded
	ErrNoViableCandidate = errors.New("no viable candidate")
	// ErrFeedbackConflict signals that a build job received more than one verdict
	ErrFeedbackConflict = errors.New("feedback conflict")
)
