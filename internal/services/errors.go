// Package services defines the business logic of the publishing pipeline:
// queue admission with layered deduplication, and the scheduler loop that
// claims, rate-limits, and publishes entries. This file centralizes common
// service-level error values so that they can be consistently returned by
// service methods and checked by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import "errors"

var (
	// ErrInvalidURL is returned when a submission carries no usable URL.
	ErrInvalidURL = errors.New("url is empty or malformed")

	// ErrDuplicate is returned when a submission is already present in the
	// queue, the posted ledger, or the publication history. Callers treat it
	// as a successful no-op, never as a failure.
	ErrDuplicate = errors.New("item already queued or published")

	// ErrRejected is returned when validation finds a candidate too sparse
	// to publish (no identity fields at all).
	ErrRejected = errors.New("candidate rejected by validation")

	// ErrQueueEmpty indicates no eligible entry was available to claim.
	ErrQueueEmpty = errors.New("no eligible queue entry")
)
