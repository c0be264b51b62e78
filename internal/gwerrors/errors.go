// Package gwerrors holds the sentinel errors shared across the
// coordinator's packages, per spec.md section 7.
package gwerrors

import "errors"

var (
	// ErrDecode marks malformed event data. Per-job fatal; the caller
	// logs and drops the event.
	ErrDecode = errors.New("malformed event data")

	// ErrJobTooOld marks a job whose epoch cycle has already aged out
	// of the maintained window.
	ErrJobTooOld = errors.New("job too old for current epoch window")

	// ErrNoEligibleGateways marks an epoch snapshot with no gateway
	// passing the stake/draining/chain-support filter.
	ErrNoEligibleGateways = errors.New("no eligible gateways for request chain")

	// ErrSnapshotUnavailable is not a failure: the job is waitlisted
	// until the epoch snapshot materializes.
	ErrSnapshotUnavailable = errors.New("epoch snapshot not yet available")

	// ErrSignFailure marks a digest construction or ECDSA signing
	// failure. Per-job fatal.
	ErrSignFailure = errors.New("signing failure")

	// ErrSubmissionFailure marks a failed transaction submission or
	// confirmation. Per-job fatal for this enclave; the peer slash
	// loop covers correctness.
	ErrSubmissionFailure = errors.New("transaction submission failure")

	// ErrChainRPC marks a transient chain-client error. Retried up to
	// the caller's own cap, else surfaced as per-job fatal.
	ErrChainRPC = errors.New("chain rpc error")
)
