package engine

import "errors"

var (
	// ErrVersionConflict means another process already advanced this
	// sequence state; callers treat it as a silent no-op, never a failure
	ErrVersionConflict = errors.New("sequence state version conflict")

	// ErrBadDefinition marks a malformed or missing sequence definition;
	// it fails sequence start immediately and is never retried silently
	ErrBadDefinition = errors.New("invalid sequence definition")

	// ErrAllChannelsFailed means every attempted channel failed at the
	// transport layer; the machine reschedules and burns a step retry
	ErrAllChannelsFailed = errors.New("all candidate channels failed")

	// ErrAllChannelsDenied means the gate denied every candidate before
	// any transport attempt, e.g. a paused or capped user; the machine
	// defers the step without consuming a retry
	ErrAllChannelsDenied = errors.New("all candidate channels denied")
)
