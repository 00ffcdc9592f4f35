// Copyright 2025 Showrunner Media Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package lease

import (
	"github.com/juju/errors"
)

// ErrConflict indicates that an acquire was rejected because another user
// holds an active lease on the key. It is a steady state, not an
// exceptional one: callers display "locked by X" from their next poll and
// carry on.
var ErrConflict = errors.New("lease held by another user")

// ErrNotHolder indicates that an extend or a holder-checked operation was
// attempted by a user who does not hold the active lease, either because
// it lapsed or because another client released it. A renewal loop that
// sees this must stop renewing immediately.
var ErrNotHolder = errors.New("lease not held")

// ErrUnauthorized indicates the caller's session is no longer valid. It is
// propagated to the enclosing auth layer untouched.
var ErrUnauthorized = errors.New("unauthorized lease operation")

// ErrTimeout indicates the request ran out of time before the server
// answered. A timed-out extend proves nothing about whether the extension
// was applied; callers reconcile from their next poll rather than treating
// this as loss of the lease.
var ErrTimeout = errors.New("lease operation timed out")

// IsConflict reports whether err indicates an active lease held elsewhere.
func IsConflict(err error) bool {
	return errors.Cause(err) == ErrConflict
}

// IsNotHolder reports whether err indicates the caller no longer holds
// the lease.
func IsNotHolder(err error) bool {
	return errors.Cause(err) == ErrNotHolder
}

// IsUnauthorized reports whether err indicates an expired auth session.
func IsUnauthorized(err error) bool {
	return errors.Cause(err) == ErrUnauthorized
}

// IsTimeout reports whether err indicates a timed-out request.
func IsTimeout(err error) bool {
	return errors.Cause(err) == ErrTimeout
}

// IsTransient reports whether err is a failure the ambient polling cadence
// will retry: anything that is not one of the classified rejections above.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsConflict(err) && !IsNotHolder(err) && !IsUnauthorized(err)
}
