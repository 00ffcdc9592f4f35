// Copyright 2025 Showrunner Media Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package locks

// acquireRequest is the body of an acquire call. The server clamps the
// requested duration to its configured maximum.
type acquireRequest struct {
	Holder          string `json:"holder_user_id"`
	DurationSeconds int64  `json:"duration_seconds"`
	LockType        string `json:"lock_type,omitempty"`
}

// holderRequest is the body of extend and release calls.
type holderRequest struct {
	Holder string `json:"holder_user_id"`
}

// releaseResponse reports whether the release call found anything to
// release; false is not an error.
type releaseResponse struct {
	Released bool `json:"released"`
}

// errorResponse is the body the lock service sends with any rejection.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
