// Copyright 2025 Showrunner Media Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package lease holds the domain types for edit leases: time-bounded
// exclusive claims over a single production entity (a scene, a segment,
// a character, a project), identified by holder and expiry.
//
// The server is the sole writer of truth for leases. Clients only submit
// intents (acquire, extend, release) and replace their local snapshot
// wholesale from the server's responses; nothing in this package mutates
// a lease in place.
package lease

import (
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
)

// Exclusive is the only lock type the service currently issues. LockType
// is carried as an open string so new kinds can appear server-side without
// a client change.
const Exclusive = "exclusive"

// Key identifies the entity a lease covers. At most one active lease may
// exist per key at a time; the server enforces this.
type Key struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

// Validate returns an error if either component is empty or malformed.
func (key Key) Validate() error {
	if err := ValidateString(key.EntityType); err != nil {
		return errors.Annotatef(err, "invalid entity type")
	}
	if err := ValidateString(key.EntityID); err != nil {
		return errors.Annotatef(err, "invalid entity id")
	}
	return nil
}

// String is used in logs and as a cache key; it is not a wire format.
func (key Key) String() string {
	return fmt.Sprintf("%s/%s", key.EntityType, key.EntityID)
}

// ValidateString returns an error if the string is empty, or if it contains
// whitespace or any character in `/.#$`. The lock service rejects such
// identifiers, so clients never send them.
func ValidateString(s string) error {
	if s == "" {
		return errors.New("string is empty")
	}
	if strings.ContainsAny(s, "/.$# \t\r\n") {
		return errors.New("string contains forbidden characters")
	}
	return nil
}

// Lease is the server-authoritative record of one lock. Fields mirror the
// wire representation; ID is server-assigned and immutable.
type Lease struct {
	ID string `json:"id"`

	Key

	// Holder is the user currently recorded as owning the lease.
	Holder string `json:"holder_user_id"`

	// LockType is currently always Exclusive.
	LockType string `json:"lock_type"`

	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`

	// ReleasedAt is nil while the lease is live. The server sets it on an
	// explicit release, or on expiry-on-read; it never actively evicts.
	ReleasedAt *time.Time `json:"released_at"`

	// Active is the server's denormalised view at the time the record was
	// written. It goes stale the moment the lease expires, so readers must
	// use ActiveAt rather than trust it.
	Active bool `json:"is_active"`
}

// ActiveAt reports whether the lease is live at the supplied time,
// re-derived from ReleasedAt and ExpiresAt. The stored Active flag is
// deliberately ignored.
func (l Lease) ActiveAt(now time.Time) bool {
	return l.ReleasedAt == nil && now.Before(l.ExpiresAt)
}

// Duration returns the term the lease was granted for.
func (l Lease) Duration() time.Duration {
	return l.ExpiresAt.Sub(l.AcquiredAt)
}

// Validate returns an error if any fields are invalid or inconsistent.
func (l Lease) Validate() error {
	if l.ID == "" {
		return errors.NotValidf("lease with empty id")
	}
	if err := l.Key.Validate(); err != nil {
		return errors.Trace(err)
	}
	if err := ValidateString(l.Holder); err != nil {
		return errors.Annotatef(err, "invalid holder")
	}
	if l.LockType == "" {
		return errors.NotValidf("lease with empty lock type")
	}
	if !l.ExpiresAt.After(l.AcquiredAt) {
		return errors.NotValidf("lease expiring at or before acquisition")
	}
	return nil
}

// Request describes an acquire or extend intent sent to the lock service.
type Request struct {
	// Holder identifies the requesting user.
	Holder string

	// Duration specifies the term the client wants. The server may clamp
	// it; callers must derive renewal cadence from the returned lease,
	// not from this request.
	Duration time.Duration
}

// Validate returns an error if any fields are invalid or inconsistent.
func (request Request) Validate() error {
	if err := ValidateString(request.Holder); err != nil {
		return errors.Annotatef(err, "invalid holder")
	}
	if request.Duration <= 0 {
		return errors.Errorf("invalid duration")
	}
	return nil
}
