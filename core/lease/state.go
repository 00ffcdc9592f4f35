// Copyright 2025 Showrunner Media Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package lease

import (
	"time"
)

// State classifies a lease record from one user's point of view. Every
// editing affordance in the display layer conditions on this value and
// nothing else.
type State string

const (
	// Unlocked means no live lease exists for the key.
	Unlocked State = "unlocked"

	// HeldByMe means the local user holds the live lease.
	HeldByMe State = "held-by-me"

	// HeldByOther means another user holds the live lease.
	HeldByOther State = "held-by-other"
)

// Projection is the display-ready classification of a lease record.
// Holder and Expiry are zero valued when State is Unlocked.
type Projection struct {
	State  State
	Holder string
	Expiry time.Time
}

// Classify maps a lease record and the local user identity onto a
// Projection. A nil record, a released record, or a record whose expiry is
// at or before now all project as Unlocked; the record's stored is_active
// flag is never consulted, so a snapshot cached before expiry cannot
// present as live after it. Pure function; no I/O.
func Classify(l *Lease, selfID string, now time.Time) Projection {
	if l == nil || !l.ActiveAt(now) {
		return Projection{State: Unlocked}
	}
	if l.Holder == selfID {
		return Projection{State: HeldByMe, Holder: l.Holder, Expiry: l.ExpiresAt}
	}
	return Projection{State: HeldByOther, Holder: l.Holder, Expiry: l.ExpiresAt}
}
