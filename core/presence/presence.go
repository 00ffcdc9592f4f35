// Copyright 2025 Showrunner Media Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package presence holds the domain types for viewer presence: ephemeral,
// server-expired records of who currently has an entity open. Presence has
// no acquire or release; advertising it is a side effect of polling for it.
package presence

import (
	"time"

	"github.com/juju/collections/set"

	"github.com/showrunner/stagelock/core/lease"
)

// Viewer is one user's point-in-time presence on an entity. The record is
// recreated on every heartbeat and expired server-side; clients treat the
// whole list as disposable.
type Viewer struct {
	UserID     string    `json:"user_id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	LastSeenAt time.Time `json:"last_seen_at"`
	Active     bool      `json:"is_active"`
}

// Key returns the entity the viewer is looking at.
func (v Viewer) Key() lease.Key {
	return lease.Key{EntityType: v.EntityType, EntityID: v.EntityID}
}

// UserIDs returns the distinct user ids among the supplied viewers, sorted.
// The server may report one user several times when they hold the entity
// open in multiple tabs.
func UserIDs(viewers []Viewer) []string {
	ids := set.NewStrings()
	for _, v := range viewers {
		ids.Add(v.UserID)
	}
	return ids.SortedValues()
}
