// Copyright 2025 Showrunner Media Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package lockserver is an in-memory stand-in for the lock service, for
// use behind httptest in client and worker tests. It enforces the same
// contract the real service does: at most one active lease per key,
// expiry-on-read rather than active eviction, idempotent release, and
// presence recorded as a side effect of reading the viewer list.
package lockserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/juju/clock"

	"github.com/showrunner/stagelock/core/lease"
	"github.com/showrunner/stagelock/core/presence"
)

const (
	// DefaultMaxDuration caps what acquire will grant.
	DefaultMaxDuration = time.Hour

	// DefaultPresenceTTL is how long a viewer stays in the list after
	// their last heartbeat.
	DefaultPresenceTTL = 90 * time.Second
)

// Server implements the /locks and /presence endpoint families in memory.
// The clock is injected so tests can advance virtual time past expiries.
type Server struct {
	clock  clock.Clock
	router *mux.Router

	mu       sync.Mutex
	leases   map[lease.Key]*lease.Lease
	terms    map[lease.Key]time.Duration
	viewers  map[lease.Key]map[string]time.Time
	calls    map[string]int
	failNext map[string]int

	// MaxDuration clamps requested lease durations.
	MaxDuration time.Duration

	// PresenceTTL bounds how stale a presence entry may be and still be
	// reported.
	PresenceTTL time.Duration
}

// New returns a server reading time from the supplied clock.
func New(clk clock.Clock) *Server {
	s := &Server{
		clock:       clk,
		leases:      make(map[lease.Key]*lease.Lease),
		terms:       make(map[lease.Key]time.Duration),
		viewers:     make(map[lease.Key]map[string]time.Time),
		calls:       make(map[string]int),
		failNext:    make(map[string]int),
		MaxDuration: DefaultMaxDuration,
		PresenceTTL: DefaultPresenceTTL,
	}
	r := mux.NewRouter()
	r.HandleFunc("/v1/locks/{entityType}/{entityID}", s.handleCurrent).Methods("GET")
	r.HandleFunc("/v1/locks/{entityType}/{entityID}/acquire", s.handleAcquire).Methods("POST")
	r.HandleFunc("/v1/locks/{entityType}/{entityID}/extend", s.handleExtend).Methods("POST")
	r.HandleFunc("/v1/locks/{entityType}/{entityID}/release", s.handleRelease).Methods("POST")
	r.HandleFunc("/v1/presence/{entityType}/{entityID}", s.handleViewers).Methods("GET")
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Calls reports how many times the named operation ("acquire", "extend",
// "release", "current", "viewers") has been served, including injected
// failures.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// FailNext makes the next n requests for the named operation fail with a
// 503, simulating a transient outage.
func (s *Server) FailNext(op string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = n
}

// Lease returns a copy of the stored lease record for the key, if any,
// without applying expiry-on-read.
func (s *Server) Lease(key lease.Key) (lease.Lease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[key]
	if !ok {
		return lease.Lease{}, false
	}
	return *l, true
}

func (s *Server) begin(op string) bool {
	s.calls[op]++
	if s.failNext[op] > 0 {
		s.failNext[op]--
		return false
	}
	return true
}

// active returns the live lease for the key, applying expiry-on-read:
// a stored lease past its expiry is marked released and dropped.
func (s *Server) active(key lease.Key, now time.Time) *lease.Lease {
	l, ok := s.leases[key]
	if !ok {
		return nil
	}
	if !l.ActiveAt(now) {
		if l.ReleasedAt == nil {
			expired := l.ExpiresAt
			l.ReleasedAt = &expired
		}
		l.Active = false
		return nil
	}
	return l
}

func requestKey(r *http.Request) lease.Key {
	vars := mux.Vars(r)
	return lease.Key{EntityType: vars["entityType"], EntityID: vars["entityID"]}
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.begin("current") {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "lock service unavailable")
		return
	}
	l := s.active(requestKey(r), s.clock.Now())
	if l == nil {
		writeError(w, http.StatusNotFound, "not-found", "no lease")
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Holder          string `json:"holder_user_id"`
		DurationSeconds int64  `json:"duration_seconds"`
		LockType        string `json:"lock_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Holder == "" {
		writeError(w, http.StatusBadRequest, "bad-request", "malformed acquire request")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.begin("acquire") {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "lock service unavailable")
		return
	}

	key := requestKey(r)
	now := s.clock.Now()
	duration := time.Duration(body.DurationSeconds) * time.Second
	if duration <= 0 || duration > s.MaxDuration {
		duration = s.MaxDuration
	}

	if current := s.active(key, now); current != nil {
		if current.Holder != body.Holder {
			writeError(w, http.StatusConflict, "conflict", "entity locked by "+current.Holder)
			return
		}
		// Re-acquire by the existing holder refreshes the term in place.
		current.ExpiresAt = now.Add(duration)
		current.Active = true
		s.terms[key] = duration
		writeJSON(w, http.StatusOK, current)
		return
	}

	lockType := body.LockType
	if lockType == "" {
		lockType = lease.Exclusive
	}
	granted := &lease.Lease{
		ID:         uuid.New().String(),
		Key:        key,
		Holder:     body.Holder,
		LockType:   lockType,
		AcquiredAt: now,
		ExpiresAt:  now.Add(duration),
		Active:     true,
	}
	s.leases[key] = granted
	s.terms[key] = duration
	writeJSON(w, http.StatusCreated, granted)
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Holder string `json:"holder_user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Holder == "" {
		writeError(w, http.StatusBadRequest, "bad-request", "malformed extend request")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.begin("extend") {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "lock service unavailable")
		return
	}

	key := requestKey(r)
	now := s.clock.Now()
	current := s.active(key, now)
	if current == nil || current.Holder != body.Holder {
		writeError(w, http.StatusPreconditionFailed, "not-holder", "lease not held by "+body.Holder)
		return
	}
	current.ExpiresAt = now.Add(s.terms[key])
	writeJSON(w, http.StatusOK, current)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Holder string `json:"holder_user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Holder == "" {
		writeError(w, http.StatusBadRequest, "bad-request", "malformed release request")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.begin("release") {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "lock service unavailable")
		return
	}

	key := requestKey(r)
	now := s.clock.Now()
	current := s.active(key, now)
	released := false
	if current != nil && current.Holder == body.Holder {
		current.ReleasedAt = &now
		current.Active = false
		released = true
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": released})
}

func (s *Server) handleViewers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.begin("viewers") {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "lock service unavailable")
		return
	}

	key := requestKey(r)
	now := s.clock.Now()

	// The read is the heartbeat: record the requesting user first, then
	// report everyone still inside the TTL.
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		seen, ok := s.viewers[key]
		if !ok {
			seen = make(map[string]time.Time)
			s.viewers[key] = seen
		}
		seen[userID] = now
	}

	result := struct {
		Viewers []presence.Viewer `json:"viewers"`
	}{Viewers: []presence.Viewer{}}
	for userID, lastSeen := range s.viewers[key] {
		if now.Sub(lastSeen) > s.PresenceTTL {
			delete(s.viewers[key], userID)
			continue
		}
		result.Viewers = append(result.Viewers, presence.Viewer{
			UserID:     userID,
			EntityType: key.EntityType,
			EntityID:   key.EntityID,
			LastSeenAt: lastSeen,
			Active:     true,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
