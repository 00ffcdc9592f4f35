// Copyright 2025 Showrunner Media Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package locksession runs one edit-lease session per (entity, user): it
// polls the lock service for the authoritative lease record, classifies it
// for display, serves acquire and release requests, and renews a held
// lease on a timer until the lease is released or the session is torn
// down.
//
// All session state lives in the loop goroutine. Network calls run in
// short-lived goroutines that deliver their results back into the loop;
// every result carries the revision it was issued under, and a result
// older than the last applied write is discarded, so responses arriving
// out of order can never clobber a fresher snapshot. The server record is
// always replaced wholesale, never patched.
package locksession

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/showrunner/stagelock/core/lease"
)

const (
	defaultLeaseDuration  = 30 * time.Minute
	defaultPollInterval   = 30 * time.Second
	defaultRequestTimeout = 10 * time.Second

	// LeaseChangedTopic is the hub topic lease state transitions are
	// published on.
	LeaseChangedTopic = "stagelock.lease-changed"
)

// errStopped is returned to callers when an operation cannot complete
// because the session has started (and possibly finished) shutdown.
var errStopped = errors.New("lock session stopped")

// Logger is the logging surface this package needs.
type Logger interface {
	Tracef(string, ...interface{})
	Infof(string, ...interface{})
	Warningf(string, ...interface{})
}

// LockClient is the slice of the locks API client the session drives.
type LockClient interface {
	Acquire(ctx context.Context, key lease.Key, duration time.Duration) (lease.Lease, error)
	Extend(ctx context.Context, key lease.Key) (lease.Lease, error)
	Release(ctx context.Context, key lease.Key) (bool, error)
	Current(ctx context.Context, key lease.Key) (*lease.Lease, error)
}

// Change is published on the hub whenever the session's projection of the
// lease changes.
type Change struct {
	Key        lease.Key
	Projection lease.Projection
}

// Status is the caller-facing view of the session, the only thing display
// layers condition on.
type Status struct {
	Lease       lease.Projection
	IsAcquiring bool
	IsReleasing bool
}

// SessionConfig holds a session's dependencies and tuning.
type SessionConfig struct {
	Clock  clock.Clock
	Client LockClient
	Logger Logger

	// Key identifies the entity this session locks.
	Key lease.Key

	// UserID is the local user; projections are from their point of view.
	UserID string

	// LeaseDuration is the term requested on acquire. The renewal
	// interval is half the term the server actually granted. Defaults to
	// 30 minutes.
	LeaseDuration time.Duration

	// PollInterval is the cadence of authoritative re-fetches. Defaults
	// to 30 seconds.
	PollInterval time.Duration

	// RequestTimeout bounds each network call. Defaults to 10 seconds.
	RequestTimeout time.Duration

	// Hub, if non-nil, receives a Change on LeaseChangedTopic whenever
	// the projection changes.
	Hub *pubsub.SimpleHub

	// PrometheusRegisterer, if non-nil, gets the session's counters
	// registered for the worker's lifetime.
	PrometheusRegisterer prometheus.Registerer
}

// Validate returns an error if the config is not usable.
func (config SessionConfig) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Client == nil {
		return errors.NotValidf("nil Client")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if err := config.Key.Validate(); err != nil {
		return errors.Trace(err)
	}
	if err := lease.ValidateString(config.UserID); err != nil {
		return errors.Annotatef(err, "invalid user id")
	}
	if config.LeaseDuration < 0 || config.PollInterval < 0 || config.RequestTimeout < 0 {
		return errors.NotValidf("negative interval")
	}
	return nil
}

// NewSession starts a session worker for the configured key and user. The
// caller takes responsibility for killing, and handling errors from, the
// returned worker.
func NewSession(config SessionConfig) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.LeaseDuration == 0 {
		config.LeaseDuration = defaultLeaseDuration
	}
	if config.PollInterval == 0 {
		config.PollInterval = defaultPollInterval
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	s := &Session{
		config:   config,
		metrics:  newSessionMetrics(config.Key),
		acquires: make(chan chan error),
		releases: make(chan releaseRequest),
		statuses: make(chan chan Status),
		acquired: make(chan opResult),
		extended: make(chan opResult),
		released: make(chan releaseDone),
		polled:   make(chan opResult),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &s.catacomb,
		Work: s.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Session is a worker coordinating one edit lease. One instance exists per
// mounted (entity_type, entity_id, user) tuple.
type Session struct {
	catacomb catacomb.Catacomb
	config   SessionConfig
	metrics  *sessionMetrics

	acquires chan chan error
	releases chan releaseRequest
	statuses chan chan Status

	acquired chan opResult
	extended chan opResult
	released chan releaseDone
	polled   chan opResult

	// outstanding tracks in-flight network goroutines for Report.
	outstanding int64
}

type opResult struct {
	rev   uint64
	lease *lease.Lease
	err   error
}

type releaseRequest struct {
	resp chan releaseDone
}

type releaseDone struct {
	rev      uint64
	released bool
	err      error
	resp     chan releaseDone
}

// Kill is part of the worker.Worker interface.
func (s *Session) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Session) Wait() error {
	return s.catacomb.Wait()
}

// Key returns the entity key the session locks.
func (s *Session) Key() lease.Key {
	return s.config.Key
}

// Acquire claims the lease for the session's user. It is a no-op if the
// user already holds it. On ErrConflict the session state is untouched;
// the next poll renders the other holder. A transient failure is returned
// to the caller for an explicit retry.
func (s *Session) Acquire() error {
	// Buffered so the loop's response can never block on a caller that
	// gave up at shutdown.
	resp := make(chan error, 1)
	select {
	case <-s.catacomb.Dying():
		return errStopped
	case s.acquires <- resp:
	}
	select {
	case <-s.catacomb.Dying():
		return errStopped
	case err := <-resp:
		return errors.Trace(err)
	}
}

// Release releases the lease if held and stops renewing either way. It is
// safe to call redundantly: releasing when nothing is held reports false
// with no error.
func (s *Session) Release() (bool, error) {
	resp := make(chan releaseDone, 1)
	select {
	case <-s.catacomb.Dying():
		return false, errStopped
	case s.releases <- releaseRequest{resp: resp}:
	}
	select {
	case <-s.catacomb.Dying():
		return false, errStopped
	case done := <-resp:
		return done.released, errors.Trace(done.err)
	}
}

// Status returns the current projection and pending-request flags.
func (s *Session) Status() (Status, error) {
	resp := make(chan Status, 1)
	select {
	case <-s.catacomb.Dying():
		return Status{}, errStopped
	case s.statuses <- resp:
	}
	select {
	case <-s.catacomb.Dying():
		return Status{}, errStopped
	case status := <-resp:
		return status, nil
	}
}

// Report is part of dependency.Reporter.
func (s *Session) Report() map[string]interface{} {
	return map[string]interface{}{
		"entity":      s.config.Key.String(),
		"user":        s.config.UserID,
		"outstanding": atomic.LoadInt64(&s.outstanding),
	}
}

// loop owns all mutable session state.
func (s *Session) loop() error {
	if s.config.PrometheusRegisterer != nil {
		_ = s.config.PrometheusRegisterer.Register(s.metrics)
		defer s.config.PrometheusRegisterer.Unregister(s.metrics)
	}

	var (
		snapshot   *lease.Lease
		issuedRev  uint64
		appliedRev uint64

		acquiring       bool
		acquireWaiters  []chan error
		pendingReleases []releaseRequest
		releasing       int

		lastPublished *lease.Projection
	)

	renew := &renewalTimer{clock: s.config.Clock}
	defer renew.Disarm()

	// Best effort only: teardown never guarantees a network release, the
	// server's expiry is the backstop.
	defer func() {
		if snapshot != nil && snapshot.Holder == s.config.UserID && snapshot.ActiveAt(s.config.Clock.Now()) {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), s.config.RequestTimeout)
				defer cancel()
				_, _ = s.config.Client.Release(ctx, s.config.Key)
			}()
		}
	}()

	project := func() lease.Projection {
		return lease.Classify(snapshot, s.config.UserID, s.config.Clock.Now())
	}

	publish := func() {
		proj := project()
		if lastPublished != nil && *lastPublished == proj {
			return
		}
		lastPublished = &proj
		if s.config.Hub != nil {
			_ = s.config.Hub.Publish(LeaseChangedTopic, Change{Key: s.config.Key, Projection: proj})
		}
	}

	// apply replaces the snapshot wholesale unless a fresher write has
	// already landed.
	apply := func(res opResult) bool {
		if res.rev <= appliedRev {
			s.config.Logger.Tracef("lock session %s: discarding stale response (rev %d <= %d)",
				s.config.Key, res.rev, appliedRev)
			return false
		}
		appliedRev = res.rev
		snapshot = res.lease
		publish()
		return true
	}

	// reconcile disarms renewal whenever the authoritative record says we
	// no longer hold the lease, however that came about.
	reconcile := func() {
		if renew.Armed() && project().State != lease.HeldByMe {
			s.config.Logger.Infof("lock session %s: lease no longer held by %s, stopping renewal",
				s.config.Key, s.config.UserID)
			renew.Disarm()
		}
	}

	startRelease := func(req releaseRequest) {
		renew.Disarm()
		releasing++
		issuedRev++
		go s.runRelease(issuedRev, req.resp)
	}

	// Prime the snapshot before the first poll interval elapses.
	issuedRev++
	go s.runPoll(issuedRev)

	poll := s.config.Clock.NewTimer(s.config.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-s.catacomb.Dying():
			return s.catacomb.ErrDying()

		case <-poll.Chan():
			poll.Reset(s.config.PollInterval)
			s.metrics.polls.Inc()
			issuedRev++
			go s.runPoll(issuedRev)

		case res := <-s.polled:
			if res.err != nil {
				s.config.Logger.Warningf("lock session %s: poll failed: %v", s.config.Key, res.err)
				break
			}
			apply(res)
			reconcile()

		case resp := <-s.acquires:
			if project().State == lease.HeldByMe {
				resp <- nil
				break
			}
			acquireWaiters = append(acquireWaiters, resp)
			if acquiring {
				break
			}
			acquiring = true
			s.metrics.acquires.Inc()
			issuedRev++
			go s.runAcquire(issuedRev)

		case res := <-s.acquired:
			acquiring = false
			if res.err == nil {
				apply(res)
				// Arm on the acquire's own success, not on the snapshot:
				// a poll issued after the acquire can be served before it
				// takes effect server-side, and its fresher empty record
				// would otherwise hide the lease we now hold. A wrongly
				// armed timer is reconciled by the NotHolder disarm.
				renew.Arm(res.lease.Duration() / 2)
			} else {
				s.metrics.acquireFailures.Inc()
			}
			for _, resp := range acquireWaiters {
				resp <- res.err
			}
			acquireWaiters = nil
			// A release requested while the acquire was in flight runs
			// strictly after it, never reordered in front.
			for _, req := range pendingReleases {
				startRelease(req)
			}
			pendingReleases = nil

		case req := <-s.releases:
			if acquiring {
				pendingReleases = append(pendingReleases, req)
				break
			}
			startRelease(req)

		case done := <-s.released:
			releasing--
			if done.err == nil && done.released {
				apply(opResult{rev: done.rev})
			}
			done.resp <- done

		case <-renew.Chan():
			renew.Reset()
			s.metrics.renewals.Inc()
			issuedRev++
			go s.runExtend(issuedRev)

		case res := <-s.extended:
			if res.err == nil {
				apply(res)
				reconcile()
				break
			}
			s.metrics.renewalFailures.Inc()
			if lease.IsNotHolder(res.err) {
				renew.Disarm()
				apply(opResult{rev: res.rev})
				break
			}
			// Transient, including timeouts: the extension may or may not
			// have been applied; the next tick or poll reconciles. One
			// missed renewal still leaves half the lease term of slack.
			s.config.Logger.Warningf("lock session %s: renewal failed, retrying at next tick: %v",
				s.config.Key, res.err)

		case resp := <-s.statuses:
			resp <- Status{
				Lease:       project(),
				IsAcquiring: acquiring,
				IsReleasing: releasing > 0,
			}
		}
	}
}

// scopedContext returns a context bounded by the request timeout and
// cancelled when the session dies.
func (s *Session) scopedContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.RequestTimeout)
	go func() {
		select {
		case <-s.catacomb.Dying():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// send delivers an async result into the loop unless the session is dying;
// a stray response must never mutate state after teardown.
func (s *Session) send(ch chan<- opResult, res opResult) {
	select {
	case ch <- res:
	case <-s.catacomb.Dying():
	}
}

func (s *Session) runPoll(rev uint64) {
	atomic.AddInt64(&s.outstanding, 1)
	defer atomic.AddInt64(&s.outstanding, -1)
	ctx, cancel := s.scopedContext()
	defer cancel()
	l, err := s.config.Client.Current(ctx, s.config.Key)
	s.send(s.polled, opResult{rev: rev, lease: l, err: err})
}

func (s *Session) runAcquire(rev uint64) {
	atomic.AddInt64(&s.outstanding, 1)
	defer atomic.AddInt64(&s.outstanding, -1)
	ctx, cancel := s.scopedContext()
	defer cancel()
	l, err := s.config.Client.Acquire(ctx, s.config.Key, s.config.LeaseDuration)
	res := opResult{rev: rev, err: err}
	if err == nil {
		res.lease = &l
	}
	s.send(s.acquired, res)
}

func (s *Session) runExtend(rev uint64) {
	atomic.AddInt64(&s.outstanding, 1)
	defer atomic.AddInt64(&s.outstanding, -1)
	ctx, cancel := s.scopedContext()
	defer cancel()
	l, err := s.config.Client.Extend(ctx, s.config.Key)
	res := opResult{rev: rev, err: err}
	if err == nil {
		res.lease = &l
	}
	s.send(s.extended, res)
}

func (s *Session) runRelease(rev uint64, resp chan releaseDone) {
	atomic.AddInt64(&s.outstanding, 1)
	defer atomic.AddInt64(&s.outstanding, -1)
	ctx, cancel := s.scopedContext()
	defer cancel()
	released, err := s.config.Client.Release(ctx, s.config.Key)
	done := releaseDone{rev: rev, released: released, err: err, resp: resp}
	select {
	case s.released <- done:
	case <-s.catacomb.Dying():
	}
}
