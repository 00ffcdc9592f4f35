// Copyright 2025 Showrunner Media Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package locksession_test

import (
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/showrunner/stagelock/core/lease"
	"github.com/showrunner/stagelock/internal/testhelpers"
	"github.com/showrunner/stagelock/internal/worker/locksession"
)

type SessionSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&SessionSuite{})

// longPoll keeps the poll timer out of the way so that only the renewal
// timer fires when the clock advances.
func longPoll(config *locksession.SessionConfig) {
	config.PollInterval = time.Hour
}

func (s *SessionSuite) TestConfigValidate(c *gc.C) {
	clk := testclock.NewClock(t0)
	base := func() locksession.SessionConfig {
		return locksession.SessionConfig{
			Clock:  clk,
			Client: newStubClient(clk, "alice"),
			Logger: loggo.GetLogger("test.locksession"),
			Key:    testKey,
			UserID: "alice",
		}
	}

	config := base()
	config.Clock = nil
	_, err := locksession.NewSession(config)
	c.Check(err, gc.ErrorMatches, "nil Clock not valid")

	for i, mutate := range []func(*locksession.SessionConfig){
		func(config *locksession.SessionConfig) { config.Client = nil },
		func(config *locksession.SessionConfig) { config.Logger = nil },
		func(config *locksession.SessionConfig) { config.Key = lease.Key{} },
		func(config *locksession.SessionConfig) { config.UserID = "" },
		func(config *locksession.SessionConfig) { config.UserID = "a/b" },
		func(config *locksession.SessionConfig) { config.LeaseDuration = -time.Minute },
		func(config *locksession.SessionConfig) { config.PollInterval = -time.Second },
	} {
		c.Logf("test %d", i)
		config := base()
		mutate(&config)
		_, err := locksession.NewSession(config)
		c.Check(err, gc.NotNil)
	}
}

func (s *SessionSuite) TestStartsUnlocked(c *gc.C) {
	fix := newFixture(c, s, nil)
	fix.waitCalls(c, "current", 1)
	status := fix.waitState(c, lease.Unlocked)
	c.Check(status.IsAcquiring, jc.IsFalse)
	c.Check(status.IsReleasing, jc.IsFalse)
}

func (s *SessionSuite) TestPollShowsOtherHolder(c *gc.C) {
	fix := newFixture(c, s, nil)
	fix.waitCalls(c, "current", 1)
	fix.stub.setStored(otherLease(fix.clock, "bob", 30*time.Minute))

	c.Assert(fix.clock.WaitAdvance(30*time.Second, testhelpers.LongWait, 1), jc.ErrorIsNil)
	status := fix.waitState(c, lease.HeldByOther)
	c.Check(status.Lease.Holder, gc.Equals, "bob")
}

func (s *SessionSuite) TestAcquire(c *gc.C) {
	fix := newFixture(c, s, nil)
	c.Assert(fix.session.Acquire(), jc.ErrorIsNil)

	status, err := fix.session.Status()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(status.Lease.State, gc.Equals, lease.HeldByMe)
	c.Check(status.Lease.Holder, gc.Equals, "alice")
	c.Check(status.Lease.Expiry, gc.Equals, t0.Add(30*time.Minute))
	c.Check(fix.stub.calls("acquire"), gc.Equals, 1)
}

func (s *SessionSuite) TestAcquireIsNoOpWhenHeld(c *gc.C) {
	fix := newFixture(c, s, nil)
	c.Assert(fix.session.Acquire(), jc.ErrorIsNil)
	c.Assert(fix.session.Acquire(), jc.ErrorIsNil)
	c.Check(fix.stub.calls("acquire"), gc.Equals, 1)
}

func (s *SessionSuite) TestAcquireConflict(c *gc.C) {
	fix := newFixture(c, s, nil)
	fix.stub.setStored(otherLease(fix.clock, "bob", 30*time.Minute))

	err := fix.session.Acquire()
	c.Assert(err, gc.NotNil)
	c.Check(lease.IsConflict(err), jc.IsTrue)
	c.Check(fix.stub.calls("acquire"), gc.Equals, 1)
}

func (s *SessionSuite) TestAcquireTransientFailureReturned(c *gc.C) {
	fix := newFixture(c, s, nil)
	fix.stub.failNext("acquire", errors.New("splat"))

	err := fix.session.Acquire()
	c.Check(err, gc.ErrorMatches, "splat")

	// An explicit retry is all it takes.
	c.Assert(fix.session.Acquire(), jc.ErrorIsNil)
	c.Check(fix.stub.calls("acquire"), gc.Equals, 2)
}

func (s *SessionSuite) TestRenewalCadence(c *gc.C) {
	fix := newFixture(c, s, longPoll)
	c.Assert(fix.session.Acquire(), jc.ErrorIsNil)

	// The renewal interval is half the granted term. Two waiters: the
	// poll timer and the renewal timer.
	c.Assert(fix.clock.WaitAdvance(14*time.Minute, testhelpers.LongWait, 2), jc.ErrorIsNil)
	c.Check(fix.stub.calls("extend"), gc.Equals, 0)

	c.Assert(fix.clock.WaitAdvance(time.Minute, testhelpers.LongWait, 2), jc.ErrorIsNil)
	fix.waitCalls(c, "extend", 1)
	fix.waitStatus(c, func(status locksession.Status) bool {
		return status.Lease.Expiry.Equal(t0.Add(45 * time.Minute))
	})

	c.Assert(fix.clock.WaitAdvance(15*time.Minute, testhelpers.LongWait, 2), jc.ErrorIsNil)
	fix.waitCalls(c, "extend", 2)
	fix.waitState(c, lease.HeldByMe)
}

func (s *SessionSuite) TestRenewalArmsWhenPollRacesAcquire(c *gc.C) {
	fix := newFixture(c, s, nil)
	fix.waitCalls(c, "current", 1)
	fix.stub.gateAcquires()

	acquireErr := make(chan error, 1)
	go func() {
		acquireErr <- fix.session.Acquire()
	}()
	select {
	case <-fix.stub.acquireStarted:
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("acquire never started")
	}

	// A poll fires while the acquire is still in flight. It sees no
	// lease, and its snapshot carries a higher revision than the
	// acquire's eventual response.
	c.Assert(fix.clock.WaitAdvance(30*time.Second, testhelpers.LongWait, 1), jc.ErrorIsNil)
	fix.waitCalls(c, "current", 2)

	fix.stub.openGate()
	select {
	case err := <-acquireErr:
		c.Assert(err, jc.ErrorIsNil)
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("acquire never finished")
	}

	// The stale-looking acquire response must still arm renewal: the
	// next tick issues an extend, and the poll at the same moment
	// renders the held lease.
	c.Assert(fix.clock.WaitAdvance(15*time.Minute, testhelpers.LongWait, 2), jc.ErrorIsNil)
	fix.waitCalls(c, "extend", 1)
	fix.waitState(c, lease.HeldByMe)
}

func (s *SessionSuite) TestRenewalStopsWhenNoLongerHolder(c *gc.C) {
	fix := newFixture(c, s, longPoll)
	c.Assert(fix.session.Acquire(), jc.ErrorIsNil)
	fix.stub.clearStored()

	c.Assert(fix.clock.WaitAdvance(15*time.Minute, testhelpers.LongWait, 2), jc.ErrorIsNil)
	fix.waitCalls(c, "extend", 1)
	fix.waitState(c, lease.Unlocked)

	// The renewal timer is gone; only the poll timer remains.
	c.Assert(fix.clock.WaitAdvance(15*time.Minute, testhelpers.LongWait, 1), jc.ErrorIsNil)
	time.Sleep(testhelpers.ShortWait)
	c.Check(fix.stub.calls("extend"), gc.Equals, 1)
}

func (s *SessionSuite) TestRenewalSurvivesTransientFailure(c *gc.C) {
	fix := newFixture(c, s, longPoll)
	c.Assert(fix.session.Acquire(), jc.ErrorIsNil)
	fix.stub.failNext("extend", errors.New("splat"))

	c.Assert(fix.clock.WaitAdvance(15*time.Minute, testhelpers.LongWait, 2), jc.ErrorIsNil)
	fix.waitCalls(c, "extend", 1)
	fix.waitState(c, lease.HeldByMe)

	// Still armed: the next tick tries again.
	c.Assert(fix.clock.WaitAdvance(15*time.Minute, testhelpers.LongWait, 2), jc.ErrorIsNil)
	fix.waitCalls(c, "extend", 2)
}

func (s *SessionSuite) TestReleaseWhenNotHeld(c *gc.C) {
	fix := newFixture(c, s, nil)
	released, err := fix.session.Release()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(released, jc.IsFalse)
	c.Check(fix.stub.calls("release"), gc.Equals, 1)
}

func (s *SessionSuite) TestReleaseStopsRenewal(c *gc.C) {
	fix := newFixture(c, s, longPoll)
	c.Assert(fix.session.Acquire(), jc.ErrorIsNil)

	released, err := fix.session.Release()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(released, jc.IsTrue)

	status, err := fix.session.Status()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(status.Lease.State, gc.Equals, lease.Unlocked)

	c.Assert(fix.clock.WaitAdvance(15*time.Minute, testhelpers.LongWait, 1), jc.ErrorIsNil)
	time.Sleep(testhelpers.ShortWait)
	c.Check(fix.stub.calls("extend"), gc.Equals, 0)
}

type releaseResult struct {
	released bool
	err      error
}

func (s *SessionSuite) TestReleaseRunsAfterInFlightAcquire(c *gc.C) {
	fix := newFixture(c, s, nil)
	fix.stub.gateAcquires()

	acquireErr := make(chan error, 1)
	go func() {
		acquireErr <- fix.session.Acquire()
	}()
	select {
	case <-fix.stub.acquireStarted:
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("acquire never started")
	}

	releaseDone := make(chan releaseResult, 1)
	go func() {
		released, err := fix.session.Release()
		releaseDone <- releaseResult{released: released, err: err}
	}()

	// The release queues behind the in-flight acquire.
	time.Sleep(testhelpers.ShortWait)
	c.Check(fix.stub.calls("release"), gc.Equals, 0)

	fix.stub.openGate()
	select {
	case err := <-acquireErr:
		c.Assert(err, jc.ErrorIsNil)
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("acquire never finished")
	}
	select {
	case result := <-releaseDone:
		c.Assert(result.err, jc.ErrorIsNil)
		c.Check(result.released, jc.IsTrue)
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("release never finished")
	}

	order := fix.stub.callOrder()
	acquireAt, releaseAt := -1, -1
	for i, op := range order {
		switch op {
		case "acquire":
			acquireAt = i
		case "release":
			releaseAt = i
		}
	}
	c.Assert(acquireAt, gc.Not(gc.Equals), -1)
	c.Assert(releaseAt, gc.Not(gc.Equals), -1)
	c.Check(acquireAt < releaseAt, jc.IsTrue)
}

func (s *SessionSuite) TestStatusWhileAcquiring(c *gc.C) {
	fix := newFixture(c, s, nil)
	fix.stub.gateAcquires()

	acquireErr := make(chan error, 1)
	go func() {
		acquireErr <- fix.session.Acquire()
	}()
	select {
	case <-fix.stub.acquireStarted:
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("acquire never started")
	}

	fix.waitStatus(c, func(status locksession.Status) bool {
		return status.IsAcquiring
	})

	fix.stub.openGate()
	select {
	case err := <-acquireErr:
		c.Assert(err, jc.ErrorIsNil)
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("acquire never finished")
	}
	fix.waitStatus(c, func(status locksession.Status) bool {
		return !status.IsAcquiring
	})
}

func (s *SessionSuite) TestTeardownReleasesHeldLease(c *gc.C) {
	fix := newFixture(c, s, longPoll)
	c.Assert(fix.session.Acquire(), jc.ErrorIsNil)

	fix.session.Kill()
	c.Assert(fix.session.Wait(), jc.ErrorIsNil)

	// Teardown issues a best-effort release for the held lease.
	fix.waitCalls(c, "release", 1)

	// Well past two renewal intervals, nothing renews.
	fix.clock.Advance(31 * time.Minute)
	time.Sleep(testhelpers.ShortWait)
	c.Check(fix.stub.calls("extend"), gc.Equals, 0)
}

func (s *SessionSuite) TestHubPublishesChanges(c *gc.C) {
	hub := pubsub.NewSimpleHub(nil)
	changes := make(chan locksession.Change, 10)
	unsub := hub.Subscribe(locksession.LeaseChangedTopic, func(_ string, data interface{}) {
		if change, ok := data.(locksession.Change); ok {
			changes <- change
		}
	})
	defer unsub()

	fix := newFixture(c, s, func(config *locksession.SessionConfig) {
		config.Hub = hub
	})
	c.Assert(fix.session.Acquire(), jc.ErrorIsNil)

	deadline := time.After(testhelpers.LongWait)
	for {
		select {
		case change := <-changes:
			c.Check(change.Key, gc.Equals, testKey)
			if change.Projection.State == lease.HeldByMe {
				c.Check(change.Projection.Holder, gc.Equals, "alice")
				return
			}
		case <-deadline:
			c.Fatalf("no held-by-me change published")
		}
	}
}

func (s *SessionSuite) TestReport(c *gc.C) {
	fix := newFixture(c, s, nil)
	report := fix.session.Report()
	c.Check(report["entity"], gc.Equals, testKey.String())
	c.Check(report["user"], gc.Equals, "alice")
}
