// Copyright 2025 Showrunner Media Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package presence runs the viewer-presence poller for one entity. Each
// fetch doubles as the local user's heartbeat, so simply keeping the
// poller running advertises that the entity is open; there is nothing to
// acquire or release, and the server ages entries out on its own TTL.
package presence

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4/catacomb"

	"github.com/showrunner/stagelock/core/lease"
	corepresence "github.com/showrunner/stagelock/core/presence"
)

const (
	defaultInterval       = 30 * time.Second
	defaultRequestTimeout = 10 * time.Second

	// PresenceChangedTopic is the hub topic viewer-list changes are
	// published on.
	PresenceChangedTopic = "stagelock.presence-changed"
)

// errStopped is returned to callers when the poller has started shutdown.
var errStopped = errors.New("presence poller stopped")

// Logger is the logging surface this package needs.
type Logger interface {
	Tracef(string, ...interface{})
	Warningf(string, ...interface{})
}

// Client is the slice of the presence API client the poller drives.
type Client interface {
	Viewers(ctx context.Context, key lease.Key) ([]corepresence.Viewer, error)
}

// Change is published on the hub whenever the set of viewers changes.
type Change struct {
	Key     lease.Key
	Viewers []string
}

// PollerConfig holds a poller's dependencies and tuning.
type PollerConfig struct {
	Clock  clock.Clock
	Client Client
	Logger Logger

	// Key identifies the entity whose viewers are polled.
	Key lease.Key

	// Interval is the poll (and so heartbeat) cadence. It must stay
	// comfortably inside the server's presence TTL. Defaults to 30
	// seconds.
	Interval time.Duration

	// RequestTimeout bounds each fetch. Defaults to 10 seconds.
	RequestTimeout time.Duration

	// Hub, if non-nil, receives a Change on PresenceChangedTopic
	// whenever the viewer set changes.
	Hub *pubsub.SimpleHub
}

// Validate returns an error if the config is not usable.
func (config PollerConfig) Validate() error {
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
	if config.Interval < 0 || config.RequestTimeout < 0 {
		return errors.NotValidf("negative interval")
	}
	return nil
}

// NewPoller starts a presence poller for the configured key.
func NewPoller(config PollerConfig) (*Poller, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Interval == 0 {
		config.Interval = defaultInterval
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	p := &Poller{
		config:  config,
		queries: make(chan chan []corepresence.Viewer),
		fetched: make(chan fetchResult),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &p.catacomb,
		Work: p.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return p, nil
}

// Poller is a worker maintaining the viewer list for one entity.
type Poller struct {
	catacomb catacomb.Catacomb
	config   PollerConfig

	queries chan chan []corepresence.Viewer
	fetched chan fetchResult
}

type fetchResult struct {
	viewers []corepresence.Viewer
	err     error
}

// Kill is part of the worker.Worker interface.
func (p *Poller) Kill() {
	p.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (p *Poller) Wait() error {
	return p.catacomb.Wait()
}

// Viewers returns the most recently fetched viewer list. An entity nobody
// is viewing yields an empty list.
func (p *Poller) Viewers() ([]corepresence.Viewer, error) {
	resp := make(chan []corepresence.Viewer, 1)
	select {
	case <-p.catacomb.Dying():
		return nil, errStopped
	case p.queries <- resp:
	}
	select {
	case <-p.catacomb.Dying():
		return nil, errStopped
	case viewers := <-resp:
		return viewers, nil
	}
}

func (p *Poller) loop() error {
	var (
		viewers []corepresence.Viewer
		lastIDs []string
	)

	publish := func() {
		ids := corepresence.UserIDs(viewers)
		if equalIDs(ids, lastIDs) {
			return
		}
		lastIDs = ids
		if p.config.Hub != nil {
			_ = p.config.Hub.Publish(PresenceChangedTopic, Change{Key: p.config.Key, Viewers: ids})
		}
	}

	go p.fetch()

	timer := p.config.Clock.NewTimer(p.config.Interval)
	defer timer.Stop()

	for {
		select {
		case <-p.catacomb.Dying():
			return p.catacomb.ErrDying()

		case <-timer.Chan():
			timer.Reset(p.config.Interval)
			go p.fetch()

		case res := <-p.fetched:
			if res.err != nil {
				// Transient by construction; the next tick retries and
				// the stale list stands until then.
				p.config.Logger.Warningf("presence poll for %s failed: %v", p.config.Key, res.err)
				break
			}
			viewers = res.viewers
			publish()

		case resp := <-p.queries:
			resp <- viewers
		}
	}
}

func (p *Poller) fetch() {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.RequestTimeout)
	defer cancel()
	go func() {
		select {
		case <-p.catacomb.Dying():
			cancel()
		case <-ctx.Done():
		}
	}()
	viewers, err := p.config.Client.Viewers(ctx, p.config.Key)
	select {
	case p.fetched <- fetchResult{viewers: viewers, err: err}:
	case <-p.catacomb.Dying():
	}
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
