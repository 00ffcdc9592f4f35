// Copyright 2025 Showrunner Media Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package locks is the REST client for the lock service's /locks endpoint
// family. The operations are single request/response wrappers with no
// retry logic of their own; retries are a policy layered on top, either by
// the caller's polling cadence or by RetryingTransport.
package locks

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/showrunner/stagelock/core/lease"
)

// Config holds everything a lock client needs to know.
type Config struct {
	// URL is the base URL of the lock service, including the version
	// prefix, e.g. "https://api.example.com/v1".
	URL string

	// Holder identifies the local user on whose behalf acquire, extend
	// and release are issued.
	Holder string

	// Transport makes the requests. Leave nil to use http.DefaultClient;
	// wrap with NewAPIRequester and/or NewRetryingTransport as required.
	Transport Transport

	// Headers are added to every request (auth tokens and the like).
	Headers http.Header

	Logger Logger
}

// Validate returns an error if the config is not usable.
func (config Config) Validate() error {
	if config.URL == "" {
		return errors.NotValidf("empty URL")
	}
	if err := lease.ValidateString(config.Holder); err != nil {
		return errors.Annotatef(err, "invalid holder")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Client talks to the /locks endpoints.
type Client struct {
	base   *url.URL
	holder string
	rest   RESTClient
	logger Logger
}

// NewClient returns a lock client for the configured service.
func NewClient(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	base, err := url.Parse(config.URL)
	if err != nil {
		return nil, errors.Annotate(err, "parsing lock service URL")
	}
	transport := config.Transport
	if transport == nil {
		transport = http.DefaultClient
	}
	return &Client{
		base:   base,
		holder: config.Holder,
		rest:   NewHTTPRESTClient(NewAPIRequester(transport, config.Logger), config.Headers),
		logger: config.Logger,
	}, nil
}

// Acquire claims an exclusive lease on the key for the configured holder.
// It fails with ErrConflict if an active lease exists for another holder,
// and succeeds (re-acquiring) if the holder already has it.
func (c *Client) Acquire(ctx context.Context, key lease.Key, duration time.Duration) (lease.Lease, error) {
	if err := key.Validate(); err != nil {
		return lease.Lease{}, errors.Trace(err)
	}
	request := lease.Request{Holder: c.holder, Duration: duration}
	if err := request.Validate(); err != nil {
		return lease.Lease{}, errors.Trace(err)
	}
	var result lease.Lease
	_, err := c.rest.Post(ctx, c.endpoint(key, "acquire"), acquireRequest{
		Holder:          request.Holder,
		DurationSeconds: int64(request.Duration.Seconds()),
		LockType:        lease.Exclusive,
	}, &result)
	if err != nil {
		return lease.Lease{}, errors.Annotatef(err, "acquiring lease on %s", key)
	}
	return result, nil
}

// Extend pushes the holder's active lease expiry forward. It fails with
// ErrNotHolder if the holder does not currently hold the active lease,
// for instance because it lapsed and someone else acquired it.
func (c *Client) Extend(ctx context.Context, key lease.Key) (lease.Lease, error) {
	if err := key.Validate(); err != nil {
		return lease.Lease{}, errors.Trace(err)
	}
	var result lease.Lease
	_, err := c.rest.Post(ctx, c.endpoint(key, "extend"), holderRequest{Holder: c.holder}, &result)
	if err != nil {
		return lease.Lease{}, errors.Annotatef(err, "extending lease on %s", key)
	}
	return result, nil
}

// Release releases the holder's lease on the key if there is one. It is
// idempotent: releasing when nothing is held returns false with no error,
// so teardown paths can call it without checking state first.
func (c *Client) Release(ctx context.Context, key lease.Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, errors.Trace(err)
	}
	var result releaseResponse
	_, err := c.rest.Post(ctx, c.endpoint(key, "release"), holderRequest{Holder: c.holder}, &result)
	if err != nil {
		return false, errors.Annotatef(err, "releasing lease on %s", key)
	}
	return result.Released, nil
}

// Current fetches the lease record for the key, or nil if none exists.
func (c *Client) Current(ctx context.Context, key lease.Key) (*lease.Lease, error) {
	if err := key.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	var result lease.Lease
	resp, err := c.rest.Get(ctx, c.endpoint(key, ""), &result)
	if err != nil {
		return nil, errors.Annotatef(err, "fetching lease on %s", key)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	return &result, nil
}

func (c *Client) endpoint(key lease.Key, op string) *url.URL {
	u := *c.base
	u.Path = joinPath(u.Path, "locks", key.EntityType, key.EntityID)
	if op != "" {
		u.Path = joinPath(u.Path, op)
	}
	return &u
}

func joinPath(base string, elems ...string) string {
	path := strings.TrimSuffix(base, "/")
	for _, e := range elems {
		path += "/" + e
	}
	return path
}
