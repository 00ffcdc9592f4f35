// Copyright 2025 Showrunner Media Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package presence is the REST client for the lock service's /presence
// endpoint family. Reading the viewer list is also the heartbeat: the
// server records the requesting user as a viewer of the entity as a side
// effect of serving the request, and expires stale entries on its own
// short TTL. The client never acquires or releases anything.
package presence

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/juju/errors"

	"github.com/showrunner/stagelock/api/locks"
	"github.com/showrunner/stagelock/core/lease"
	"github.com/showrunner/stagelock/core/presence"
)

// Config holds everything a presence client needs to know.
type Config struct {
	// URL is the base URL of the lock service, including the version
	// prefix.
	URL string

	// Viewer identifies the local user; the server records them as
	// viewing whatever entity they fetch viewers for.
	Viewer string

	// Transport makes the requests. Leave nil to use http.DefaultClient.
	Transport locks.Transport

	// Headers are added to every request.
	Headers http.Header

	Logger locks.Logger
}

// Validate returns an error if the config is not usable.
func (config Config) Validate() error {
	if config.URL == "" {
		return errors.NotValidf("empty URL")
	}
	if err := lease.ValidateString(config.Viewer); err != nil {
		return errors.Annotatef(err, "invalid viewer")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Client talks to the /presence endpoints.
type Client struct {
	base   *url.URL
	viewer string
	rest   locks.RESTClient
}

// NewClient returns a presence client for the configured service.
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
		viewer: config.Viewer,
		rest:   locks.NewHTTPRESTClient(locks.NewAPIRequester(transport, config.Logger), config.Headers),
	}, nil
}

// viewersResponse is the wire shape of the viewer list.
type viewersResponse struct {
	Viewers []presence.Viewer `json:"viewers"`
}

// Viewers fetches the current viewers of the entity. An entity nobody is
// viewing yields an empty list, not an error. The fetch itself records the
// configured viewer's presence server-side.
func (c *Client) Viewers(ctx context.Context, key lease.Key) ([]presence.Viewer, error) {
	if err := key.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/presence/" + key.EntityType + "/" + key.EntityID
	u.RawQuery = url.Values{"user_id": []string{c.viewer}}.Encode()

	var result viewersResponse
	if _, err := c.rest.Get(ctx, &u, &result); err != nil {
		return nil, errors.Annotatef(err, "fetching viewers of %s", key)
	}
	return result.Viewers, nil
}
