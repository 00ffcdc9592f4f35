// Copyright 2025 Showrunner Media Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package locks

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/httprequest.v1"
	"gopkg.in/retry.v1"

	"github.com/showrunner/stagelock/core/lease"
)

const jsonContentType = "application/json"

// Logger is the logging surface this package needs.
type Logger interface {
	IsTraceEnabled() bool
	Tracef(string, ...interface{})
	Errorf(string, ...interface{})
}

// Transport makes the actual request. *http.Client satisfies it.
type Transport interface {
	Do(*http.Request) (*http.Response, error)
}

// APIRequester wraps a transport to fold transport failures and HTTP
// server errors into the lease error taxonomy, and to dump traffic at
// trace level.
type APIRequester struct {
	transport Transport
	logger    Logger
}

// NewAPIRequester creates a requester wrapping the supplied transport.
func NewAPIRequester(transport Transport, logger Logger) *APIRequester {
	return &APIRequester{
		transport: transport,
		logger:    logger,
	}
}

// Do performs the *http.Request and returns a *http.Response. Responses
// carrying classified rejections (conflict, not-holder, unauthorized) are
// returned as-is for the caller to decode; 5xx responses become errors.
func (t *APIRequester) Do(req *http.Request) (*http.Response, error) {
	if t.logger.IsTraceEnabled() {
		if data, err := httputil.DumpRequest(req, true); err == nil {
			t.logger.Tracef("%s request %s", req.Method, data)
		}
	}

	resp, err := t.transport.Do(req)
	if err != nil {
		if isTimeout(req.Context(), err) {
			return nil, errors.Wrap(err, lease.ErrTimeout)
		}
		return nil, errors.Trace(err)
	}

	if t.logger.IsTraceEnabled() {
		if data, err := httputil.DumpResponse(resp, true); err == nil {
			t.logger.Tracef("%s response %s", req.Method, data)
		}
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()
		return nil, errors.Errorf("server error %q", req.URL.String())
	}
	return resp, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if ctx.Err() == context.DeadlineExceeded {
		return true
	}
	if netErr, ok := errors.Cause(err).(net.Error); ok {
		return netErr.Timeout()
	}
	return false
}

// RESTResponse abstracts away the underlying response from the
// implementation.
type RESTResponse struct {
	StatusCode int
}

// RESTClient defines a type for making requests to a server.
type RESTClient interface {
	// Get performs a GET request against the given URL, decoding the JSON
	// response into result.
	Get(context.Context, *url.URL, interface{}) (RESTResponse, error)
	// Post performs a POST request against the given URL with a JSON body,
	// decoding the JSON response into result.
	Post(context.Context, *url.URL, interface{}, interface{}) (RESTResponse, error)
}

// HTTPRESTClient is a RESTClient over an HTTP transport.
type HTTPRESTClient struct {
	transport Transport
	headers   http.Header
}

// NewHTTPRESTClient creates a new HTTPRESTClient. The supplied headers are
// added to every request; the enclosing application injects its auth
// headers here.
func NewHTTPRESTClient(transport Transport, headers http.Header) *HTTPRESTClient {
	return &HTTPRESTClient{
		transport: transport,
		headers:   headers,
	}
}

// Get makes a GET request to the given URL, parsing the result as JSON
// into the given result value, which should be a pointer to the expected
// data, but may be nil if no result is desired.
func (c *HTTPRESTClient) Get(ctx context.Context, u *url.URL, result interface{}) (RESTResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return RESTResponse{}, errors.Annotate(err, "can not make new request")
	}
	req.Header = c.composeHeaders()

	resp, err := c.transport.Do(req)
	if err != nil {
		return RESTResponse{}, errors.Trace(err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Absence is an answer for lookups; callers read it off the status.
	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return RESTResponse{StatusCode: resp.StatusCode}, nil
	}

	if err := decodeResponse(resp, result); err != nil {
		return RESTResponse{StatusCode: resp.StatusCode}, errors.Trace(err)
	}
	return RESTResponse{StatusCode: resp.StatusCode}, nil
}

// Post makes a POST request to the given URL, sending body as JSON and
// parsing the result as JSON into the given result value, which may be
// nil if no result is desired.
func (c *HTTPRESTClient) Post(ctx context.Context, u *url.URL, body, result interface{}) (RESTResponse, error) {
	buffer := new(bytes.Buffer)
	if err := json.NewEncoder(buffer).Encode(body); err != nil {
		return RESTResponse{}, errors.Trace(err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), buffer)
	if err != nil {
		return RESTResponse{}, errors.Annotate(err, "can not make new request")
	}
	req.Header = c.composeHeaders()

	resp, err := c.transport.Do(req)
	if err != nil {
		return RESTResponse{}, errors.Trace(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := decodeResponse(resp, result); err != nil {
		return RESTResponse{StatusCode: resp.StatusCode}, errors.Trace(err)
	}
	return RESTResponse{StatusCode: resp.StatusCode}, nil
}

// composeHeaders merges the client's standing headers with the content
// headers every request carries.
func (c *HTTPRESTClient) composeHeaders() http.Header {
	result := make(http.Header)
	result.Set("Accept", jsonContentType)
	result.Set("Content-Type", jsonContentType)
	for k, vs := range c.headers {
		for _, v := range vs {
			result.Add(k, v)
		}
	}
	return result
}

// decodeResponse maps classified rejection statuses onto the lease error
// taxonomy, and otherwise decodes the JSON body into result. A 404 is an
// error here; Get treats it as an answer before decoding, so only mutating
// requests reach this case.
func decodeResponse(resp *http.Response, result interface{}) error {
	switch resp.StatusCode {
	case http.StatusBadRequest:
		return errors.Annotate(decodeErrorResponse(resp), "bad request")
	case http.StatusConflict:
		return errors.Wrap(decodeErrorResponse(resp), lease.ErrConflict)
	case http.StatusPreconditionFailed:
		return errors.Wrap(decodeErrorResponse(resp), lease.ErrNotHolder)
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.Wrap(decodeErrorResponse(resp), lease.ErrUnauthorized)
	case http.StatusNotFound:
		return errors.Annotate(decodeErrorResponse(resp), "not found")
	}
	if result == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := httprequest.UnmarshalJSONResponse(resp, result); err != nil {
		return errors.Annotate(err, "lock service response")
	}
	return nil
}

// decodeErrorResponse pulls the server's error body out for annotation
// purposes; the taxonomy error wrapping it is what callers match on.
func decodeErrorResponse(resp *http.Response) error {
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Message == "" {
		return errors.Errorf("lock service refused request")
	}
	return errors.New(body.Message)
}

// RetryingTransport decorates a Transport with a bounded exponential
// backoff for idempotent GET requests. The base lock and presence clients
// are deliberately retry-free; this is the retry policy callers may layer
// on top for their poll reads. Non-GET requests pass straight through.
type RetryingTransport struct {
	transport Transport
	clock     clock.Clock
	strategy  retry.Strategy
}

// NewRetryingTransport wraps the supplied transport. Three attempts
// starting at 100ms and backing off 2x keeps the whole sequence well
// inside a 30s poll interval.
func NewRetryingTransport(transport Transport, clk clock.Clock) *RetryingTransport {
	return &RetryingTransport{
		transport: transport,
		clock:     clk,
		strategy: retry.LimitCount(3, retry.Exponential{
			Initial: 100 * time.Millisecond,
			Factor:  2,
		}),
	}
}

// Do implements Transport.
func (t *RetryingTransport) Do(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return t.transport.Do(req)
	}
	var (
		resp *http.Response
		err  error
	)
	for a := retry.StartWithCancel(t.strategy, t.clock, req.Context().Done()); a.Next(); {
		resp, err = t.transport.Do(req)
		if err == nil && resp.StatusCode < http.StatusInternalServerError {
			return resp, nil
		}
		if !a.More() {
			break
		}
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	if resp == nil {
		// The request context was cancelled before any attempt ran.
		return nil, errors.Annotate(req.Context().Err(), "request aborted")
	}
	return resp, nil
}
