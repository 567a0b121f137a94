// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// DefaultAPIPath is appended to a BaseURL that has no path of its own.
const DefaultAPIPath = "/api/1/"

// maxBodyBytes caps how much of a reply is read into memory.
const maxBodyBytes = 32 << 20

// RequestIDHeader carries a per-attempt identifier for log correlation.
const RequestIDHeader = "X-Request-ID"

// Config configures a Client.
type Config struct {
	// BaseURL is the backend origin or API root, e.g.
	// "http://127.0.0.1:4242" or "https://host/api/1/".
	BaseURL string

	// Timeout bounds each attempt. Default 30s.
	Timeout time.Duration

	// RateLimit caps outgoing requests per second. Zero disables it.
	RateLimit float64
	RateBurst int

	UserAgent       string
	MaxIdleConns    int
	IdleConnTimeout time.Duration

	// HTTPClient replaces the client built from the fields above. Its
	// Jar is overwritten with the session's cookie jar.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Request is one invocation of an Endpoint.
type Request struct {
	Endpoint Endpoint

	// Params fills the endpoint's {param} placeholders.
	Params map[string]string

	// Query is encoded into the URL's query string.
	Query url.Values

	// Body is JSON-encoded unless it is nil, json.RawMessage or []byte.
	Body any
}

// Client sends Requests to the backend.
type Client struct {
	root      string
	http      *http.Client
	session   *Session
	limiter   *rate.Limiter
	userAgent string
	logger    *slog.Logger
}

// New builds a Client bound to session.
//
// # Inputs
//
//   - cfg: Connection settings. BaseURL is required.
//   - session: Credential holder. Nil creates a fresh one.
//
// # Outputs
//
//   - *Client: Ready for use.
//   - error: Non-nil when BaseURL is not an absolute http(s) URL.
func New(cfg Config, session *Session) (*Client, error) {
	root, err := apiRoot(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if session == nil {
		session = NewSession()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.MaxIdleConns > 0 {
			tr.MaxIdleConns = cfg.MaxIdleConns
			tr.MaxIdleConnsPerHost = cfg.MaxIdleConns
		}
		if cfg.IdleConnTimeout > 0 {
			tr.IdleConnTimeout = cfg.IdleConnTimeout
		}
		hc = &http.Client{Transport: tr, Timeout: timeout}
	} else {
		clone := *hc
		hc = &clone
	}
	hc.Jar = session.cookieJar()

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		root:      root,
		http:      hc,
		session:   session,
		limiter:   limiter,
		userAgent: cfg.UserAgent,
		logger:    logger,
	}, nil
}

func apiRoot(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("transport: base URL %q must be an absolute http(s) URL", base)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = DefaultAPIPath
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Session returns the session this client reads credentials from.
func (c *Client) Session() *Session { return c.session }

// Root returns the resolved API root, always ending in "/".
func (c *Client) Root() string { return c.root }

// URL resolves req into an absolute URL without sending anything.
func (c *Client) URL(req Request) (string, error) {
	path, err := req.Endpoint.Resolve(req.Params)
	if err != nil {
		return "", err
	}
	target := c.root + path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	return target, nil
}

// Send executes req and returns the envelope's result.
//
// # Description
//
// Resolves the URL (failing before any I/O on a missing parameter),
// sends the primary method, and on an HTTP-status failure retries once
// with the endpoint's fallback method when one is declared. If the final
// failure is a 401 the session is cleared and listeners are notified.
//
// # Inputs
//
//   - ctx: Cancels the attempt in flight.
//   - req: Endpoint, parameters and body.
//
// # Outputs
//
//   - json.RawMessage: The unwrapped "result", "null" when absent.
//   - error: Always an *Error.
func (c *Client) Send(ctx context.Context, req Request) (json.RawMessage, error) {
	target, err := c.URL(req)
	if err != nil {
		return nil, err
	}
	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, configErrorf(req.Endpoint.Name(), "encode request body: %v", err)
	}

	result, err := c.attempt(ctx, req.Endpoint, req.Endpoint.Method(), target, body)
	if err != nil {
		var te *Error
		if fb, ok := req.Endpoint.Fallback(); ok && errors.As(err, &te) && te.Kind == KindHTTP {
			c.logger.Warn("primary method rejected, retrying with fallback",
				"endpoint", req.Endpoint.Name(),
				"method", req.Endpoint.Method(),
				"fallback", fb,
				"status", te.Status,
			)
			getMetrics().FallbacksTotal.WithLabelValues(req.Endpoint.Name(), fb).Inc()
			result, err = c.attempt(ctx, req.Endpoint, fb, target, body)
		}
	}

	var te *Error
	if errors.As(err, &te) && te.Unauthorized() {
		getMetrics().UnauthorizedTotal.Inc()
		c.logger.Warn("unauthorized reply, clearing session", "endpoint", req.Endpoint.Name())
		c.session.expire(UnauthorizedEvent{
			Endpoint: req.Endpoint.Name(),
			URL:      te.URL,
			At:       time.Now(),
		})
	}
	return result, err
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	default:
		return json.Marshal(b)
	}
}

// attempt performs one HTTP exchange and normalizes its outcome.
func (c *Client) attempt(ctx context.Context, ep Endpoint, method, target string, body []byte) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "transport.Send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("folio.endpoint", ep.Name()),
			attribute.String("http.request.method", method),
		),
	)
	defer span.End()

	start := time.Now()
	result, err := c.exchange(ctx, ep, method, target, body)

	outcome := "ok"
	var te *Error
	if errors.As(err, &te) {
		outcome = te.Kind.String()
		if te.Status != 0 {
			span.SetAttributes(attribute.Int("http.response.status_code", te.Status))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, te.Message)
	}
	m := getMetrics()
	m.RequestsTotal.WithLabelValues(ep.Name(), method, outcome).Inc()
	m.RequestDuration.WithLabelValues(ep.Name()).Observe(time.Since(start).Seconds())
	return result, err
}

func (c *Client) exchange(ctx context.Context, ep Endpoint, method, target string, body []byte) (json.RawMessage, error) {
	fail := func(kind ErrorKind, status int, respBody []byte, msg string, cause error) *Error {
		return &Error{
			Kind:     kind,
			Endpoint: ep.Name(),
			Method:   method,
			URL:      target,
			Status:   status,
			Body:     respBody,
			Message:  msg,
			Err:      cause,
		}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fail(KindNetwork, 0, nil, "Request was not sent", err)
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fail(KindConfiguration, 0, nil, "Invalid request", err)
	}
	requestID := uuid.NewString()
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(RequestIDHeader, requestID)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	if token := c.session.Token(); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	c.logger.Debug("sending request",
		"endpoint", ep.Name(),
		"method", method,
		"url", target,
		"request_id", requestID,
	)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fail(KindNetwork, 0, nil, "Unable to reach the server", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fail(KindNetwork, resp.StatusCode, nil, "Connection lost while reading the reply", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fail(KindHTTP, resp.StatusCode, data, MessageFor(resp.StatusCode, data), nil)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("null"), nil
	}
	var env struct {
		Result  json.RawMessage `json:"result"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fail(KindMalformedResponse, resp.StatusCode, data, "The server returned an invalid response", err)
	}

	if msg := messageText(env.Message); msg != "" && falsy(env.Result) {
		return nil, fail(KindApplication, resp.StatusCode, data, msg, nil)
	}
	if len(env.Result) == 0 {
		return json.RawMessage("null"), nil
	}
	return env.Result, nil
}

// messageText extracts a non-empty envelope message. Non-string messages
// are rendered as their JSON text.
func messageText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return string(raw)
}

// falsy mirrors the envelope convention: an absent, null, false, zero or
// empty-string result does not count as a payload.
func falsy(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 {
		return true
	}
	switch string(t) {
	case "null", "false", `""`:
		return true
	}
	if f, err := strconv.ParseFloat(string(t), 64); err == nil {
		return f == 0
	}
	return false
}
