// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport executes single requests against the portfolio backend.
//
// # Description
//
// A Client resolves an Endpoint's URL template, attaches the Session's
// credentials, sends the request and normalizes the reply. Every backend
// reply is an envelope:
//
//	{"result": <payload or null>, "message": "optional"}
//
// Send returns the unwrapped result on success. Every failure is an
// *Error whose Kind tells the caller what happened:
//
//	KindConfiguration      bad endpoint or missing path parameter, nothing sent
//	KindNetwork            the request never completed
//	KindMalformedResponse  2xx with a body that is not a JSON envelope
//	KindHTTP               non-2xx status, Body holds the raw reply
//	KindApplication        2xx with a message and a falsy result
//
// # Method Fallback
//
// Endpoints built with WithFallback are retried exactly once with the
// fallback method when the primary attempt ends in KindHTTP. Network
// failures are never retried.
//
// # Unauthorized
//
// When the final outcome of Send is HTTP 401 the Session is cleared and
// its Unauthorized listeners are notified.
//
// # Thread Safety
//
// Client and Session are safe for concurrent use.
package transport

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Kind separates idempotent reads from writes.
type Kind int

const (
	// KindQuery marks a read whose result may be cached.
	KindQuery Kind = iota

	// KindMutation marks a write.
	KindMutation
)

func (k Kind) String() string {
	if k == KindMutation {
		return "mutation"
	}
	return "query"
}

// Endpoint describes one remote operation. Endpoints are immutable.
type Endpoint struct {
	name     string
	method   string
	template string
	parts    []templatePart
	params   []string
	kind     Kind
	fallback string
}

// templatePart is either a literal path fragment or a {param} reference.
type templatePart struct {
	literal string
	param   string
}

// EndpointOption customizes an Endpoint at construction.
type EndpointOption func(*Endpoint)

// WithFallback declares a second HTTP method tried once when the
// primary method is answered with a non-2xx status.
func WithFallback(method string) EndpointOption {
	return func(e *Endpoint) {
		e.fallback = strings.ToUpper(method)
	}
}

var allowedMethods = map[string]struct{}{
	http.MethodGet:    {},
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

// NewEndpoint validates and builds an Endpoint.
//
// # Inputs
//
//   - name: Stable identifier used in logs, metrics and cache keys.
//   - method: GET, POST, PUT, PATCH or DELETE.
//   - template: Path relative to the API root, e.g. "users/{username}".
//   - kind: KindQuery or KindMutation.
//
// # Outputs
//
//   - Endpoint: The parsed descriptor.
//   - error: *Error of KindConfiguration for an empty name, unknown
//     method, unbalanced braces or empty parameter names.
func NewEndpoint(name, method, template string, kind Kind, opts ...EndpointOption) (Endpoint, error) {
	e := Endpoint{
		name:     name,
		method:   strings.ToUpper(method),
		template: strings.TrimPrefix(template, "/"),
		kind:     kind,
	}
	for _, opt := range opts {
		opt(&e)
	}

	if name == "" {
		return Endpoint{}, configErrorf(name, "endpoint name is empty")
	}
	if _, ok := allowedMethods[e.method]; !ok {
		return Endpoint{}, configErrorf(name, "unsupported method %q", method)
	}
	if e.fallback != "" {
		if _, ok := allowedMethods[e.fallback]; !ok || e.fallback == e.method {
			return Endpoint{}, configErrorf(name, "invalid fallback method %q", e.fallback)
		}
	}

	parts, params, err := parseTemplate(e.template)
	if err != nil {
		return Endpoint{}, configErrorf(name, "%v", err)
	}
	e.parts = parts
	e.params = params
	return e, nil
}

// MustEndpoint is NewEndpoint for package-level declarations. It panics
// on an invalid descriptor.
func MustEndpoint(name, method, template string, kind Kind, opts ...EndpointOption) Endpoint {
	e, err := NewEndpoint(name, method, template, kind, opts...)
	if err != nil {
		panic(err)
	}
	return e
}

func parseTemplate(template string) ([]templatePart, []string, error) {
	var parts []templatePart
	var params []string
	rest := template
	for rest != "" {
		open := strings.IndexByte(rest, '{')
		closing := strings.IndexByte(rest, '}')
		if open < 0 {
			if closing >= 0 {
				return nil, nil, fmt.Errorf("unbalanced '}' in template %q", template)
			}
			parts = append(parts, templatePart{literal: rest})
			break
		}
		if closing >= 0 && closing < open {
			return nil, nil, fmt.Errorf("unbalanced '}' in template %q", template)
		}
		if open > 0 {
			parts = append(parts, templatePart{literal: rest[:open]})
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return nil, nil, fmt.Errorf("unterminated parameter in template %q", template)
		}
		name := rest[open+1 : open+end]
		if name == "" || strings.ContainsAny(name, "{/") {
			return nil, nil, fmt.Errorf("invalid parameter name %q in template %q", name, template)
		}
		parts = append(parts, templatePart{param: name})
		params = append(params, name)
		rest = rest[open+end+1:]
	}
	return parts, params, nil
}

func (e Endpoint) Name() string     { return e.name }
func (e Endpoint) Method() string   { return e.method }
func (e Endpoint) Template() string { return e.template }
func (e Endpoint) Kind() Kind       { return e.kind }

// Params lists the path parameters in template order.
func (e Endpoint) Params() []string {
	out := make([]string, len(e.params))
	copy(out, e.params)
	return out
}

// Fallback returns the declared fallback method, if any.
func (e Endpoint) Fallback() (string, bool) {
	return e.fallback, e.fallback != ""
}

// Resolve substitutes path parameters into the template.
//
// Values are path-escaped. A parameter that is absent or empty yields an
// *Error of KindConfiguration naming every missing parameter.
func (e Endpoint) Resolve(params map[string]string) (string, error) {
	if e.name == "" {
		return "", configErrorf("", "endpoint is not initialized")
	}
	var missing []string
	var b strings.Builder
	for _, p := range e.parts {
		if p.param == "" {
			b.WriteString(p.literal)
			continue
		}
		v := params[p.param]
		if v == "" {
			missing = append(missing, p.param)
			continue
		}
		b.WriteString(url.PathEscape(v))
	}
	if len(missing) > 0 {
		return "", configErrorf(e.name, "missing path parameter(s): %s", strings.Join(missing, ", "))
	}
	return b.String(), nil
}

func (e Endpoint) String() string {
	return e.method + " " + e.template
}
