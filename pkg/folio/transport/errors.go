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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies a transport failure.
type ErrorKind int

const (
	KindConfiguration ErrorKind = iota + 1
	KindNetwork
	KindMalformedResponse
	KindHTTP
	KindApplication
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindNetwork:
		return "network"
	case KindMalformedResponse:
		return "malformed_response"
	case KindHTTP:
		return "http"
	case KindApplication:
		return "application"
	default:
		return "unknown"
	}
}

// ErrUnauthorized matches, via errors.Is, any *Error carrying HTTP 401.
var ErrUnauthorized = errors.New("unauthorized")

// FallbackMessage is used when neither the server nor the status code
// provides anything more specific.
const FallbackMessage = "An unknown error occurred"

// Error is the single error type returned by Client.Send.
type Error struct {
	Kind     ErrorKind
	Endpoint string
	Method   string
	URL      string

	// Status is the HTTP status for KindHTTP, KindApplication and
	// KindMalformedResponse. Zero otherwise.
	Status int

	// Body is the raw reply for KindHTTP and KindMalformedResponse.
	Body []byte

	// Message is human-readable and always set.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Endpoint != "" {
		b.WriteString(" error on ")
		b.WriteString(e.Endpoint)
	} else {
		b.WriteString(" error")
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil && e.Err.Error() != e.Message {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrUnauthorized) match 401 replies.
func (e *Error) Is(target error) bool {
	return target == ErrUnauthorized && e.Unauthorized()
}

// Unauthorized reports whether the server answered 401.
func (e *Error) Unauthorized() bool {
	return e.Kind == KindHTTP && e.Status == http.StatusUnauthorized
}

func configErrorf(endpoint, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Kind: KindConfiguration, Endpoint: endpoint, Message: msg}
}

// statusMessages are generic texts for status codes whose replies carry
// no message of their own.
var statusMessages = map[int]string{
	http.StatusBadRequest:          "Bad request",
	http.StatusUnauthorized:        "Unauthorized. Please log in again.",
	http.StatusForbidden:           "You don't have permission to perform this action.",
	http.StatusNotFound:            "Resource not found.",
	http.StatusMethodNotAllowed:    "Method not allowed.",
	http.StatusConflict:            "The request conflicts with the current state.",
	http.StatusTooManyRequests:     "Too many requests. Please slow down.",
	http.StatusInternalServerError: "Server error. Please try again later.",
	http.StatusBadGateway:          "Bad gateway. Please try again later.",
	http.StatusServiceUnavailable:  "Service unavailable. Please try again later.",
	http.StatusGatewayTimeout:      "Gateway timeout. Please try again later.",
}

// MessageFor derives the human-readable text for a failed reply.
//
// Priority: a non-empty "message" (then "error") string in a JSON object
// body, then the status-keyed generic text, then FallbackMessage.
func MessageFor(status int, body []byte) string {
	if msg := serverMessage(body); msg != "" {
		return msg
	}
	if msg, ok := statusMessages[status]; ok {
		return msg
	}
	if status != 0 {
		return fmt.Sprintf("Error %d: Request failed.", status)
	}
	return FallbackMessage
}

func serverMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var fields struct {
		Message json.RawMessage `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &fields); err != nil {
		return ""
	}
	for _, raw := range []json.RawMessage{fields.Message, fields.Error} {
		var s string
		if len(raw) > 0 && json.Unmarshal(raw, &s) == nil && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
