// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/AleutianAI/AleutianFolio/pkg/folio/schema"
	"github.com/AleutianAI/AleutianFolio/pkg/folio/transport"
)

// ErrorKind discriminates query and mutation failures.
type ErrorKind string

const (
	KindConfiguration     ErrorKind = "configuration"
	KindNetwork           ErrorKind = "network"
	KindMalformedResponse ErrorKind = "malformed_response"
	KindHTTP              ErrorKind = "http"
	KindApplication       ErrorKind = "application"
	KindValidation        ErrorKind = "validation"
)

// Op names the orchestrator operation that failed.
type Op string

const (
	OpQuery    Op = "query"
	OpMutation Op = "mutation"
)

// Error is the error returned by queries and mutations.
type Error struct {
	Op       Op
	Kind     ErrorKind
	Endpoint string

	// Status is the HTTP status when one was received.
	Status int

	// Message is human-readable and always set.
	Message string

	// Violations is set for KindValidation.
	Violations []schema.Violation

	Err error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: %s (status %d): %s", e.Op, e.Endpoint, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s %s: %s: %s", e.Op, e.Endpoint, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Unauthorized reports whether the backend answered 401.
func (e *Error) Unauthorized() bool {
	return e.Kind == KindHTTP && e.Status == http.StatusUnauthorized
}

// Retryable reports whether repeating the call could succeed without a
// code change.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork:
		return true
	case KindHTTP:
		return e.Status == http.StatusTooManyRequests || e.Status >= 500
	}
	return false
}

// wrap converts transport and schema failures into *Error. Other errors,
// such as context cancellation, are returned unchanged.
func wrap(op Op, endpoint string, err error) error {
	if err == nil {
		return nil
	}
	var qe *Error
	if errors.As(err, &qe) {
		return err
	}

	var te *transport.Error
	if errors.As(err, &te) {
		return &Error{
			Op:       op,
			Kind:     kindOf(te.Kind),
			Endpoint: endpoint,
			Status:   te.Status,
			Message:  te.Message,
			Err:      err,
		}
	}

	var ve *schema.ValidationError
	if errors.As(err, &ve) {
		return &Error{
			Op:         op,
			Kind:       KindValidation,
			Endpoint:   endpoint,
			Message:    "The server response did not match the expected format",
			Violations: ve.Violations,
			Err:        err,
		}
	}
	return err
}

func kindOf(k transport.ErrorKind) ErrorKind {
	switch k {
	case transport.KindConfiguration:
		return KindConfiguration
	case transport.KindNetwork:
		return KindNetwork
	case transport.KindMalformedResponse:
		return KindMalformedResponse
	case transport.KindHTTP:
		return KindHTTP
	case transport.KindApplication:
		return KindApplication
	}
	return ErrorKind(k.String())
}

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var qe *Error
	ok := errors.As(err, &qe)
	return qe, ok
}
