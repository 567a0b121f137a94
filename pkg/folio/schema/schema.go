// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package schema checks raw JSON payloads against Go types before they
// are handed to callers.
//
// # Description
//
// A Schema[T] validates in three passes and reports every problem it
// finds rather than stopping at the first:
//
//  1. Structure: the decoded JSON is walked against T. Missing required
//     fields, wrong primitive types, non-integers for integer fields and
//     wrong container shapes all become Violations with a path such as
//     "entries[2].amount".
//  2. Decode: the payload is unmarshaled into T.
//  3. Rules: `validate:"..."` struct tags are checked with
//     go-playground/validator (enum membership via oneof, bounds,
//     formats). Slices of structs need a `dive` tag to be descended.
//
// # Field Presence
//
// A struct field is required unless its type is a pointer or its json
// tag carries omitempty. Optional fields that are missing or null keep
// their zero value. Unknown object members are ignored. Fields typed
// json.RawMessage or interface{} accept any JSON value.
//
// Nothing is coerced: "1" never satisfies an integer field.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianFolio/pkg/validation"
)

// Violation is one failed check.
type Violation struct {
	// Path locates the value, e.g. "entries[2].amount". Empty is the root.
	Path string `json:"path"`

	// Expected describes what the schema wanted.
	Expected string `json:"expected"`

	// Actual describes what the payload held.
	Actual string `json:"actual"`

	// Rule is "type", "required", "decode" or a validator tag.
	Rule string `json:"rule"`
}

func (v Violation) String() string {
	path := v.Path
	if path == "" {
		path = "<root>"
	}
	return fmt.Sprintf("%s: expected %s, got %s", path, v.Expected, v.Actual)
}

// ValidationError lists every violation found in one payload.
type ValidationError struct {
	Schema     string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("%s failed validation with %d violation(s): %s",
		e.Schema, len(e.Violations), strings.Join(parts, "; "))
}

// Paths returns the violated paths in report order.
func (e *ValidationError) Paths() []string {
	out := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		out[i] = v.Path
	}
	return out
}

// Schema validates payloads for T.
type Schema[T any] struct {
	name     string
	rootRule string
	typ      reflect.Type
}

// Option customizes a Schema.
type Option func(*options)

type options struct {
	name     string
	rootRule string
}

// WithName overrides the name used in error messages.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithRootRule applies a validator tag to the whole value, e.g.
// "dive,required" to reject empty strings in a []string payload.
func WithRootRule(rule string) Option {
	return func(o *options) { o.rootRule = rule }
}

// For builds the Schema for T.
func For[T any](opts ...Option) *Schema[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if o.name == "" {
		o.name = typ.String()
	}
	return &Schema[T]{name: o.name, rootRule: o.rootRule, typ: typ}
}

// Name returns the schema's display name.
func (s *Schema[T]) Name() string { return s.name }

// Validate decodes raw into T after checking structure and rules.
//
// # Outputs
//
//   - T: The decoded value. Zero on failure.
//   - error: *ValidationError listing every violation.
func (s *Schema[T]) Validate(raw json.RawMessage) (T, error) {
	var zero T

	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("null")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return zero, s.fail(Violation{Expected: "valid JSON", Actual: err.Error(), Rule: "decode"})
	}

	var w walker
	w.check(generic, s.typ, "", false)
	if len(w.violations) > 0 {
		return zero, &ValidationError{Schema: s.name, Violations: w.violations}
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, s.fail(Violation{Expected: describeType(s.typ), Actual: err.Error(), Rule: "decode"})
	}

	if violations := s.rules(out); len(violations) > 0 {
		return zero, &ValidationError{Schema: s.name, Violations: violations}
	}
	return out, nil
}

func (s *Schema[T]) fail(v Violation) *ValidationError {
	return &ValidationError{Schema: s.name, Violations: []Violation{v}}
}

// rules runs validator tags over the decoded value.
func (s *Schema[T]) rules(out T) []Violation {
	v := getValidator()
	var violations []Violation

	if s.rootRule != "" {
		violations = append(violations, fieldErrors(v.Var(out, s.rootRule), "")...)
	}

	base := s.typ
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	switch base.Kind() {
	case reflect.Struct:
		rv := reflect.ValueOf(out)
		if rv.Kind() == reflect.Pointer && rv.IsNil() {
			break
		}
		violations = append(violations, fieldErrors(v.Struct(out), base.Name())...)
	case reflect.Slice, reflect.Array, reflect.Map:
		if hasStructElem(base) && s.rootRule == "" {
			violations = append(violations, fieldErrors(v.Var(out, "dive"), "")...)
		}
	}
	return violations
}

func hasStructElem(t reflect.Type) bool {
	e := t.Elem()
	for e.Kind() == reflect.Pointer {
		e = e.Elem()
	}
	return e.Kind() == reflect.Struct
}

// fieldErrors converts validator output into Violations.
func fieldErrors(err error, rootName string) []Violation {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []Violation{{Expected: "valid value", Actual: err.Error(), Rule: "validate"}}
	}
	out := make([]Violation, 0, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if rootName != "" {
			path = strings.TrimPrefix(path, rootName+".")
		}
		path = strings.TrimPrefix(path, ".")
		expected := fe.Tag()
		if fe.Param() != "" {
			expected += "=" + fe.Param()
		}
		out = append(out, Violation{
			Path:     path,
			Expected: expected,
			Actual:   fmt.Sprintf("%v", fe.Value()),
			Rule:     fe.Tag(),
		})
	}
	return out
}

// =============================================================================
// Shared validator
// =============================================================================

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// getValidator returns the process-wide validator, reporting json field
// names in error namespaces.
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			switch name {
			case "-":
				return ""
			case "":
				return fld.Name
			}
			return name
		})
		_ = validate.RegisterValidation("asset", validateAsset)
	})
	return validate
}

func validateAsset(fl validator.FieldLevel) bool {
	return validation.IsAsset(fl.Field().String())
}

// Struct runs the validator tags of v, which must be a struct or a
// pointer to one. Used for request bodies before they are sent.
func Struct(v any) error {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return fmt.Errorf("schema: Struct needs a struct, got %T", v)
	}
	if violations := fieldErrors(getValidator().Struct(v), t.Name()); len(violations) > 0 {
		return &ValidationError{Schema: t.String(), Violations: violations}
	}
	return nil
}
