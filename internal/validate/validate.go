// SPDX-License-Identifier: MIT

// Package validate provides configuration validation utilities for streamrec.
package validate

import (
	"cmp"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Error is a single failed rule.
type Error struct {
	Field   string
	Value   any
	Message string
}

func (e Error) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// ValidationError bundles every failed rule of one validation pass.
type ValidationError struct {
	errors []Error
}

// Errors returns the individual failures.
func (e ValidationError) Errors() []Error { return e.errors }

func (e ValidationError) Error() string {
	msgs := make([]string, len(e.errors))
	for i, err := range e.errors {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validator accumulates failures so a config reports all problems at once.
type Validator struct {
	errors []Error
}

// New returns an empty Validator.
func New() *Validator { return &Validator{} }

// AddError records a failure for field.
func (v *Validator) AddError(field, message string, value any) {
	v.errors = append(v.errors, Error{Field: field, Value: value, Message: message})
}

// IsValid reports whether no rule has failed.
func (v *Validator) IsValid() bool { return len(v.errors) == 0 }

// Errors returns the failures recorded so far.
func (v *Validator) Errors() []Error { return v.errors }

// Err returns a ValidationError holding a snapshot of the failures, or nil.
func (v *Validator) Err() error {
	if v.IsValid() {
		return nil
	}
	return ValidationError{errors: slices.Clone(v.errors)}
}

func (v *Validator) check(ok bool, field string, value any, format string, args ...any) {
	if !ok {
		v.AddError(field, fmt.Sprintf(format, args...), value)
	}
}

// URL requires an absolute URL with a host and, when given, one of schemes.
func (v *Validator) URL(field, value string, schemes []string) {
	if value == "" {
		v.AddError(field, "URL cannot be empty", value)
		return
	}
	u, err := url.Parse(value)
	switch {
	case err != nil:
		v.AddError(field, fmt.Sprintf("invalid URL: %v", err), value)
	case u.Host == "":
		v.AddError(field, "URL must have a host", value)
	case len(schemes) > 0 && !slices.ContainsFunc(schemes, func(s string) bool { return strings.EqualFold(s, u.Scheme) }):
		v.AddError(field, fmt.Sprintf("unsupported URL scheme %q (allowed: %v)", u.Scheme, schemes), value)
	}
}

// SourceURL accepts live sources: RTSP and RTMP, plain or TLS.
func (v *Validator) SourceURL(field, value string) {
	v.URL(field, value, []string{"rtsp", "rtsps", "rtmp", "rtmps"})
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Name validates an identifier that ends up as a storage key component.
func (v *Validator) Name(field, value string) {
	switch {
	case value == "":
		v.AddError(field, "name cannot be empty", value)
	case len(value) > 128:
		v.AddError(field, "name must be at most 128 characters", value)
	case !namePattern.MatchString(value):
		v.AddError(field, "name may only contain letters, digits, '.', '_' and '-'", value)
	}
}

// Range requires lo <= value <= hi.
func Range[T cmp.Ordered](v *Validator, field string, value, lo, hi T) {
	v.check(value >= lo && value <= hi, field, value, "value must be between %v and %v, got %v", lo, hi, value)
}

// Range requires lo <= value <= hi for ints.
func (v *Validator) Range(field string, value, lo, hi int) { Range(v, field, value, lo, hi) }

// Positive requires value > 0.
func (v *Validator) Positive(field string, value int) {
	v.check(value > 0, field, value, "value must be positive, got %d", value)
}

// NonNegative requires value >= 0.
func (v *Validator) NonNegative(field string, value int64) {
	v.check(value >= 0, field, value, "value cannot be negative, got %d", value)
}

// PositiveDuration requires value > 0.
func (v *Validator) PositiveDuration(field string, value time.Duration) {
	v.check(value > 0, field, value, "duration must be positive, got %s", value)
}

// DurationOrder requires lo <= hi, e.g. a backoff base and its cap.
func (v *Validator) DurationOrder(field string, lo, hi time.Duration) {
	v.check(lo <= hi, field, hi, "must be >= %s, got %s", lo, hi)
}

// NotEmpty rejects empty and whitespace-only strings.
func (v *Validator) NotEmpty(field, value string) {
	v.check(strings.TrimSpace(value) != "", field, value, "value cannot be empty")
}

// OneOf requires value to be an element of allowed.
func (v *Validator) OneOf(field, value string, allowed []string) {
	v.check(slices.Contains(allowed, value), field, value, "value must be one of %v, got %q", allowed, value)
}

// Directory validates a directory path. A missing directory is an error when
// mustExist is set and is created otherwise.
func (v *Validator) Directory(field, path string, mustExist bool) {
	if path == "" {
		v.AddError(field, "directory path cannot be empty", path)
		return
	}
	if strings.Contains(path, "..") {
		v.AddError(field, "path contains traversal sequences (..)", path)
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		v.AddError(field, fmt.Sprintf("invalid path: %v", err), path)
		return
	}

	info, err := os.Stat(abs)
	switch {
	case err == nil:
		v.check(info.IsDir(), field, path, "path is not a directory")
	case !os.IsNotExist(err):
		v.AddError(field, fmt.Sprintf("cannot access directory: %v", err), path)
	case mustExist:
		v.AddError(field, "directory does not exist", path)
	default:
		if err := os.MkdirAll(abs, 0750); err != nil {
			v.AddError(field, fmt.Sprintf("cannot create directory: %v", err), path)
		}
	}
}
