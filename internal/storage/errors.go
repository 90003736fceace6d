// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package storage

import (
	"errors"
	"fmt"
)

// Kind classifies storage failures for retry decisions.
type Kind int

const (
	// KindTransient errors may succeed on retry (network, 5xx, throttling).
	KindTransient Kind = iota
	// KindPermanent errors will not succeed on retry (auth, missing bucket, quota).
	KindPermanent
)

func (k Kind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// Error is a classified storage failure.
type Error struct {
	Op   string
	Key  string
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("storage %s", e.Op)
	if e.Key != "" {
		msg += " " + e.Key
	}
	msg += " (" + e.Kind.String()
	if e.Code != "" {
		msg += ", " + e.Code
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(op, key string, err error) error {
	return &Error{Op: op, Key: key, Kind: KindTransient, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(op, key, code string, err error) error {
	return &Error{Op: op, Key: key, Kind: KindPermanent, Code: code, Err: err}
}

// IsPermanent reports whether err is a permanent storage failure.
func IsPermanent(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindPermanent
}
