// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package storage defines the object-storage write contract used by the
// uploader and its S3 and in-memory implementations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ObjectStore is the write side of an object store. Writes to the same key
// overwrite, so retried uploads are idempotent.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, body io.ReadSeeker, size int64, contentType string) error

	CreateMultipartUpload(ctx context.Context, key, contentType string) (uploadID string, err error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.ReadSeeker, size int64) (etag string, err error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error

	// HeadBucket checks that the configured bucket exists and is writable with
	// the configured credentials.
	HeadBucket(ctx context.Context) error
}

// CompletedPart identifies one uploaded part of a multipart upload.
type CompletedPart struct {
	Number int32
	ETag   string
}

// ContentType returns the MIME type for a segment file extension.
func ContentType(ext string) string {
	switch ext {
	case "ts":
		return "video/mp2t"
	case "mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

var (
	// ErrCannotConnect reports that the bucket could not be reached.
	ErrCannotConnect = errors.New("storage: cannot connect")
	// ErrInvalidAuth reports that the bucket rejected the credentials or does not exist.
	ErrInvalidAuth = errors.New("storage: invalid credentials or bucket")
)

// Probe checks bucket reachability and classifies the failure into
// ErrCannotConnect or ErrInvalidAuth.
func Probe(ctx context.Context, store ObjectStore) error {
	err := store.HeadBucket(ctx)
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return fmt.Errorf("%w: %w", ErrInvalidAuth, err)
	}
	return fmt.Errorf("%w: %w", ErrCannotConnect, err)
}
