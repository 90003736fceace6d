// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by recorder and uploader spans.
const (
	StreamKey      = "stream.name"
	SessionIDKey   = "stream.session_id"
	SequenceKey    = "segment.sequence"
	SegmentSizeKey = "segment.bytes"
	ObjectKeyKey   = "storage.key"
	UploadModeKey  = "upload.mode"
	AttemptsKey    = "upload.attempts"
	ErrorKindKey   = "error.kind"
)

// SegmentAttributes creates span attributes identifying a segment.
func SegmentAttributes(stream string, seq uint64, size int64, key string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(StreamKey, stream),
		attribute.Int64(SequenceKey, int64(seq)), // #nosec G115 -- sequences stay far below MaxInt64
		attribute.Int64(SegmentSizeKey, size),
		attribute.String(ObjectKeyKey, key),
	}
}

// SessionAttributes creates span attributes for a recording session.
func SessionAttributes(stream, sessionID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(StreamKey, stream)}
	if sessionID != "" {
		attrs = append(attrs, attribute.String(SessionIDKey, sessionID))
	}
	return attrs
}

// RecordError marks the span as failed with an error kind attribute.
func RecordError(span trace.Span, err error, kind string) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if kind != "" {
		span.SetAttributes(attribute.String(ErrorKindKey, kind))
	}
}
