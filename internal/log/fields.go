// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Field names shared by every component. Events use dotted "pkg.event" values
// under FieldEvent so log pipelines can filter without parsing messages.
const (
	FieldComponent = "component"
	FieldEvent     = "event"
	FieldRequestID = "request_id"
	FieldSessionID = "session_id"
	FieldTaskID    = "task_id"
	FieldWorker    = "worker"
	FieldAttempt   = "attempt"

	// Recording.
	FieldStream   = "stream"
	FieldSequence = "sequence"
	FieldKey      = "key"
	FieldBytes    = "bytes"
	FieldDuration = "segment_duration"
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	FieldPath = "path"
	FieldURL  = "url"
)
