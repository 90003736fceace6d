// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package recorder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachine_Lifecycle(t *testing.T) {
	m, err := newMachine(StateStopped)
	require.NoError(t, err)

	steps := []struct {
		event Event
		want  State
	}{
		{EventStart, StateStarting},
		{EventReady, StateRunning},
		{EventFail, StateError},
		{EventRetry, StateStarting},
		{EventReady, StateRunning},
		{EventStop, StateStopping},
		{EventStopped, StateStopped},
	}
	for _, s := range steps {
		_, to, err := m.fire(s.event)
		require.NoError(t, err, "event %s", s.event)
		assert.Equal(t, s.want, to)
	}
}

func TestMachine_RejectsInvalid(t *testing.T) {
	m, err := newMachine(StateStopped)
	require.NoError(t, err)

	for _, ev := range []Event{EventReady, EventFail, EventStop, EventStopped, EventRetry} {
		assert.False(t, m.can(ev), "event %s from stopped", ev)
		_, to, err := m.fire(ev)
		assert.Error(t, err)
		assert.Equal(t, StateStopped, to)
	}

	m.state = StateError
	assert.True(t, m.can(EventStop))
	_, to, err := m.fire(EventStop)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, to, "stop from error skips stopping")
}
