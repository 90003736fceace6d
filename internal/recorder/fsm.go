// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package recorder

import (
	"fmt"
)

// State is a recorder lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// Event drives a state transition.
type Event string

const (
	EventStart   Event = "start"
	EventReady   Event = "ready"
	EventFail    Event = "fail"
	EventStop    Event = "stop"
	EventStopped Event = "stopped"
	EventRetry   Event = "retry"
)

// Transition describes a single edge of the machine.
type Transition struct {
	From  State
	Event Event
	To    State
}

// transitions is the complete recorder lifecycle. Anything not listed is rejected.
var transitions = []Transition{
	{StateStopped, EventStart, StateStarting},
	{StateStarting, EventReady, StateRunning},
	{StateStarting, EventFail, StateError},
	{StateRunning, EventFail, StateError},
	{StateStarting, EventStop, StateStopping},
	{StateRunning, EventStop, StateStopping},
	{StateStopping, EventStopped, StateStopped},
	{StateError, EventRetry, StateStarting},
	{StateError, EventStop, StateStopped},
}

// machine is a strict transition table. Callers serialize access.
type machine struct {
	state State
	index map[string]State
}

func newMachine(initial State) (*machine, error) {
	idx := make(map[string]State, len(transitions))
	for _, t := range transitions {
		k := key(t.From, t.Event)
		if _, exists := idx[k]; exists {
			return nil, fmt.Errorf("duplicate transition: %s -> %s", t.From, t.Event)
		}
		idx[k] = t.To
	}
	return &machine{state: initial, index: idx}, nil
}

// fire applies event and returns the previous and new state.
func (m *machine) fire(event Event) (from, to State, err error) {
	from = m.state
	to, ok := m.index[key(from, event)]
	if !ok {
		return from, from, fmt.Errorf("invalid transition: state=%s event=%s", from, event)
	}
	m.state = to
	return from, to, nil
}

func (m *machine) can(event Event) bool {
	_, ok := m.index[key(m.state, event)]
	return ok
}

func key(from State, event Event) string {
	return string(from) + "|" + string(event)
}
