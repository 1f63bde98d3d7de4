// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import "time"

// EventKind identifies what an Event reports.
type EventKind int

const (
	// EventStateChanged reports a RunState transition.
	EventStateChanged EventKind = iota

	// EventTrialStarted reports a newly presented stimulus.
	EventTrialStarted

	// EventOutcome reports a scored channel outcome.
	EventOutcome

	// EventBlockCompleted reports the result of a finished block.
	EventBlockCompleted
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventTrialStarted:
		return "trial_started"
	case EventOutcome:
		return "outcome"
	case EventBlockCompleted:
		return "block_completed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is one entry of the Controller's ordered event stream.
//
// Only the fields relevant to Kind are set.
type Event struct {
	Kind      EventKind `json:"kind"`
	Time      time.Time `json:"time"`
	SessionID string    `json:"session_id,omitempty"`
	Block     int       `json:"block"`
	N         int       `json:"n"`

	// State is set for EventStateChanged (new state) and mirrors the
	// current state otherwise.
	State    RunState `json:"state"`
	Previous RunState `json:"previous"`

	// Trial is the trial index for EventTrialStarted and EventOutcome.
	Trial    int         `json:"trial"`
	Stimulus Stimulus    `json:"stimulus"`
	Truth    MatchResult `json:"-"`

	Channel      Channel       `json:"channel"`
	Outcome      Outcome       `json:"outcome"`
	ReactionTime time.Duration `json:"reaction_ns,omitempty"`

	// Tally is the block tally after this event.
	Tally Tally `json:"tally"`

	Result *BlockResult `json:"result,omitempty"`
}

// Listener receives Controller events.
//
// OnEvent runs on the goroutine that produced the event, without the
// Controller lock held. It must not call mutating Controller methods
// synchronously.
type Listener interface {
	OnEvent(e Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(e Event)

// OnEvent implements Listener.
func (f ListenerFunc) OnEvent(e Event) {
	f(e)
}

// dispatchItem is one deferred presenter call or event delivery.
type dispatchItem struct {
	present  bool
	stimulus Stimulus
	event    Event
}

// batch collects the side effects of one locked section in order.
type batch struct {
	items []dispatchItem
}

func (b *batch) empty() bool {
	return len(b.items) == 0
}

func (b *batch) present(s Stimulus) {
	b.items = append(b.items, dispatchItem{present: true, stimulus: s})
}

func (b *batch) emit(e Event) {
	b.items = append(b.items, dispatchItem{event: e})
}
