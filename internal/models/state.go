package models

import (
	"fmt"
)

// State enumerates the job lifecycle. The zero value is StatePending.
type State uint8

const (
	StatePending State = iota
	StateQueued
	StateTranscribing
	StateGeneratingSubtitles
	StateProcessingVideo
	StateCompleted
	StateFailed
)

var stateNames = [...]string{
	StatePending:             "pending",
	StateQueued:              "queued",
	StateTranscribing:        "transcribing",
	StateGeneratingSubtitles: "generating_subtitles",
	StateProcessingVideo:     "processing_video",
	StateCompleted:           "completed",
	StateFailed:              "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	if int(s) >= len(stateNames) {
		return nil, fmt.Errorf("unknown state %d", uint8(s))
	}
	return []byte(stateNames[s]), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState resolves a state by name.
func ParseState(v string) (State, error) {
	for i, name := range stateNames {
		if name == v {
			return State(i), nil
		}
	}
	return StatePending, fmt.Errorf("unknown state %q", v)
}

// Terminal reports whether no further mutation is permitted.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Active reports whether the job occupies a worker slot.
func (s State) Active() bool {
	switch s {
	case StateTranscribing, StateGeneratingSubtitles, StateProcessingVideo:
		return true
	default:
		return false
	}
}

// CanTransition enforces the forward-only lifecycle. Queued may be skipped
// and every non-terminal state may fail.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	switch from {
	case StatePending:
		return to == StateQueued || to == StateTranscribing
	case StateQueued:
		return to == StateTranscribing
	case StateTranscribing:
		return to == StateGeneratingSubtitles
	case StateGeneratingSubtitles:
		return to == StateProcessingVideo
	case StateProcessingVideo:
		return to == StateCompleted
	default:
		return false
	}
}

// Checkpoint progress values reported at stage boundaries.
const (
	ProgressTranscribing        = 10
	ProgressGeneratingSubtitles = 33
	ProgressProcessingVideo     = 66
	ProgressCompleted           = 100
)
