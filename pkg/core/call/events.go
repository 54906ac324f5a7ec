package call

import (
	"time"

	"github.com/fakeacall/fakeacall/pkg/core"
)

// Event is the interface for all observation events consumed by the
// view layer.
type Event interface {
	// EventType returns the event type string.
	EventType() string
}

// StateChangedEvent is emitted on every lifecycle transition.
type StateChangedEvent struct {
	From State
	To   State
}

func (e *StateChangedEvent) EventType() string { return "state.changed" }

// RingTickEvent is emitted once per second while ringing.
type RingTickEvent struct {
	Elapsed time.Duration
}

func (e *RingTickEvent) EventType() string { return "ring.tick" }

// CallTickEvent is emitted once per second while the call is active.
type CallTickEvent struct {
	Elapsed time.Duration
}

func (e *CallTickEvent) EventType() string { return "call.tick" }

// MuteChangedEvent is emitted when the mute flag toggles.
type MuteChangedEvent struct {
	Muted bool
}

func (e *MuteChangedEvent) EventType() string { return "mute.changed" }

// SpeakerChangedEvent is emitted when speaker mode toggles.
type SpeakerChangedEvent struct {
	Boosted bool
}

func (e *SpeakerChangedEvent) EventType() string { return "speaker.changed" }

// MicLevelEvent carries the microphone level for the input meter.
// Emitted at tick cadence while active, including while muted.
type MicLevelEvent struct {
	RMS float64
}

func (e *MicLevelEvent) EventType() string { return "mic.level" }

// NotificationEvent is a user-facing failure notice. Every abort path
// emits exactly one, carrying the remedy for its category.
type NotificationEvent struct {
	Category core.Kind
	Message  string
}

func (e *NotificationEvent) EventType() string { return "notification" }
