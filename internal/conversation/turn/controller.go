package turn

import (
	"fmt"
	"strings"
	"sync"

	"github.com/jugogpt/speech-2-speech-o4-tutor-chatbot/internal/realtime"
)

// Phase describes the high-level conversation phase for a session.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseRecording  Phase = "recording"
	PhaseThinking   Phase = "thinking"
	PhaseResponding Phase = "responding"
)

// Mode decides who ends a user turn.
type Mode string

const (
	// ModeManual commits audio and requests a response only on explicit
	// caller action.
	ModeManual Mode = "manual"
	// ModeAutomatic lets upstream voice activity detection end turns.
	ModeAutomatic Mode = "automatic"
)

// ParseMode normalizes a mode string, defaulting to manual.
func ParseMode(mode string) Mode {
	switch strings.TrimSpace(strings.ToLower(mode)) {
	case string(ModeAutomatic), "auto", "vad", "server_vad":
		return ModeAutomatic
	default:
		return ModeManual
	}
}

// Controller is a lightweight deterministic turn state machine. It owns the
// active mode and derives the matching upstream detection settings.
type Controller struct {
	mu    sync.RWMutex
	phase Phase
	mode  Mode
}

// New creates a controller with default idle/manual values.
func New(mode Mode) *Controller {
	if mode == "" {
		mode = ModeManual
	}
	return &Controller{
		phase: PhaseIdle,
		mode:  mode,
	}
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// Mode returns the active turn mode.
func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// SetMode updates the active turn mode.
func (c *Controller) SetMode(mode Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = ParseMode(string(mode))
}

// Detection returns the upstream turn detection settings for the active mode.
// Manual mode returns nil, which the session update serializes as an explicit
// null to disable server-side detection.
func (c *Controller) Detection() *realtime.TurnDetection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return DetectionFor(c.mode)
}

// DetectionFor maps a mode to upstream turn detection settings.
func DetectionFor(mode Mode) *realtime.TurnDetection {
	if mode != ModeAutomatic {
		return nil
	}
	return &realtime.TurnDetection{Type: "server_vad"}
}

// OnRecordStart moves the session into recording.
func (c *Controller) OnRecordStart() {
	c.transition(PhaseRecording)
}

// OnCommit marks user audio committed and awaiting a model response.
func (c *Controller) OnCommit() {
	c.transition(PhaseThinking)
}

// OnResponseStart enters the responding phase.
func (c *Controller) OnResponseStart() {
	c.transition(PhaseResponding)
}

// OnResponseDone exits the responding phase according to mode policy.
func (c *Controller) OnResponseDone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.mode {
	case ModeAutomatic:
		c.phase = PhaseRecording
	default:
		c.phase = PhaseIdle
	}
}

// OnInterrupt drops back to idle regardless of mode.
func (c *Controller) OnInterrupt() {
	c.transition(PhaseIdle)
}

// Force sets the phase unconditionally.
func (c *Controller) Force(phase Phase) error {
	switch phase {
	case PhaseIdle, PhaseRecording, PhaseThinking, PhaseResponding:
		c.transition(phase)
		return nil
	default:
		return fmt.Errorf("invalid phase: %s", phase)
	}
}

func (c *Controller) transition(phase Phase) {
	c.mu.Lock()
	c.phase = phase
	c.mu.Unlock()
}
