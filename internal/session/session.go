// Package session holds the single capture/replay session shared by the
// recorder and the replayer. Only one mode may be active at a time.
package session

import (
	"fmt"
	"sync"

	"github.com/dgnsrekt/netreplay/internal/channel"
	"github.com/dgnsrekt/netreplay/internal/types"
	"github.com/google/uuid"
)

// Mode is the coarse session state.
type Mode string

const (
	ModeIdle      Mode = "idle"
	ModeRecording Mode = "recording"
	ModeReplaying Mode = "replaying"
)

// Phase is the fine-grained state inside a mode.
type Phase string

const (
	PhaseIdle                Phase = "idle"
	PhaseAttaching           Phase = "attaching"
	PhaseCaptureEnabled      Phase = "capture_enabled"
	PhaseRecording           Phase = "recording"
	PhaseFinalizing          Phase = "finalizing"
	PhaseInterceptionEnabled Phase = "interception_enabled"
	PhaseReplaying           Phase = "replaying"
	PhaseDetaching           Phase = "detaching"
)

// State is a point-in-time copy of the session.
type State struct {
	Mode          Mode
	Phase         Phase
	SessionID     string
	RecordingName string
	Filter        []string
	Handle        channel.Handle
}

// Session is the explicit context object for the active capture or replay.
type Session struct {
	mu     sync.Mutex
	mode   Mode
	phase  Phase
	id     string
	name   string
	filter []string
	handle channel.Handle
	bound  bool
}

// New returns an idle session.
func New() *Session {
	return &Session{mode: ModeIdle, phase: PhaseIdle}
}

// Begin claims the session for mode and moves it to PhaseAttaching.
// It fails fast when another mode is active.
func (s *Session) Begin(mode Mode, name string, filter []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != ModeIdle {
		return "", types.NewError(types.CodeInvalidState,
			fmt.Sprintf("cannot start %s while %s", mode, s.mode), nil)
	}
	s.mode = mode
	s.phase = PhaseAttaching
	s.id = uuid.NewString()
	s.name = name
	s.filter = append([]string(nil), filter...)
	s.handle = channel.Handle{}
	s.bound = false
	return s.id, nil
}

// Advance moves from one phase to the next if the session is still in from.
func (s *Session) Advance(from, to Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != from {
		return types.NewError(types.CodeInvalidState,
			fmt.Sprintf("expected phase %s, session is %s", from, s.phase), nil)
	}
	s.phase = to
	return nil
}

// Claim moves the session out of an active phase for shutdown. It fails when
// the session is not in mode/active, which makes stop idempotent.
func (s *Session) Claim(mode Mode, active, next Phase) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != mode || s.phase != active {
		return State{}, types.NewError(types.CodeInvalidState,
			fmt.Sprintf("no %s session to stop (session is %s)", mode, s.phase), nil)
	}
	s.phase = next
	return s.stateLocked(), nil
}

// Bind records the debuggee attachment of the active session.
func (s *Session) Bind(h channel.Handle) {
	s.mu.Lock()
	s.handle = h
	s.bound = true
	s.mu.Unlock()
}

// Reset returns the session to idle.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = ModeIdle
	s.phase = PhaseIdle
	s.id = ""
	s.name = ""
	s.filter = nil
	s.handle = channel.Handle{}
	s.bound = false
}

// Accepts reports whether an event for debuggeeID belongs to the active
// session and the session is in one of phases.
func (s *Session) Accepts(debuggeeID string, phases ...Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bound || s.handle.DebuggeeID != debuggeeID {
		return false
	}
	for _, p := range phases {
		if s.phase == p {
			return true
		}
	}
	return false
}

// State returns a copy of the current session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	return State{
		Mode:          s.mode,
		Phase:         s.phase,
		SessionID:     s.id,
		RecordingName: s.name,
		Filter:        append([]string(nil), s.filter...),
		Handle:        s.handle,
	}
}
