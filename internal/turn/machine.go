// Package turn implements the conversational turn-taking state machine.
// One Machine exists per session and is mutated by exactly one goroutine,
// the relay loop that owns the session; observers only read snapshots.
package turn

import (
	"errors"
	"fmt"
	"time"
)

// State is the authoritative "whose turn is it" value for a session.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateGenerating State = "generating"
	StateSpeaking   State = "speaking"
	StateError      State = "error"
)

var (
	// ErrDuplicateResponse marks a refused response request. Callers drop
	// the request silently; it is a guard firing, not a failure.
	ErrDuplicateResponse = errors.New("duplicate response attempt")

	// ErrBadTransition marks an event that is not legal in the current
	// state. The remote service emits racy, overlapping notifications, so
	// some of these are expected and simply ignored by the caller.
	ErrBadTransition = errors.New("illegal turn transition")
)

const (
	// DefaultMinSpeech is the accumulated audio below which a speech span
	// is treated as noise and dropped back to idle.
	DefaultMinSpeech = 150 * time.Millisecond

	// DefaultDebounce refuses a second response request fired this close
	// to the previous one.
	DefaultDebounce = 500 * time.Millisecond
)

// Machine tracks one session's turn state and enforces the guards that
// keep exactly one response in flight.
type Machine struct {
	now func() time.Time

	state      State
	minSpeech  time.Duration
	debounce   time.Duration
	audioAccum time.Duration

	lastRequestAt time.Time
}

// Option adjusts Machine construction; used by tests to inject a clock.
type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func WithThresholds(minSpeech, debounce time.Duration) Option {
	return func(m *Machine) {
		if minSpeech > 0 {
			m.minSpeech = minSpeech
		}
		if debounce > 0 {
			m.debounce = debounce
		}
	}
}

func NewMachine(opts ...Option) *Machine {
	m := &Machine{
		now:       time.Now,
		state:     StateIdle,
		minSpeech: DefaultMinSpeech,
		debounce:  DefaultDebounce,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) State() State { return m.state }

// SpeechStarted moves idle to listening. Repeated start signals while
// already listening are absorbed.
func (m *Machine) SpeechStarted() error {
	switch m.state {
	case StateIdle:
		m.setState(StateListening)
		m.audioAccum = 0
		return nil
	case StateListening:
		return nil
	case StateError:
		return fmt.Errorf("%w: speech_started in %s", ErrBadTransition, m.state)
	default:
		// Barge-in while the assistant holds the turn is not supported;
		// the signal is reported and ignored.
		return fmt.Errorf("%w: speech_started in %s", ErrBadTransition, m.state)
	}
}

// AddAudio accumulates captured speech duration while listening. Audio in
// any other state does not count toward the commit threshold.
func (m *Machine) AddAudio(d time.Duration) {
	if m.state == StateListening && d > 0 {
		m.audioAccum += d
	}
}

// AccumulatedAudio reports speech collected since listening began.
func (m *Machine) AccumulatedAudio() time.Duration { return m.audioAccum }

// SpeechStopped ends a listening span. It returns true when enough audio
// accumulated to commit; spans shorter than the minimum return false and
// the machine goes back to idle silently.
func (m *Machine) SpeechStopped() (commit bool, err error) {
	if m.state != StateListening {
		return false, fmt.Errorf("%w: speech_stopped in %s", ErrBadTransition, m.state)
	}
	if m.audioAccum < m.minSpeech {
		m.setState(StateIdle)
		m.audioAccum = 0
		return false, nil
	}
	m.setState(StateProcessing)
	return true, nil
}

// RequestResponse is the single gate for submitting a response-generation
// request. It refuses while a response is already being generated or
// spoken, and debounces requests fired within the configured window.
func (m *Machine) RequestResponse() error {
	switch m.state {
	case StateGenerating, StateSpeaking:
		return ErrDuplicateResponse
	case StateProcessing:
	default:
		return fmt.Errorf("%w: response request in %s", ErrBadTransition, m.state)
	}

	now := m.now()
	if !m.lastRequestAt.IsZero() && now.Sub(m.lastRequestAt) < m.debounce {
		// A debounced refusal ends the turn. Staying in processing would
		// leave no legal exit once the caller drops the request.
		m.setState(StateIdle)
		m.audioAccum = 0
		return ErrDuplicateResponse
	}
	m.lastRequestAt = now
	m.setState(StateGenerating)
	return nil
}

// FirstAudio marks arrival of the first response audio chunk.
func (m *Machine) FirstAudio() error {
	switch m.state {
	case StateGenerating:
		m.setState(StateSpeaking)
		return nil
	case StateSpeaking:
		return nil
	default:
		return fmt.Errorf("%w: response audio in %s", ErrBadTransition, m.state)
	}
}

// ResponseDone completes the assistant turn.
func (m *Machine) ResponseDone() error {
	switch m.state {
	case StateSpeaking, StateGenerating:
		m.setState(StateIdle)
		m.audioAccum = 0
		return nil
	default:
		return fmt.Errorf("%w: response done in %s", ErrBadTransition, m.state)
	}
}

// Fail forces the error state. Only Reset (a fresh connect) leaves it.
func (m *Machine) Fail() {
	m.setState(StateError)
}

// Reset returns to idle and clears every accumulated counter. Called on
// connect and reconnect so no stale turn state crosses a channel boundary.
func (m *Machine) Reset() {
	m.setState(StateIdle)
	m.audioAccum = 0
	m.lastRequestAt = time.Time{}
}

func (m *Machine) setState(s State) {
	m.state = s
}
