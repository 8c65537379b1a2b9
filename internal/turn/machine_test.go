package turn

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.t = c.t.Add(d)
	return c.t
}

func TestFullTurnCycle(t *testing.T) {
	clock := newFakeClock()
	m := NewMachine(WithClock(clock.Now))

	if m.State() != StateIdle {
		t.Fatalf("initial state = %q, want idle", m.State())
	}
	if err := m.SpeechStarted(); err != nil {
		t.Fatalf("SpeechStarted() error = %v", err)
	}
	m.AddAudio(200 * time.Millisecond)
	commit, err := m.SpeechStopped()
	if err != nil {
		t.Fatalf("SpeechStopped() error = %v", err)
	}
	if !commit {
		t.Fatalf("200ms of audio should commit")
	}
	if m.State() != StateProcessing {
		t.Fatalf("state = %q, want processing", m.State())
	}
	if err := m.RequestResponse(); err != nil {
		t.Fatalf("RequestResponse() error = %v", err)
	}
	if m.State() != StateGenerating {
		t.Fatalf("state = %q, want generating", m.State())
	}
	if err := m.FirstAudio(); err != nil {
		t.Fatalf("FirstAudio() error = %v", err)
	}
	if m.State() != StateSpeaking {
		t.Fatalf("state = %q, want speaking", m.State())
	}
	if err := m.ResponseDone(); err != nil {
		t.Fatalf("ResponseDone() error = %v", err)
	}
	if m.State() != StateIdle {
		t.Fatalf("state = %q, want idle", m.State())
	}
}

func TestShortSpeechReturnsToIdle(t *testing.T) {
	m := NewMachine(WithClock(newFakeClock().Now))
	if err := m.SpeechStarted(); err != nil {
		t.Fatalf("SpeechStarted() error = %v", err)
	}
	m.AddAudio(100 * time.Millisecond)
	commit, err := m.SpeechStopped()
	if err != nil {
		t.Fatalf("SpeechStopped() error = %v", err)
	}
	if commit {
		t.Fatalf("100ms of audio must not commit")
	}
	if m.State() != StateIdle {
		t.Fatalf("state = %q, want idle", m.State())
	}
	if m.AccumulatedAudio() != 0 {
		t.Fatalf("accumulated audio should reset, got %v", m.AccumulatedAudio())
	}
}

func TestMinSpeechBoundary(t *testing.T) {
	m := NewMachine(WithClock(newFakeClock().Now))
	_ = m.SpeechStarted()
	m.AddAudio(DefaultMinSpeech)
	commit, err := m.SpeechStopped()
	if err != nil {
		t.Fatalf("SpeechStopped() error = %v", err)
	}
	if !commit {
		t.Fatalf("audio at exactly the threshold must commit")
	}
}

func TestResponseDebounce(t *testing.T) {
	clock := newFakeClock()
	m := NewMachine(WithClock(clock.Now))

	runToProcessing := func() {
		_ = m.SpeechStarted()
		m.AddAudio(300 * time.Millisecond)
		if _, err := m.SpeechStopped(); err != nil {
			t.Fatalf("SpeechStopped() error = %v", err)
		}
	}

	runToProcessing()
	if err := m.RequestResponse(); err != nil {
		t.Fatalf("first RequestResponse() error = %v", err)
	}
	// Second trigger while generating: refused as duplicate.
	if err := m.RequestResponse(); !errors.Is(err, ErrDuplicateResponse) {
		t.Fatalf("RequestResponse() while generating = %v, want ErrDuplicateResponse", err)
	}

	_ = m.FirstAudio()
	if err := m.RequestResponse(); !errors.Is(err, ErrDuplicateResponse) {
		t.Fatalf("RequestResponse() while speaking = %v, want ErrDuplicateResponse", err)
	}
	_ = m.ResponseDone()

	// A new turn 300ms after the first request is still inside the 500ms
	// debounce window.
	clock.Advance(300 * time.Millisecond)
	runToProcessing()
	if err := m.RequestResponse(); !errors.Is(err, ErrDuplicateResponse) {
		t.Fatalf("RequestResponse() inside debounce = %v, want ErrDuplicateResponse", err)
	}

	// Outside the window the request is accepted again.
	m.Reset()
	clock.Advance(time.Second)
	runToProcessing()
	if err := m.RequestResponse(); err != nil {
		t.Fatalf("RequestResponse() after window = %v", err)
	}
}

func TestDebounceRefusalReturnsToIdle(t *testing.T) {
	clock := newFakeClock()
	m := NewMachine(WithClock(clock.Now))

	runTurn := func() error {
		if err := m.SpeechStarted(); err != nil {
			return err
		}
		m.AddAudio(300 * time.Millisecond)
		if _, err := m.SpeechStopped(); err != nil {
			return err
		}
		return m.RequestResponse()
	}

	if err := runTurn(); err != nil {
		t.Fatalf("first turn error = %v", err)
	}
	_ = m.FirstAudio()
	_ = m.ResponseDone()

	// Second turn lands inside the debounce window. The refused request
	// must not strand the machine in processing.
	clock.Advance(300 * time.Millisecond)
	if err := runTurn(); !errors.Is(err, ErrDuplicateResponse) {
		t.Fatalf("second turn = %v, want ErrDuplicateResponse", err)
	}
	if m.State() != StateIdle {
		t.Fatalf("state after refusal = %q, want idle", m.State())
	}
	if m.AccumulatedAudio() != 0 {
		t.Fatalf("accumulated audio after refusal = %v, want 0", m.AccumulatedAudio())
	}

	// A third turn past the window runs a full cycle with no reset.
	clock.Advance(time.Second)
	if err := runTurn(); err != nil {
		t.Fatalf("third turn error = %v", err)
	}
	if err := m.FirstAudio(); err != nil {
		t.Fatalf("FirstAudio() error = %v", err)
	}
	if err := m.ResponseDone(); err != nil {
		t.Fatalf("ResponseDone() error = %v", err)
	}
	if m.State() != StateIdle {
		t.Fatalf("state after third turn = %q, want idle", m.State())
	}
}

func TestAudioOutsideListeningDoesNotCount(t *testing.T) {
	m := NewMachine(WithClock(newFakeClock().Now))
	m.AddAudio(time.Second)
	if m.AccumulatedAudio() != 0 {
		t.Fatalf("audio before listening counted: %v", m.AccumulatedAudio())
	}
}

func TestErrorStateOnlyResetRecovers(t *testing.T) {
	m := NewMachine(WithClock(newFakeClock().Now))
	m.Fail()
	if m.State() != StateError {
		t.Fatalf("state = %q, want error", m.State())
	}
	if err := m.SpeechStarted(); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("SpeechStarted() in error = %v, want ErrBadTransition", err)
	}
	m.Reset()
	if m.State() != StateIdle {
		t.Fatalf("state after reset = %q, want idle", m.State())
	}
	if err := m.SpeechStarted(); err != nil {
		t.Fatalf("SpeechStarted() after reset error = %v", err)
	}
}

func TestResetClearsDebounceClock(t *testing.T) {
	clock := newFakeClock()
	m := NewMachine(WithClock(clock.Now))
	_ = m.SpeechStarted()
	m.AddAudio(time.Second)
	_, _ = m.SpeechStopped()
	_ = m.RequestResponse()

	m.Reset()
	_ = m.SpeechStarted()
	m.AddAudio(time.Second)
	_, _ = m.SpeechStopped()
	if err := m.RequestResponse(); err != nil {
		t.Fatalf("RequestResponse() after reset = %v, want nil", err)
	}
}

func TestSpeechStoppedOutsideListening(t *testing.T) {
	m := NewMachine(WithClock(newFakeClock().Now))
	if _, err := m.SpeechStopped(); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("SpeechStopped() in idle = %v, want ErrBadTransition", err)
	}
}

func TestDeduperContentTimeWindow(t *testing.T) {
	clock := newFakeClock()
	d := NewTranscriptDeduper(DeduperClock(clock.Now))

	if !d.Observe("Hello there.") {
		t.Fatalf("first transcript should pass")
	}
	clock.Advance(500 * time.Millisecond)
	if d.Observe("hello, there") {
		t.Fatalf("canonical duplicate inside window should be dropped")
	}
	clock.Advance(3 * time.Second)
	if !d.Observe("hello there") {
		t.Fatalf("same content outside window should pass")
	}
	if !d.Observe("something else") {
		t.Fatalf("different content should pass")
	}
	if d.Observe("   ") {
		t.Fatalf("blank transcript should be dropped")
	}
}

func TestDeduperReset(t *testing.T) {
	clock := newFakeClock()
	d := NewTranscriptDeduper(DeduperClock(clock.Now))
	_ = d.Observe("hello")
	d.Reset()
	if !d.Observe("hello") {
		t.Fatalf("transcript after reset should pass")
	}
}
