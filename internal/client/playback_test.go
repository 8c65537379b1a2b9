package client

import (
	"sync"
	"testing"
	"time"
)

type recordSink struct {
	mu     sync.Mutex
	played []int16
}

func (s *recordSink) Play(pcm []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.played = append(s.played, pcm...)
	return nil
}

func (s *recordSink) snapshot() []int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int16, len(s.played))
	copy(out, s.played)
	return out
}

func chunk(value int16, samples int) []int16 {
	pcm := make([]int16, samples)
	for i := range pcm {
		pcm[i] = value
	}
	return pcm
}

func TestPlayerSchedulesBackToBack(t *testing.T) {
	t0 := time.Now()
	p := NewPlayer(&recordSink{}, WithPlayerClock(func() time.Time { return t0 }))
	defer p.Close()

	// 2400 samples is 100ms at 24kHz.
	first := p.Enqueue(chunk(1, 2400))
	second := p.Enqueue(chunk(2, 2400))
	third := p.Enqueue(chunk(3, 2400))

	if !first.Equal(t0) {
		t.Fatalf("first start = %v, want %v", first, t0)
	}
	if want := t0.Add(100 * time.Millisecond); !second.Equal(want) {
		t.Fatalf("second start = %v, want %v", second, want)
	}
	if want := t0.Add(200 * time.Millisecond); !third.Equal(want) {
		t.Fatalf("third start = %v, want %v", third, want)
	}
	if want := t0.Add(300 * time.Millisecond); !p.Horizon().Equal(want) {
		t.Fatalf("Horizon() = %v, want %v", p.Horizon(), want)
	}
}

func TestPlayerClearRestartsSchedule(t *testing.T) {
	t0 := time.Now()
	p := NewPlayer(&recordSink{}, WithPlayerClock(func() time.Time { return t0 }))
	defer p.Close()

	p.Enqueue(chunk(1, 2400))
	p.Enqueue(chunk(2, 2400))
	p.Clear()

	if got := p.Enqueue(chunk(3, 2400)); !got.Equal(t0) {
		t.Fatalf("start after Clear = %v, want %v", got, t0)
	}
}

func TestPlayerPlaysInOrder(t *testing.T) {
	sink := &recordSink{}
	p := NewPlayer(sink)
	defer p.Close()

	// 240 samples is 10ms at 24kHz.
	p.Enqueue(chunk(1, 240))
	p.Enqueue(chunk(2, 240))
	p.Enqueue(chunk(3, 240))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.snapshot()) == 720 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	played := sink.snapshot()
	if len(played) != 720 {
		t.Fatalf("played %d samples, want 720", len(played))
	}
	if played[0] != 1 || played[240] != 2 || played[480] != 3 {
		t.Fatalf("chunks out of order: %d %d %d", played[0], played[240], played[480])
	}
}

func TestPlayerClearDropsPending(t *testing.T) {
	sink := &recordSink{}
	// Clock runs a beat ahead of real time, so every chunk is scheduled
	// into the future and sits in the queue until Clear catches it.
	p := NewPlayer(sink, WithPlayerClock(func() time.Time {
		return time.Now().Add(150 * time.Millisecond)
	}))
	defer p.Close()

	p.Enqueue(chunk(1, 2400))
	p.Enqueue(chunk(2, 2400))
	p.Clear()

	time.Sleep(300 * time.Millisecond)
	if got := len(sink.snapshot()); got != 0 {
		t.Fatalf("played %d samples after Clear, want 0", got)
	}
}
