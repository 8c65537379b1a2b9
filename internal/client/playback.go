package client

import (
	"sync"
	"time"

	"github.com/ent0n29/voicebridge/internal/audio"
)

// Sink plays one PCM16 mono 24kHz chunk to completion.
type Sink interface {
	Play(pcm []int16) error
}

type playItem struct {
	pcm     []int16
	startAt time.Time
	gen     uint64
}

// Player schedules response audio chunks back to back. Each chunk begins
// at the later of now and the end of everything already scheduled, so
// chunks never overlap and never leave a gap the source did not have.
type Player struct {
	sink Sink
	now  func() time.Time

	mu      sync.Mutex
	horizon time.Time
	gen     uint64
	queue   chan playItem
	done    chan struct{}
}

type PlayerOption func(*Player)

func WithPlayerClock(now func() time.Time) PlayerOption {
	return func(p *Player) { p.now = now }
}

func NewPlayer(sink Sink, opts ...PlayerOption) *Player {
	p := &Player{
		sink:  sink,
		now:   time.Now,
		queue: make(chan playItem, 256),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.loop()
	return p
}

// Enqueue schedules a chunk and returns the instant it will start playing.
func (p *Player) Enqueue(pcm []int16) time.Time {
	p.mu.Lock()
	now := p.now()
	startAt := p.horizon
	if now.After(startAt) {
		startAt = now
	}
	p.horizon = startAt.Add(audio.Duration(len(pcm) * 2))
	item := playItem{pcm: pcm, startAt: startAt, gen: p.gen}
	p.mu.Unlock()

	select {
	case p.queue <- item:
	default:
		// A queue this deep only fills if the sink wedged; dropping keeps
		// the receive path alive.
	}
	return startAt
}

// Clear drops everything scheduled and not yet played. Called on stop and
// on reconnect so stale response audio never plays after a channel reset.
func (p *Player) Clear() {
	p.mu.Lock()
	p.gen++
	p.horizon = p.now()
	p.mu.Unlock()
}

// Horizon reports when the last scheduled chunk ends.
func (p *Player) Horizon() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.horizon
}

func (p *Player) Close() {
	p.Clear()
	close(p.done)
}

func (p *Player) loop() {
	for {
		select {
		case <-p.done:
			return
		case item := <-p.queue:
			if p.stale(item.gen) {
				continue
			}
			if wait := time.Until(item.startAt); wait > 0 {
				select {
				case <-p.done:
					return
				case <-time.After(wait):
				}
			}
			if p.stale(item.gen) {
				continue
			}
			_ = p.sink.Play(item.pcm)
		}
	}
}

func (p *Player) stale(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return gen != p.gen
}
