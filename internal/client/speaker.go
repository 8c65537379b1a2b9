package client

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/ent0n29/voicebridge/internal/protocol"
)

// Speaker writes PCM16 mono 24kHz to the default output device. It is the
// production Sink behind the playback scheduler.
type Speaker struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
	closed bool
}

func NewSpeaker(framesPerBuffer int) (*Speaker, error) {
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultFramesPerBuffer
	}
	s := &Speaker{buf: make([]int16, framesPerBuffer)}
	stream, err := portaudio.OpenDefaultStream(
		0, protocol.Channels, float64(protocol.SampleRate), framesPerBuffer, s.buf,
	)
	if err != nil {
		return nil, fmt.Errorf("open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start output stream: %w", err)
	}
	s.stream = stream
	return s, nil
}

// Play writes one chunk to the device, blocking until it is fully
// buffered. Short final frames are zero padded.
func (s *Speaker) Play(pcm []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for offset := 0; offset < len(pcm); offset += len(s.buf) {
		n := copy(s.buf, pcm[offset:])
		for i := n; i < len(s.buf); i++ {
			s.buf[i] = 0
		}
		if err := s.stream.Write(); err != nil {
			if err == portaudio.OutputUnderflowed {
				continue
			}
			return fmt.Errorf("write output stream: %w", err)
		}
	}
	return nil
}

func (s *Speaker) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.stream.Stop()
	_ = s.stream.Close()
}
