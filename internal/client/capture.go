// Package client implements the terminal client side of the relay: mic
// capture, the websocket connection to the mediator, and gapless playback
// of response audio.
package client

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/ent0n29/voicebridge/internal/audio"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/reliability"
)

// DefaultFramesPerBuffer is 40ms at 24kHz, which keeps every captured
// chunk inside the accepted append size bounds.
const DefaultFramesPerBuffer = 960

// Capture reads mono 24kHz frames from the default input device and
// delivers them as PCM16 encoded for the wire. The device hands over
// float32 samples; conversion clamps to int16 range. portaudio.Initialize
// must have been called before opening a capture.
type Capture struct {
	stream *portaudio.Stream
	buf    []float32
	frames chan string

	mu      sync.Mutex
	stopped bool
}

func NewCapture(framesPerBuffer int) (*Capture, error) {
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultFramesPerBuffer
	}
	c := &Capture{
		buf:    make([]float32, framesPerBuffer),
		frames: make(chan string, 64),
	}
	stream, err := portaudio.OpenDefaultStream(
		protocol.Channels, 0, float64(protocol.SampleRate), framesPerBuffer, c.buf,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", reliability.ErrMicrophoneAccessDenied, err)
	}
	c.stream = stream
	return c, nil
}

// Start begins capturing. Frames are dropped, not queued, once the
// channel backs up; a stalled consumer must not grow memory here.
func (c *Capture) Start() error {
	if err := c.stream.Start(); err != nil {
		return fmt.Errorf("%w: %v", reliability.ErrMicrophoneAccessDenied, err)
	}
	go c.loop()
	return nil
}

// Frames yields base64 PCM16 payloads ready for input_audio_buffer.append.
func (c *Capture) Frames() <-chan string { return c.frames }

func (c *Capture) loop() {
	defer close(c.frames)
	for {
		if c.isStopped() {
			return
		}
		if err := c.stream.Read(); err != nil {
			// Overflow on a slow host is recoverable; anything else ends
			// the capture.
			if err == portaudio.InputOverflowed {
				continue
			}
			c.Stop()
			return
		}
		payload := audio.EncodeBase64(audio.PCM16ToBytes(audio.Float32ToPCM16(c.buf)))
		select {
		case c.frames <- payload:
		default:
		}
	}
}

// Stop halts the stream; the frames channel closes once the read loop
// notices.
func (c *Capture) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	_ = c.stream.Stop()
	_ = c.stream.Close()
}

func (c *Capture) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
