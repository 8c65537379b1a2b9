package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/reliability"
)

// ErrBacklogFull is returned when the upstream send queue is saturated.
// Callers decide whether the message may be dropped (audio appends) or the
// channel must be considered wedged (control messages).
var ErrBacklogFull = errors.New("upstream send backlog full")

var ErrConnClosed = errors.New("upstream connection closed")

// Event is one observation from the upstream channel. When Err is set the
// channel is terminal and the events channel closes right after.
type Event struct {
	Msg       any
	Err       error
	CloseCode int
}

// Conn is one duplex channel to the upstream speech service. Channels are
// replaced on reconnect, never reused.
type Conn interface {
	Send(msg any) error
	Events() <-chan Event
	Close() error
}

// Dialer opens upstream channels. The relay redials through this on every
// reconnect attempt so tests can substitute a scripted upstream.
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (Conn, error)
}

// UpstreamConfig describes the remote realtime speech service.
type UpstreamConfig struct {
	URL               string
	APIKey            string
	Model             string
	Voice             string
	Instructions      string
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	SendQueueSize     int
}

type wsDialer struct {
	cfg UpstreamConfig
}

// NewDialer builds the production websocket dialer.
func NewDialer(cfg UpstreamConfig) Dialer {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 256
	}
	return &wsDialer{cfg: cfg}
}

func (d *wsDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	u, err := url.Parse(strings.TrimRight(d.cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("upstream url: %w", err)
	}
	q := u.Query()
	if d.cfg.Model != "" {
		q.Set("model", d.cfg.Model)
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	if d.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+d.cfg.APIKey)
	}
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), headers)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("dial upstream: %w", reliability.ErrConnectTimeout)
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial upstream: %w", reliability.ErrAuthenticationFailed)
		}
		return nil, fmt.Errorf("dial upstream: %w", err)
	}

	c := &wsConn{
		conn:      conn,
		events:    make(chan Event, 256),
		sendCh:    make(chan any, d.cfg.SendQueueSize),
		closed:    make(chan struct{}),
		heartbeat: d.cfg.HeartbeatInterval,
	}
	// A silent upstream is indistinguishable from a half-open TCP channel.
	// Pings keep the read deadline moving while the service is quiet.
	_ = conn.SetReadDeadline(time.Now().Add(2 * c.heartbeat))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * c.heartbeat))
	})
	go c.readLoop()
	go c.writeLoop()
	go c.pingLoop()

	// Configure the upstream session before any audio flows: PCM16 both
	// directions and server-side VAD for turn detection.
	_ = c.Send(map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":          []string{"text", "audio"},
			"voice":               d.cfg.Voice,
			"instructions":        d.cfg.Instructions,
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"threshold":           0.5,
				"prefix_padding_ms":   200,
				"silence_duration_ms": 800,
			},
		},
	})
	return c, nil
}

type wsConn struct {
	conn      *websocket.Conn
	events    chan Event
	sendCh    chan any
	closeOnce sync.Once
	closed    chan struct{}
	heartbeat time.Duration
}

func (c *wsConn) Send(msg any) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.sendCh <- msg:
		return nil
	default:
		return ErrBacklogFull
	}
}

func (c *wsConn) Events() <-chan Event { return c.events }

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

// pingLoop emits websocket pings so the pong handler keeps advancing the
// read deadline. WriteControl is safe to call concurrently with WriteJSON.
func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

func (c *wsConn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
			}
			select {
			case <-c.closed:
				c.events <- Event{Err: ErrConnClosed, CloseCode: websocket.CloseNormalClosure}
			default:
				c.events <- Event{Err: err, CloseCode: code}
			}
			_ = c.Close()
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * c.heartbeat))
		parsed, err := protocol.ParseMessage(data)
		if err != nil {
			// Malformed upstream frame; skip it rather than killing the
			// channel.
			continue
		}
		c.events <- Event{Msg: parsed}
	}
}
