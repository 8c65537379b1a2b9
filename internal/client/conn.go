package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/reliability"
)

// ErrNotConnected reports a send attempted while no channel is open.
// Callers drop the message; audio captured during an outage is not
// replayed later.
var ErrNotConnected = errors.New("not connected")

const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
)

// ConnOptions configures the client's connection to the mediator.
type ConnOptions struct {
	URL               string
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	Policy            reliability.ReconnectPolicy
	Log               zerolog.Logger

	// OnReset runs after the old channel is torn down and before a
	// replacement opens. The playback queue and capture pipeline are
	// rebuilt here.
	OnReset func()
}

// ConnManager owns the websocket to the mediator: connect, heartbeat,
// close classification, and bounded reconnection.
type ConnManager struct {
	opts     ConnOptions
	messages chan any

	mu          sync.Mutex
	conn        *websocket.Conn
	lastTraffic time.Time
}

func NewConnManager(opts ConnOptions) *ConnManager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = reliability.DefaultReconnectPolicy()
	}
	return &ConnManager{
		opts:     opts,
		messages: make(chan any, 256),
	}
}

// Messages yields parsed messages from the mediator. The channel closes
// when Run returns.
func (m *ConnManager) Messages() <-chan any { return m.messages }

// Send writes one message to the open channel. While disconnected it
// returns ErrNotConnected and the message is gone.
func (m *ConnManager) Send(msg any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return ErrNotConnected
	}
	_ = m.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return m.conn.WriteJSON(msg)
}

// Run connects and serves until the context ends, the mediator closes
// normally, or reconnection is exhausted.
func (m *ConnManager) Run(ctx context.Context) error {
	defer close(m.messages)

	conn, err := m.dial(ctx)
	if err != nil {
		return err
	}
	m.setConn(conn)

	for {
		closeErr := m.serve(ctx, conn)
		m.setConn(nil)
		if ctx.Err() != nil {
			return nil
		}

		class := classifyServeError(closeErr)
		if class == reliability.ClassNormal {
			return nil
		}
		if !class.Retryable() {
			m.opts.Log.Error().Str("class", string(class)).Err(closeErr).Msg("connection failed fatally")
			return fmt.Errorf("connection failed: %w", closeErr)
		}

		conn, err = m.reconnect(ctx)
		if err != nil {
			return err
		}
		if conn == nil {
			return nil
		}
		m.setConn(conn)
	}
}

// Stop closes the channel cleanly with a normal closure frame.
func (m *ConnManager) Stop() {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client stop"),
		time.Now().Add(time.Second),
	)
	_ = conn.Close()
}

func (m *ConnManager) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: m.opts.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, m.opts.URL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", reliability.ErrAuthenticationFailed, resp.StatusCode)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", reliability.ErrConnectTimeout, m.opts.URL)
		}
		return nil, fmt.Errorf("dial %s: %w", m.opts.URL, err)
	}
	conn.SetReadLimit(2 << 20)
	m.touchTraffic()
	return conn, nil
}

func (m *ConnManager) reconnect(ctx context.Context) (*websocket.Conn, error) {
	for attempt := 1; attempt <= m.opts.Policy.MaxAttempts; attempt++ {
		// Each attempt gets fresh local state. A reset only on the first
		// attempt would leave stale capture frames queued behind a failed
		// dial.
		if m.opts.OnReset != nil {
			m.opts.OnReset()
		}
		m.opts.Log.Info().Int("attempt", attempt).Msg("reconnecting to mediator")
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(m.opts.Policy.Delay(attempt)):
		}

		conn, err := m.dial(ctx)
		if err != nil {
			if !reliability.ClassOf(err).Retryable() {
				return nil, err
			}
			m.opts.Log.Warn().Int("attempt", attempt).Err(err).Msg("reconnect attempt failed")
			continue
		}
		return conn, nil
	}
	m.opts.Log.Error().Int("attempts", m.opts.Policy.MaxAttempts).Msg("giving up on reconnection")
	return nil, reliability.ErrReconnectExhausted
}

// serve reads until the channel dies, heartbeating in the background.
func (m *ConnManager) serve(ctx context.Context, conn *websocket.Conn) error {
	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go m.heartbeat(hbCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m.touchTraffic()

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			m.opts.Log.Warn().Err(err).Msg("unparseable message from mediator")
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m.messages <- msg:
		}
	}
}

// heartbeat sends an application-level ping on each tick and kills the
// connection when no traffic at all arrived for two intervals.
func (m *ConnManager) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.sinceTraffic() > 2*m.opts.HeartbeatInterval {
				m.opts.Log.Warn().Msg("connection silent past liveness window; closing")
				_ = conn.Close()
				return
			}
			if err := m.Send(protocol.Ping{
				Type:      protocol.TypePing,
				Timestamp: time.Now().UnixMilli(),
			}); err != nil {
				return
			}
		}
	}
}

func (m *ConnManager) setConn(conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
}

func (m *ConnManager) touchTraffic() {
	m.mu.Lock()
	m.lastTraffic = time.Now()
	m.mu.Unlock()
}

func (m *ConnManager) sinceTraffic() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastTraffic)
}

func classifyServeError(err error) reliability.Class {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return reliability.ClassifyClose(closeErr.Code)
	}
	return reliability.ClassTransient
}
