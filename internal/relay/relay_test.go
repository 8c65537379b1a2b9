package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/voicebridge/internal/audio"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/pubsub"
	"github.com/ent0n29/voicebridge/internal/reliability"
	"github.com/ent0n29/voicebridge/internal/session"
	"github.com/ent0n29/voicebridge/internal/turn"
	"github.com/ent0n29/voicebridge/internal/usage"
)

func testConfig() Config {
	return Config{
		MinSpeechDuration: 150 * time.Millisecond,
		ResponseDebounce:  500 * time.Millisecond,
		ReconnectPolicy: reliability.ReconnectPolicy{
			MaxAttempts: 3,
			BaseDelay:   5 * time.Millisecond,
			MaxDelay:    40 * time.Millisecond,
		},
	}
}

type testRig struct {
	sessions *session.Manager
	sess     *session.Session
	inbound  chan any
	outbound chan any
	done     chan error
	cancel   context.CancelFunc

	mu       sync.Mutex
	received []any
}

func startRelay(t *testing.T, dialer Dialer, cfg Config) *testRig {
	t.Helper()

	sessions := session.NewManager(time.Minute)
	r := New(
		cfg,
		sessions,
		usage.NewInMemoryStore(),
		observability.NewMetrics(fmt.Sprintf("relay_test_%d", time.Now().UnixNano())),
		observability.NewStageWindow(32),
		pubsub.NewBroker(),
		dialer,
		zerolog.Nop(),
	)

	rig := &testRig{
		sessions: sessions,
		sess:     sessions.Create(),
		inbound:  make(chan any),
		outbound: make(chan any, 64),
		done:     make(chan error, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	rig.cancel = cancel
	t.Cleanup(cancel)

	go func() {
		rig.done <- r.RunSession(ctx, rig.sess, rig.inbound, rig.outbound)
	}()
	go func() {
		for msg := range rig.outbound {
			rig.mu.Lock()
			rig.received = append(rig.received, msg)
			rig.mu.Unlock()
		}
	}()
	return rig
}

func (rig *testRig) countReceived(want protocol.MessageType) int {
	rig.mu.Lock()
	defer rig.mu.Unlock()
	n := 0
	for _, msg := range rig.received {
		if got, ok := protocol.TypeOf(msg); ok && got == want {
			n++
		}
	}
	return n
}

func (rig *testRig) lastReceived(want protocol.MessageType) (any, bool) {
	rig.mu.Lock()
	defer rig.mu.Unlock()
	for i := len(rig.received) - 1; i >= 0; i-- {
		if got, ok := protocol.TypeOf(rig.received[i]); ok && got == want {
			return rig.received[i], true
		}
	}
	return nil, false
}

// barrier sends a ping and waits for its pong, guaranteeing the loop has
// drained everything queued before it.
func (rig *testRig) barrier(t *testing.T, ts int64) {
	t.Helper()
	rig.inbound <- protocol.Ping{Type: protocol.TypePing, Timestamp: ts}
	waitFor(t, func() bool {
		msg, ok := rig.lastReceived(protocol.TypePong)
		if !ok {
			return false
		}
		return msg.(protocol.Pong).Timestamp == ts
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func countSent(conn *scriptConn, want protocol.MessageType) int {
	n := 0
	for _, msg := range conn.sentMessages() {
		if got, ok := protocol.TypeOf(msg); ok && got == want {
			n++
		}
	}
	return n
}

func audioChunk(ms int) string {
	return audio.EncodeBase64(make([]byte, audio.BytesForDuration(time.Duration(ms)*time.Millisecond)))
}

func TestRelaySpeechTurnCycle(t *testing.T) {
	conn := newScriptConn()
	rig := startRelay(t, &scriptDialer{conns: []*scriptConn{conn}}, testConfig())

	waitFor(t, func() bool { return rig.countReceived(protocol.TypeSessionCreated) == 1 })

	conn.push(protocol.SpeechStarted{Type: protocol.TypeSpeechStarted})
	rig.inbound <- protocol.InputAudioAppend{Type: protocol.TypeInputAudioAppend, Audio: audioChunk(100)}
	rig.inbound <- protocol.InputAudioAppend{Type: protocol.TypeInputAudioAppend, Audio: audioChunk(100)}
	conn.push(protocol.SpeechStopped{Type: protocol.TypeSpeechStopped})

	waitFor(t, func() bool {
		return countSent(conn, protocol.TypeInputAudioCommit) == 1 &&
			countSent(conn, protocol.TypeResponseCreate) == 1
	})
	if got := countSent(conn, protocol.TypeInputAudioAppend); got != 2 {
		t.Fatalf("forwarded appends = %d, want 2", got)
	}

	conn.push(protocol.ResponseAudioDelta{Type: protocol.TypeResponseAudioDelta, Delta: audioChunk(100)})
	conn.push(protocol.ResponseTranscriptDone{Type: protocol.TypeResponseTranscriptDone, Transcript: "hello there"})
	conn.push(protocol.ResponseDone{
		Type: protocol.TypeResponseDone,
		Response: protocol.ResponseResult{
			ID:    "resp_1",
			Usage: protocol.Usage{InputTokens: 12, OutputTokens: 34},
		},
	})

	waitFor(t, func() bool { return rig.countReceived(protocol.TypeResponseDone) == 1 })

	sess, err := rig.sessions.Get(rig.sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.TurnState != turn.StateIdle {
		t.Fatalf("TurnState = %q, want %q", sess.TurnState, turn.StateIdle)
	}
	if sess.InputTokens != 12 || sess.OutputTokens != 34 {
		t.Fatalf("usage = %d/%d, want 12/34", sess.InputTokens, sess.OutputTokens)
	}
}

func TestRelayShortSpeechNotCommitted(t *testing.T) {
	conn := newScriptConn()
	rig := startRelay(t, &scriptDialer{conns: []*scriptConn{conn}}, testConfig())

	conn.push(protocol.SpeechStarted{Type: protocol.TypeSpeechStarted})
	rig.inbound <- protocol.InputAudioAppend{Type: protocol.TypeInputAudioAppend, Audio: audioChunk(100)}
	conn.push(protocol.SpeechStopped{Type: protocol.TypeSpeechStopped})
	rig.barrier(t, 1)

	if got := countSent(conn, protocol.TypeInputAudioCommit); got != 0 {
		t.Fatalf("commits = %d, want 0", got)
	}
	if got := countSent(conn, protocol.TypeResponseCreate); got != 0 {
		t.Fatalf("response.create = %d, want 0", got)
	}

	sess, err := rig.sessions.Get(rig.sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.TurnState != turn.StateIdle {
		t.Fatalf("TurnState = %q, want %q", sess.TurnState, turn.StateIdle)
	}
}

func TestRelayDuplicateResponseSuppressed(t *testing.T) {
	conn := newScriptConn()
	rig := startRelay(t, &scriptDialer{conns: []*scriptConn{conn}}, testConfig())

	conn.push(protocol.SpeechStarted{Type: protocol.TypeSpeechStarted})
	rig.inbound <- protocol.InputAudioAppend{Type: protocol.TypeInputAudioAppend, Audio: audioChunk(200)}
	conn.push(protocol.SpeechStopped{Type: protocol.TypeSpeechStopped})
	waitFor(t, func() bool { return countSent(conn, protocol.TypeResponseCreate) == 1 })

	// Fired while a response is already in flight; both must vanish
	// without an error surfacing to the client.
	rig.inbound <- protocol.ResponseCreate{Type: protocol.TypeResponseCreate}
	rig.inbound <- protocol.ResponseCreate{Type: protocol.TypeResponseCreate}
	rig.barrier(t, 2)

	if got := countSent(conn, protocol.TypeResponseCreate); got != 1 {
		t.Fatalf("forwarded response.create = %d, want 1", got)
	}
	if got := rig.countReceived(protocol.TypeError); got != 0 {
		t.Fatalf("errors surfaced = %d, want 0", got)
	}
}

func TestRelayDebouncedTurnRecovers(t *testing.T) {
	conn := newScriptConn()
	cfg := testConfig()
	cfg.ResponseDebounce = 200 * time.Millisecond
	rig := startRelay(t, &scriptDialer{conns: []*scriptConn{conn}}, cfg)

	runTurn := func(ts int64) {
		conn.push(protocol.SpeechStarted{Type: protocol.TypeSpeechStarted})
		rig.inbound <- protocol.InputAudioAppend{Type: protocol.TypeInputAudioAppend, Audio: audioChunk(200)}
		conn.push(protocol.SpeechStopped{Type: protocol.TypeSpeechStopped})
		rig.barrier(t, ts)
	}

	runTurn(1)
	waitFor(t, func() bool { return countSent(conn, protocol.TypeResponseCreate) == 1 })
	conn.push(protocol.ResponseAudioDelta{Type: protocol.TypeResponseAudioDelta, Delta: audioChunk(100)})
	conn.push(protocol.ResponseDone{Type: protocol.TypeResponseDone, Response: protocol.ResponseResult{ID: "resp_1"}})
	waitFor(t, func() bool { return rig.countReceived(protocol.TypeResponseDone) == 1 })

	// A second turn lands inside the debounce window: no commit goes out
	// and the session drops back to idle instead of sticking in processing.
	runTurn(2)
	if got := countSent(conn, protocol.TypeInputAudioCommit); got != 1 {
		t.Fatalf("commits after debounced turn = %d, want 1", got)
	}
	sess, err := rig.sessions.Get(rig.sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.TurnState != turn.StateIdle {
		t.Fatalf("TurnState after debounced turn = %q, want %q", sess.TurnState, turn.StateIdle)
	}

	// Past the window the next turn commits and requests again.
	time.Sleep(250 * time.Millisecond)
	runTurn(3)
	waitFor(t, func() bool {
		return countSent(conn, protocol.TypeInputAudioCommit) == 2 &&
			countSent(conn, protocol.TypeResponseCreate) == 2
	})
}

func TestRelayTranscriptDeduplicated(t *testing.T) {
	conn := newScriptConn()
	rig := startRelay(t, &scriptDialer{conns: []*scriptConn{conn}}, testConfig())

	conn.push(protocol.ResponseTranscriptDone{Type: protocol.TypeResponseTranscriptDone, Transcript: "Hello, there!"})
	conn.push(protocol.ResponseTranscriptDone{Type: protocol.TypeResponseTranscriptDone, Transcript: "hello there"})
	rig.barrier(t, 3)

	if got := rig.countReceived(protocol.TypeResponseTranscriptDone); got != 1 {
		t.Fatalf("transcripts forwarded = %d, want 1", got)
	}
}

func TestRelayRateLimitedResponseRetried(t *testing.T) {
	conn := newScriptConn()
	cfg := testConfig()
	cfg.RateLimitRetryDelay = 20 * time.Millisecond
	rig := startRelay(t, &scriptDialer{conns: []*scriptConn{conn}}, cfg)

	conn.push(protocol.SpeechStarted{Type: protocol.TypeSpeechStarted})
	rig.inbound <- protocol.InputAudioAppend{Type: protocol.TypeInputAudioAppend, Audio: audioChunk(200)}
	conn.push(protocol.SpeechStopped{Type: protocol.TypeSpeechStopped})
	waitFor(t, func() bool { return countSent(conn, protocol.TypeResponseCreate) == 1 })

	conn.push(protocol.ErrorMessage{
		Type:  protocol.TypeError,
		Error: protocol.ErrorDetail{Type: "rate_limit_exceeded", Message: "slow down"},
	})

	// The refused request is re-issued after the delay while the turn is
	// still in flight.
	waitFor(t, func() bool { return countSent(conn, protocol.TypeResponseCreate) == 2 })

	// The retried turn completes normally.
	conn.push(protocol.ResponseAudioDelta{Type: protocol.TypeResponseAudioDelta, Delta: audioChunk(100)})
	conn.push(protocol.ResponseDone{Type: protocol.TypeResponseDone, Response: protocol.ResponseResult{ID: "resp_1"}})
	waitFor(t, func() bool { return rig.countReceived(protocol.TypeResponseDone) == 1 })

	sess, err := rig.sessions.Get(rig.sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.TurnState != turn.StateIdle {
		t.Fatalf("TurnState = %q, want %q", sess.TurnState, turn.StateIdle)
	}
}

func TestRelayPingAnsweredLocally(t *testing.T) {
	conn := newScriptConn()
	rig := startRelay(t, &scriptDialer{conns: []*scriptConn{conn}}, testConfig())

	rig.inbound <- protocol.Ping{Type: protocol.TypePing, Timestamp: 99}
	waitFor(t, func() bool {
		msg, ok := rig.lastReceived(protocol.TypePong)
		return ok && msg.(protocol.Pong).Timestamp == 99
	})

	if got := countSent(conn, protocol.TypePing); got != 0 {
		t.Fatalf("pings forwarded upstream = %d, want 0", got)
	}
}

func TestRelayReconnectAfterTransientClose(t *testing.T) {
	conn1 := newScriptConn()
	conn2 := newScriptConn()
	dialer := &scriptDialer{conns: []*scriptConn{conn1, conn2}}
	rig := startRelay(t, dialer, testConfig())

	waitFor(t, func() bool { return rig.countReceived(protocol.TypeSessionUpdated) == 1 })
	conn1.fail(1006)
	waitFor(t, func() bool { return dialer.dialCount() == 2 })
	waitFor(t, func() bool { return rig.countReceived(protocol.TypeSessionUpdated) == 2 })

	// The replacement channel carries traffic.
	conn2.push(protocol.SpeechStarted{Type: protocol.TypeSpeechStarted})
	waitFor(t, func() bool { return rig.countReceived(protocol.TypeSpeechStarted) == 1 })

	sess, err := rig.sessions.Get(rig.sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.Reconnects != 1 {
		t.Fatalf("Reconnects = %d, want 1", sess.Reconnects)
	}
	if sess.Status != session.StatusActive {
		t.Fatalf("Status = %q, want %q", sess.Status, session.StatusActive)
	}
}

func TestRelayReconnectExhausted(t *testing.T) {
	conn := newScriptConn()
	dialer := &scriptDialer{
		conns: []*scriptConn{conn},
		err:   errors.New("connection refused"),
	}
	cfg := testConfig()
	cfg.ReconnectPolicy.MaxAttempts = 2
	rig := startRelay(t, dialer, cfg)

	waitFor(t, func() bool { return rig.countReceived(protocol.TypeSessionCreated) == 1 })
	conn.fail(1006)

	select {
	case err := <-rig.done:
		if !errors.Is(err, reliability.ErrReconnectExhausted) {
			t.Fatalf("RunSession() error = %v, want ErrReconnectExhausted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunSession did not return")
	}

	sess, err := rig.sessions.Get(rig.sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.Status != session.StatusError {
		t.Fatalf("Status = %q, want %q", sess.Status, session.StatusError)
	}
	waitFor(t, func() bool { return rig.countReceived(protocol.TypeError) > 0 })
}

func TestRelayNormalCloseEndsSession(t *testing.T) {
	conn := newScriptConn()
	rig := startRelay(t, &scriptDialer{conns: []*scriptConn{conn}}, testConfig())

	waitFor(t, func() bool { return rig.countReceived(protocol.TypeSessionCreated) == 1 })
	conn.fail(1000)

	select {
	case err := <-rig.done:
		if err != nil {
			t.Fatalf("RunSession() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunSession did not return")
	}

	sess, err := rig.sessions.Get(rig.sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.Status != session.StatusEnded {
		t.Fatalf("Status = %q, want %q", sess.Status, session.StatusEnded)
	}
}

func TestRelayInitialDialFailure(t *testing.T) {
	dialer := &scriptDialer{err: reliability.ErrConnectTimeout}
	rig := startRelay(t, dialer, testConfig())

	select {
	case err := <-rig.done:
		if !errors.Is(err, reliability.ErrConnectTimeout) {
			t.Fatalf("RunSession() error = %v, want ErrConnectTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunSession did not return")
	}

	sess, err := rig.sessions.Get(rig.sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.Status != session.StatusError {
		t.Fatalf("Status = %q, want %q", sess.Status, session.StatusError)
	}
}

func TestRelayClientDisconnectEndsSession(t *testing.T) {
	conn := newScriptConn()
	rig := startRelay(t, &scriptDialer{conns: []*scriptConn{conn}}, testConfig())

	waitFor(t, func() bool { return rig.countReceived(protocol.TypeSessionCreated) == 1 })
	close(rig.inbound)

	select {
	case err := <-rig.done:
		if err != nil {
			t.Fatalf("RunSession() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunSession did not return")
	}

	sess, err := rig.sessions.Get(rig.sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.Status != session.StatusEnded {
		t.Fatalf("Status = %q, want %q", sess.Status, session.StatusEnded)
	}
}
