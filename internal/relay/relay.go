// Package relay implements the mediator's half of the conversation: it
// accepts one client channel per session, opens one channel to the
// upstream speech service, and forwards messages both ways while enforcing
// the turn contract.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

// Config tunes per-session relay behavior.
type Config struct {
	MinSpeechDuration time.Duration
	ResponseDebounce  time.Duration
	ReconnectPolicy   reliability.ReconnectPolicy
	ResponseModality  []string

	// RateLimitRetryDelay is how long to wait before re-issuing a response
	// request the upstream refused as rate limited.
	RateLimitRetryDelay time.Duration
}

// Relay runs one forwarding loop per session. All turn state for a session
// is owned by that loop; nothing else writes it.
type Relay struct {
	cfg      Config
	sessions *session.Manager
	usage    usage.Store
	metrics  *observability.Metrics
	stages   *observability.StageWindow
	broker   *pubsub.Broker
	dialer   Dialer
	log      zerolog.Logger
}

func New(
	cfg Config,
	sessions *session.Manager,
	usageStore usage.Store,
	metrics *observability.Metrics,
	stages *observability.StageWindow,
	broker *pubsub.Broker,
	dialer Dialer,
	log zerolog.Logger,
) *Relay {
	if cfg.ReconnectPolicy.MaxAttempts == 0 {
		cfg.ReconnectPolicy = reliability.DefaultReconnectPolicy()
	}
	if len(cfg.ResponseModality) == 0 {
		cfg.ResponseModality = []string{"text", "audio"}
	}
	if cfg.RateLimitRetryDelay <= 0 {
		cfg.RateLimitRetryDelay = 2 * time.Second
	}
	return &Relay{
		cfg:      cfg,
		sessions: sessions,
		usage:    usageStore,
		metrics:  metrics,
		stages:   stages,
		broker:   broker,
		dialer:   dialer,
		log:      log,
	}
}

// RunSession forwards between the client (inbound/outbound) and the
// upstream speech service until the context is canceled, the client
// disconnects, or the upstream channel fails beyond recovery.
func (r *Relay) RunSession(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) error {
	loop := &sessionLoop{
		relay:     r,
		sessionID: sess.ID,
		machine: turn.NewMachine(
			turn.WithThresholds(r.cfg.MinSpeechDuration, r.cfg.ResponseDebounce),
		),
		deduper:   turn.NewTranscriptDeduper(),
		outbound:  outbound,
		lastState: turn.StateIdle,
		since:     time.Now(),
		retryCh:   make(chan struct{}, 1),
		log:       r.log.With().Str("session_id", sess.ID).Logger(),
	}
	return loop.run(ctx, inbound)
}

type sessionLoop struct {
	relay     *Relay
	sessionID string
	machine   *turn.Machine
	deduper   *turn.TranscriptDeduper
	conn      Conn
	outbound  chan<- any

	lastState  turn.State
	since      time.Time
	requestAt  time.Time
	firstAudio bool

	retryCh    chan struct{}
	retryTimer *time.Timer

	log zerolog.Logger
}

func (l *sessionLoop) run(ctx context.Context, inbound <-chan any) error {
	r := l.relay

	conn, err := r.dialer.Dial(ctx, l.sessionID)
	if err != nil {
		l.emitError("connect_failed", err.Error())
		if _, merr := r.sessions.MarkError(l.sessionID); merr != nil {
			l.log.Warn().Err(merr).Msg("mark session error")
		}
		return fmt.Errorf("open upstream channel: %w", err)
	}
	l.conn = conn
	defer func() {
		_ = l.conn.Close()
		if l.retryTimer != nil {
			l.retryTimer.Stop()
		}
	}()

	l.emit(protocol.SessionCreated{
		Type:    protocol.TypeSessionCreated,
		Session: protocol.SessionInfo{ID: l.sessionID},
	})
	l.emit(protocol.SessionUpdated{Type: protocol.TypeSessionUpdated})

	for {
		select {
		case <-ctx.Done():
			l.endSession("context_done")
			return nil

		case msg, ok := <-inbound:
			if !ok {
				l.endSession("client_disconnected")
				return nil
			}
			l.handleClient(msg)

		case <-l.retryCh:
			l.retryResponse()

		case ev, ok := <-l.conn.Events():
			if !ok {
				// Terminal error event was already delivered; by the time
				// the channel closes a new conn is in place or we have
				// returned. A bare close without an error event means the
				// upstream went away abruptly.
				if err := l.recover(ctx, reliability.ClassTransient); err != nil {
					return err
				}
				if ctx.Err() != nil {
					l.endSession("context_done")
					return nil
				}
				continue
			}
			if ev.Err != nil {
				class := reliability.ClassifyClose(ev.CloseCode)
				if class == reliability.ClassNormal {
					l.endSession("upstream_closed")
					return nil
				}
				l.log.Warn().Int("close_code", ev.CloseCode).Str("class", string(class)).
					Err(ev.Err).Msg("upstream channel lost")
				if err := l.recover(ctx, class); err != nil {
					return err
				}
				if ctx.Err() != nil {
					l.endSession("context_done")
					return nil
				}
				continue
			}
			l.handleUpstream(ev.Msg)
		}
	}
}

func (l *sessionLoop) handleClient(msg any) {
	r := l.relay
	switch m := msg.(type) {
	case protocol.InputAudioAppend:
		if pcm, err := audio.DecodeBase64(m.Audio); err == nil {
			l.machine.AddAudio(audio.Duration(len(pcm)))
			l.syncTurn()
		}
		l.forwardUpstream(m, true)

	case protocol.InputAudioCommit:
		l.forwardUpstream(m, false)

	case protocol.ResponseCreate:
		if err := l.machine.RequestResponse(); err != nil {
			// The guard firing is the mechanism preventing doubled
			// responses; the trigger is dropped without surfacing an error.
			if errors.Is(err, turn.ErrDuplicateResponse) {
				r.metrics.RelayDrops.WithLabelValues("duplicate_response").Inc()
				l.log.Debug().Msg("duplicate response.create suppressed")
			} else {
				r.metrics.RelayDrops.WithLabelValues("bad_transition").Inc()
				l.log.Debug().Err(err).Msg("response.create refused")
			}
			l.syncTurn()
			return
		}
		l.markResponseRequested()
		l.forwardUpstream(m, false)

	case protocol.Ping:
		if err := r.sessions.Heartbeat(l.sessionID); err != nil {
			l.log.Warn().Err(err).Msg("heartbeat on unknown session")
		}
		l.emit(protocol.Pong{Type: protocol.TypePong, Timestamp: m.Timestamp})

	case protocol.Unhandled:
		r.metrics.WSMessages.WithLabelValues("inbound", "unhandled").Inc()
		l.log.Warn().Str("type", string(m.Type)).Msg("unhandled client message type")
		l.forwardUpstream(json.RawMessage(m.Raw), false)

	default:
		// Server-originated types arriving from the client are a protocol
		// violation; they are counted and ignored.
		r.metrics.RelayDrops.WithLabelValues("client_protocol").Inc()
	}
}

func (l *sessionLoop) handleUpstream(msg any) {
	r := l.relay
	if t, ok := protocol.TypeOf(msg); ok {
		r.metrics.WSMessages.WithLabelValues("upstream", string(t)).Inc()
	}

	switch m := msg.(type) {
	case protocol.SpeechStarted:
		if err := l.machine.SpeechStarted(); err != nil {
			l.log.Debug().Err(err).Msg("speech_started ignored")
		}
		l.syncTurn()
		l.emit(m)

	case protocol.SpeechStopped:
		commit, err := l.machine.SpeechStopped()
		l.syncTurn()
		l.emit(m)
		if err != nil {
			l.log.Debug().Err(err).Msg("speech_stopped ignored")
			return
		}
		if !commit {
			// Too short to be speech; dropped as noise, no commit.
			r.metrics.RelayDrops.WithLabelValues("short_speech").Inc()
			return
		}
		if err := l.machine.RequestResponse(); err != nil {
			// Refused inside the debounce window. The buffered audio is not
			// committed; the machine has already returned to idle.
			r.metrics.RelayDrops.WithLabelValues("duplicate_response").Inc()
			l.syncTurn()
			return
		}
		l.forwardUpstream(protocol.InputAudioCommit{Type: protocol.TypeInputAudioCommit}, false)
		l.markResponseRequested()
		l.forwardUpstream(protocol.ResponseCreate{
			Type:     protocol.TypeResponseCreate,
			Response: protocol.ResponseConfig{Modalities: r.cfg.ResponseModality},
		}, false)

	case protocol.InputAudioCommitted:
		l.emit(m)

	case protocol.ResponseCreated:
		l.emit(m)

	case protocol.ResponseAudioDelta:
		if !l.firstAudio {
			if err := l.machine.FirstAudio(); err == nil {
				l.firstAudio = true
				if !l.requestAt.IsZero() {
					r.metrics.ObserveFirstAudioLatency(time.Since(l.requestAt))
				}
			}
			l.syncTurn()
		}
		l.emit(m)

	case protocol.ResponseAudioDone:
		l.emit(m)

	case protocol.ResponseTranscriptDelta:
		l.emit(m)

	case protocol.ResponseTranscriptDone:
		if !l.deduper.Observe(m.Transcript) {
			r.metrics.RelayDrops.WithLabelValues("duplicate_transcript").Inc()
			return
		}
		l.emit(m)

	case protocol.ResponseDone:
		if err := l.machine.ResponseDone(); err != nil {
			l.log.Debug().Err(err).Msg("response.done ignored")
		}
		l.firstAudio = false
		l.syncTurn()
		l.recordUsage(m)
		l.emit(m)

	case protocol.ErrorMessage:
		class := reliability.ClassifyUpstreamError(m.Error.Type)
		r.metrics.UpstreamErrors.WithLabelValues(string(class)).Inc()
		r.broker.Publish(pubsub.Event{
			Topic:     pubsub.TopicErrors,
			SessionID: l.sessionID,
			Kind:      string(class),
			Detail:    m.Error.Message,
		})
		l.emit(m)
		switch class {
		case reliability.ClassAuthFailed:
			l.machine.Fail()
			l.syncTurn()
		case reliability.ClassRateLimited:
			if l.machine.State() == turn.StateGenerating {
				l.scheduleResponseRetry()
			}
		}

	case protocol.Unhandled:
		// Forward verbatim; the client's parser owns the same explicit
		// unknown-type handling.
		r.metrics.WSMessages.WithLabelValues("upstream", "unhandled").Inc()
		l.log.Debug().Str("type", string(m.Type)).Msg("unhandled upstream message type")
		l.emit(json.RawMessage(m.Raw))

	default:
		r.metrics.RelayDrops.WithLabelValues("upstream_protocol").Inc()
	}
}

// scheduleResponseRetry arms a one-shot re-issue of the in-flight response
// request after the rate limit delay. The send is non-blocking; an already
// pending retry absorbs further schedules.
func (l *sessionLoop) scheduleResponseRetry() {
	delay := l.relay.cfg.RateLimitRetryDelay
	l.log.Info().Dur("delay", delay).Msg("rate limited; retrying response request")
	if l.retryTimer != nil {
		l.retryTimer.Stop()
	}
	l.retryTimer = time.AfterFunc(delay, func() {
		select {
		case l.retryCh <- struct{}{}:
		default:
		}
	})
}

// retryResponse re-forwards response.create for the turn the upstream rate
// limited. The machine stayed in generating, so this replaces the refused
// request rather than starting a second one.
func (l *sessionLoop) retryResponse() {
	if l.machine.State() != turn.StateGenerating {
		return
	}
	l.forwardUpstream(protocol.ResponseCreate{
		Type:     protocol.TypeResponseCreate,
		Response: protocol.ResponseConfig{Modalities: l.relay.cfg.ResponseModality},
	}, false)
}

// recover replaces the upstream channel after a retryable failure. Turn
// state and dedup history never survive the channel boundary.
func (l *sessionLoop) recover(ctx context.Context, class reliability.Class) error {
	r := l.relay

	if !class.Retryable() {
		l.machine.Fail()
		l.syncTurn()
		if _, err := r.sessions.MarkError(l.sessionID); err != nil {
			l.log.Warn().Err(err).Msg("mark session error")
		}
		l.emitError(string(class), "upstream channel failed; restart the session")
		return fmt.Errorf("upstream failure: %w", reliability.ErrProtocolViolation)
	}

	policy := r.cfg.ReconnectPolicy
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if n, err := r.sessions.RecordReconnect(l.sessionID); err == nil {
			l.log.Info().Int("attempt", attempt).Int("total_reconnects", n).Msg("reconnecting upstream")
		}
		r.metrics.Reconnects.Inc()
		r.broker.Publish(pubsub.Event{
			Topic:     pubsub.TopicSessionLifecycle,
			SessionID: l.sessionID,
			Kind:      "reconnecting",
			Detail:    fmt.Sprintf("attempt %d", attempt),
		})

		// Tear down everything below the channel before redialing so no
		// stale turn or dedup state crosses the boundary.
		l.machine.Reset()
		l.deduper.Reset()
		l.firstAudio = false
		l.requestAt = time.Time{}
		l.syncTurn()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(policy.Delay(attempt)):
		}

		conn, err := r.dialer.Dial(ctx, l.sessionID)
		if err != nil {
			l.log.Warn().Int("attempt", attempt).Err(err).Msg("reconnect attempt failed")
			if errors.Is(err, reliability.ErrAuthenticationFailed) {
				break
			}
			continue
		}
		_ = l.conn.Close()
		l.conn = conn
		l.emit(protocol.SessionUpdated{Type: protocol.TypeSessionUpdated})
		r.broker.Publish(pubsub.Event{
			Topic:     pubsub.TopicSessionLifecycle,
			SessionID: l.sessionID,
			Kind:      "reconnected",
		})
		return nil
	}

	if _, err := r.sessions.MarkError(l.sessionID); err != nil {
		l.log.Warn().Err(err).Msg("mark session error")
	}
	l.machine.Fail()
	l.syncTurn()
	l.emitError("reconnect_exhausted", "reconnection attempts exhausted; restart the session")
	r.broker.Publish(pubsub.Event{
		Topic:     pubsub.TopicSessionLifecycle,
		SessionID: l.sessionID,
		Kind:      "failed",
		Detail:    "reconnect attempts exhausted",
	})
	return reliability.ErrReconnectExhausted
}

func (l *sessionLoop) forwardUpstream(msg any, droppable bool) {
	r := l.relay
	err := l.conn.Send(msg)
	switch {
	case err == nil:
		if t, ok := protocol.TypeOf(msg); ok {
			r.metrics.WSMessages.WithLabelValues("to_upstream", string(t)).Inc()
		}
	case errors.Is(err, ErrBacklogFull) && droppable:
		// Bounded backlog: audio appends are dropped in preference to
		// growing memory without bound.
		r.metrics.RelayDrops.WithLabelValues("upstream_backlog").Inc()
	case errors.Is(err, ErrBacklogFull):
		r.metrics.RelayDrops.WithLabelValues("upstream_backlog_control").Inc()
		l.log.Warn().Msg("upstream backlog full; control message dropped")
	default:
		r.metrics.RelayDrops.WithLabelValues("upstream_closed").Inc()
	}
}

// emit queues a message toward the client without ever blocking the loop.
func (l *sessionLoop) emit(msg any) {
	select {
	case l.outbound <- msg:
		if t, ok := protocol.TypeOf(msg); ok {
			l.relay.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
		}
	default:
		l.relay.metrics.RelayDrops.WithLabelValues("outbound_full").Inc()
	}
}

func (l *sessionLoop) emitError(code, message string) {
	l.emit(protocol.ErrorMessage{
		Type: protocol.TypeError,
		Error: protocol.ErrorDetail{
			Type:    code,
			Message: message,
		},
	})
}

func (l *sessionLoop) markResponseRequested() {
	l.requestAt = time.Now()
	l.firstAudio = false
	l.syncTurn()
}

// syncTurn mirrors the machine's state into the registry, metrics, stage
// window, and broker whenever it changed.
func (l *sessionLoop) syncTurn() {
	state := l.machine.State()
	if state == l.lastState {
		return
	}
	r := l.relay
	now := time.Now()
	r.stages.Observe(string(l.lastState), now.Sub(l.since))
	l.lastState = state
	l.since = now

	if err := r.sessions.SetTurnState(l.sessionID, state); err != nil {
		l.log.Warn().Err(err).Msg("sync turn state")
	}
	r.metrics.TurnTransitions.WithLabelValues(string(state)).Inc()
	r.broker.Publish(pubsub.Event{
		Topic:     pubsub.TopicTurnTransitions,
		SessionID: l.sessionID,
		Kind:      string(state),
	})
}

func (l *sessionLoop) recordUsage(m protocol.ResponseDone) {
	r := l.relay
	u := m.Response.Usage
	if u.InputTokens == 0 && u.OutputTokens == 0 {
		return
	}
	if err := r.sessions.AddUsage(l.sessionID, u.InputTokens, u.OutputTokens); err != nil {
		l.log.Warn().Err(err).Msg("add session usage")
	}
	r.metrics.TokensUsed.WithLabelValues("input").Add(float64(u.InputTokens))
	r.metrics.TokensUsed.WithLabelValues("output").Add(float64(u.OutputTokens))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.usage.Save(ctx, usage.Record{
		SessionID:    l.sessionID,
		ResponseID:   m.Response.ID,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
	}); err != nil {
		l.log.Warn().Err(err).Msg("save usage record")
	}
}

func (l *sessionLoop) endSession(reason string) {
	r := l.relay
	if _, err := r.sessions.End(l.sessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
		l.log.Warn().Err(err).Msg("end session")
	}
	r.broker.Publish(pubsub.Event{
		Topic:     pubsub.TopicSessionLifecycle,
		SessionID: l.sessionID,
		Kind:      "ended",
		Detail:    reason,
	})
	l.log.Info().Str("reason", reason).Msg("session ended")
}
