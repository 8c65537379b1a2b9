package session

import (
	"time"

	"github.com/ent0n29/voicebridge/internal/turn"
)

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}

// StatusResponse is the session-status query surface read by the external
// dashboard. The core only exposes turn state and channel status here.
type StatusResponse struct {
	SessionID      string     `json:"session_id"`
	Status         Status     `json:"status"`
	TurnState      turn.State `json:"turn_state"`
	ChannelStatus  string     `json:"channel_status"`
	Reconnects     int        `json:"reconnects"`
	InputTokens    int        `json:"input_tokens"`
	OutputTokens   int        `json:"output_tokens"`
	LastHeartbeat  time.Time  `json:"last_heartbeat"`
	LastActivityAt time.Time  `json:"last_activity_at"`
}
