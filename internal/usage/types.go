package usage

import (
	"context"
	"time"
)

// Record stores token usage reported by one completed response.
type Record struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	ResponseID   string    `json:"response_id"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CreatedAt    time.Time `json:"created_at"`
}

// Totals aggregates usage for one session.
type Totals struct {
	SessionID    string `json:"session_id"`
	Responses    int    `json:"responses"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Store persists per-response token usage for the cost surface.
type Store interface {
	Save(ctx context.Context, rec Record) error
	SessionTotals(ctx context.Context, sessionID string) (Totals, error)
	Close() error
}
