package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// StageStats summarizes recent durations spent in one turn stage.
type StageStats struct {
	Stage   string  `json:"stage"`
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	P99MS   float64 `json:"p99_ms"`
}

// StageSnapshot is the JSON document served to the status surface.
type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
}

// StageWindow keeps a rolling window of per-stage latencies so the status
// surface can report turn pacing without a metrics backend.
type StageWindow struct {
	mu         sync.RWMutex
	maxSamples int
	stages     map[string]*stageBuffer
}

type stageBuffer struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func NewStageWindow(maxSamples int) *StageWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &StageWindow{
		maxSamples: maxSamples,
		stages:     make(map[string]*stageBuffer),
	}
}

func (w *StageWindow) Observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	ms := float64(d.Microseconds()) / 1000

	w.mu.Lock()
	defer w.mu.Unlock()
	buf, ok := w.stages[stage]
	if !ok {
		buf = &stageBuffer{values: make([]float64, w.maxSamples)}
		w.stages[stage] = buf
	}
	buf.values[buf.next] = ms
	buf.next++
	if buf.next >= len(buf.values) {
		buf.next = 0
		buf.filled = true
	}
	buf.last = ms
}

func (w *StageWindow) Snapshot() StageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
	}
	names := make([]string, 0, len(w.stages))
	for name := range w.stages {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		buf := w.stages[name]
		n := buf.next
		if buf.filled {
			n = len(buf.values)
		}
		if n == 0 {
			continue
		}
		vals := make([]float64, n)
		copy(vals, buf.values[:n])
		sort.Float64s(vals)

		var sum float64
		for _, v := range vals {
			sum += v
		}
		snap.Stages = append(snap.Stages, StageStats{
			Stage:   name,
			Samples: n,
			LastMS:  buf.last,
			AvgMS:   round2(sum / float64(n)),
			P50MS:   round2(percentile(vals, 0.50)),
			P95MS:   round2(percentile(vals, 0.95)),
			P99MS:   round2(percentile(vals, 0.99)),
		})
	}
	return snap
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
