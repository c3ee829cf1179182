// Package merge reconciles two divergent full-text versions of a file
// against their common base, outside the live OT stream. A failed merge
// is a first-class result carrying conflict markers, never an error:
// conflicts are an expected, frequent outcome.
package merge

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HistoryRetention bounds how long resolution records are kept.
const HistoryRetention = 7 * 24 * time.Hour

// Method tags which strategy produced a resolution.
type Method string

const (
	MethodThreeWayIdentical Method = "three-way-identical"
	MethodThreeWayLocal     Method = "three-way-local"
	MethodThreeWayRemote    Method = "three-way-remote"
	MethodLineBased         Method = "line-based"
	MethodSemantic          Method = "semantic"
	MethodManual            Method = "manual"
)

// Resolution is the outcome of a merge attempt. When OK is false,
// Content holds the input bracketed by conflict markers for manual
// resolution.
type Resolution struct {
	OK        bool   `json:"ok"`
	Content   string `json:"content"`
	Method    Method `json:"method"`
	Conflicts int    `json:"conflicts,omitempty"`
}

// Record is one logged resolution attempt.
type Record struct {
	ID        string    `json:"id"`
	Method    Method    `json:"method"`
	OK        bool      `json:"ok"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats are the running resolution counters.
type Stats struct {
	AutoResolved   int `json:"autoResolved"`
	ManualResolved int `json:"manualResolved"`
	Failed         int `json:"failed"`
}

// HistorySink receives resolution records for persistence. Optional.
type HistorySink interface {
	AppendResolution(Record) error
}

// Resolver runs the strategy chain and keeps resolution statistics.
type Resolver struct {
	log  *slog.Logger
	sink HistorySink

	mu      sync.Mutex
	stats   Stats
	history []Record
}

// NewResolver creates a Resolver.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{log: logger.With("component", "conflict-resolver")}
}

// WithSink attaches a persistence sink for resolution records.
func (r *Resolver) WithSink(sink HistorySink) *Resolver {
	r.sink = sink
	return r
}

// Resolve unifies local and remote against base, attempting each
// strategy in order until one succeeds or all are exhausted.
func (r *Resolver) Resolve(base, local, remote string) Resolution {
	res := r.resolve(base, local, remote)
	r.record(res)
	return res
}

func (r *Resolver) resolve(base, local, remote string) Resolution {
	// Identity shortcuts first: no textual work needed.
	if res, ok := threeWayShortcut(base, local, remote); ok {
		return res
	}

	if res := lineBasedMerge(base, local, remote); res.OK {
		return res
	}

	if res, ok := semanticMerge(base, local, remote); ok {
		return res
	}

	// Terminal fallback: report failure with full conflict markers.
	return Resolution{
		OK:      false,
		Content: conflictMarkers(local, remote),
		Method:  MethodManual,
	}
}

// ResolveManual records an explicit manual resolution of a previous
// conflict, for the statistics split between auto and manual outcomes.
func (r *Resolver) ResolveManual(content string) Resolution {
	res := Resolution{OK: true, Content: content, Method: MethodManual}
	r.record(res)
	return res
}

// threeWayShortcut handles the cases where no merge is needed: both
// sides identical, or one side untouched relative to base.
func threeWayShortcut(base, local, remote string) (Resolution, bool) {
	switch {
	case local == remote:
		return Resolution{OK: true, Content: local, Method: MethodThreeWayIdentical}, true
	case local == base:
		return Resolution{OK: true, Content: remote, Method: MethodThreeWayRemote}, true
	case remote == base:
		return Resolution{OK: true, Content: local, Method: MethodThreeWayLocal}, true
	}
	return Resolution{}, false
}

func (r *Resolver) record(res Resolution) {
	rec := Record{
		ID:        uuid.NewString(),
		Method:    res.Method,
		OK:        res.OK,
		Timestamp: time.Now(),
	}

	r.mu.Lock()
	switch {
	case res.OK && res.Method == MethodManual:
		r.stats.ManualResolved++
	case res.OK:
		r.stats.AutoResolved++
	default:
		r.stats.Failed++
	}
	r.history = append(r.history, rec)
	r.mu.Unlock()

	r.log.Debug("conflict resolution recorded", "method", rec.Method, "ok", rec.OK)

	if r.sink != nil {
		if err := r.sink.AppendResolution(rec); err != nil {
			r.log.Warn("failed to persist resolution record", "error", err)
		}
	}
}

// Stats returns the running counters.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// History returns the retained resolution records, oldest first.
func (r *Resolver) History() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.history))
	copy(out, r.history)
	return out
}

// Prune drops resolution records older than HistoryRetention.
func (r *Resolver) Prune() int {
	cutoff := time.Now().Add(-HistoryRetention)

	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.history[:0]
	dropped := 0
	for _, rec := range r.history {
		if rec.Timestamp.After(cutoff) {
			kept = append(kept, rec)
		} else {
			dropped++
		}
	}
	r.history = kept
	return dropped
}
