package analyses

import (
	"math"
	"sync"
	"time"

	"policy-backend/internal/statestore"
)

const (
	PhaseInitial       = "initial"
	PhaseUnderstanding = "understanding"
	PhaseExtracting    = "extracting"
	PhaseAnalyzing     = "analyzing"
	PhaseFinalizing    = "finalizing"
	PhaseComplete      = "complete"
)

// Progress is a point-in-time view of a run for one user policy.
type Progress struct {
	RunID     string    `json:"runId"`
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
	Percent   int       `json:"percent"`
	Phase     string    `json:"phase"`
	Running   bool      `json:"running"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Tracker holds in-process progress per user policy. The latest run for a
// policy owns its entry.
type Tracker struct {
	mu   sync.Mutex
	runs map[string]*Progress
	now  func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]*Progress), now: time.Now}
}

func trackerKey(userIdentity string, policyIndex int) string {
	return statestore.PolicyPrefix(userIdentity, policyIndex).String()
}

func (t *Tracker) begin(key, runID string, total int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[key] = &Progress{RunID: runID, Total: total, Running: true, UpdatedAt: t.now().UTC()}
}

func (t *Tracker) advance(key, runID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.runs[key]
	if !ok || p.RunID != runID {
		return
	}
	if p.Processed < p.Total {
		p.Processed++
	}
	p.UpdatedAt = t.now().UTC()
}

func (t *Tracker) finish(key, runID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.runs[key]
	if !ok || p.RunID != runID {
		return
	}
	p.Running = false
	p.UpdatedAt = t.now().UTC()
}

// Snapshot returns the progress of the latest run for a user policy.
func (t *Tracker) Snapshot(userIdentity string, policyIndex int) (Progress, bool) {
	if t == nil {
		return Progress{}, false
	}
	if policyIndex < 1 {
		policyIndex = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.runs[trackerKey(userIdentity, policyIndex)]
	if !ok {
		return Progress{}, false
	}
	out := *p
	out.Phase = phaseFor(out.Processed, out.Total, out.Running)
	out.Percent = percentFor(out.Processed, out.Total)
	return out, true
}

// phaseFor scales the 3/7/11-of-13 thresholds to the catalog size.
func phaseFor(processed, total int, running bool) string {
	if !running && total > 0 && processed >= total {
		return PhaseComplete
	}
	if processed == 0 || total <= 0 {
		return PhaseInitial
	}
	switch {
	case processed*13 < 3*total:
		return PhaseUnderstanding
	case processed*13 < 7*total:
		return PhaseExtracting
	case processed*13 < 11*total:
		return PhaseAnalyzing
	default:
		return PhaseFinalizing
	}
}

func percentFor(processed, total int) int {
	if processed == 0 || total <= 0 {
		return 5
	}
	return int(math.Round(float64(processed) / float64(total) * 100))
}
