package pipeline

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/metrics"
	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/models"
)

// Observer receives one report per settled window. Observers are a side
// channel: they cannot influence the run.
type Observer interface {
	ObserveWindow(models.WindowReport)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(models.WindowReport)

func (f ObserverFunc) ObserveWindow(r models.WindowReport) { f(r) }

// LogObserver writes one structured line per window.
func LogObserver(logger *zap.Logger) Observer {
	return ObserverFunc(func(r models.WindowReport) {
		fields := []zap.Field{
			zap.Time("window_start", r.Window.Start),
			zap.Time("window_end", r.Window.End),
			zap.String("outcome", string(r.Outcome)),
			zap.Int("rows", r.Persisted),
			zap.Int("running_total", r.RunningTotal),
		}
		switch r.Outcome {
		case models.OutcomeFailed:
			logger.Warn("window failed", append(fields, zap.Int("attempts", r.Attempts), zap.Error(r.Err))...)
		case models.OutcomeNoData:
			logger.Info("window empty", fields...)
		default:
			logger.Info("window persisted", append(fields,
				zap.Int("fetched", r.Fetched),
				zap.Int("rejected", r.Rejected),
				zap.Int("duplicates", r.Duplicates),
				zap.Int("row_failures", r.RowFailures))...)
		}
	})
}

// MetricsObserver feeds window outcomes and row counts into Prometheus.
func MetricsObserver(m *metrics.Metrics) Observer {
	return ObserverFunc(func(r models.WindowReport) {
		m.RecordWindow(string(r.Outcome))
		m.AddRows("fetched", r.Fetched)
		m.AddRows("rejected", r.Rejected)
		m.AddRows("persisted", r.Persisted)
		m.AddRows("duplicate", r.Duplicates)
		m.AddRows("failed", r.RowFailures)
	})
}

// State is the coarse phase of a run as shown on the status endpoint.
type State string

const (
	StateIdle        State = "idle"
	StateResuming    State = "resuming"
	StateRunning     State = "running"
	StateCoolingDown State = "cooling_down"
	StateDone        State = "done"
)

// Progress is a point-in-time view of a run.
type Progress struct {
	RunID               string            `json:"run_id,omitempty"`
	Source              string            `json:"source,omitempty"`
	State               State             `json:"state"`
	RangeStart          *time.Time        `json:"range_start,omitempty"`
	RangeEnd            *time.Time        `json:"range_end,omitempty"`
	Cursor              *time.Time        `json:"cursor,omitempty"`
	Checkpoint          *time.Time        `json:"checkpoint,omitempty"`
	LastOutcome         models.Outcome    `json:"last_outcome,omitempty"`
	WindowsAttempted    int               `json:"windows_attempted"`
	WindowsFailed       int               `json:"windows_failed"`
	RowsPersisted       int               `json:"rows_persisted"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	Reason              models.StopReason `json:"stop_reason,omitempty"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// Tracker keeps the latest Progress for the status API. A nil Tracker is a no-op.
type Tracker struct {
	mu sync.RWMutex
	p  Progress
}

func NewTracker() *Tracker {
	return &Tracker{p: Progress{State: StateIdle, UpdatedAt: time.Now().UTC()}}
}

// Snapshot returns a copy of the current progress.
func (t *Tracker) Snapshot() Progress {
	if t == nil {
		return Progress{State: StateIdle}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.p
}

func (t *Tracker) update(fn func(p *Progress)) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.p)
	t.p.UpdatedAt = time.Now().UTC()
}

func (t *Tracker) setState(s State) {
	t.update(func(p *Progress) { p.State = s })
}

func (t *Tracker) begin(s models.Summary) {
	t.update(func(p *Progress) {
		*p = Progress{
			RunID:      s.RunID,
			Source:     s.Source,
			State:      StateRunning,
			RangeStart: timePtr(s.RangeStart),
			RangeEnd:   timePtr(s.RangeEnd),
			Checkpoint: timePtr(s.Checkpoint),
		}
	})
}

func (t *Tracker) window(r models.WindowReport, s models.Summary, consecutive int) {
	t.update(func(p *Progress) {
		p.Cursor = timePtr(r.Window.End)
		p.Checkpoint = timePtr(s.Checkpoint)
		p.LastOutcome = r.Outcome
		p.WindowsAttempted = s.WindowsAttempted
		p.WindowsFailed = s.WindowsFailed
		p.RowsPersisted = s.RowsPersisted
		p.ConsecutiveFailures = consecutive
	})
}

func (t *Tracker) finish(s models.Summary) {
	t.update(func(p *Progress) {
		p.State = StateDone
		p.Reason = s.Reason
		p.Checkpoint = timePtr(s.Checkpoint)
	})
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
