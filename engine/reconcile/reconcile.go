// Package reconcile runs periodic full syncs so the vector index converges
// with the catalog even when change notifications were dropped or missed
// during an outage.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	syncengine "github.com/aurelia-labs/catalog-search/engine/sync"
	"github.com/aurelia-labs/catalog-search/pkg/metrics"
)

// FullSyncer is the sync surface the reconciler drives. A batch size of
// zero defers to the syncer's configured default.
type FullSyncer interface {
	FullSync(ctx context.Context, batchSize int) (syncengine.Report, error)
	Threshold() float64
}

// Status is a point-in-time snapshot for the status endpoint.
type Status struct {
	Running      bool               `json:"running"`
	LastSyncTime time.Time          `json:"last_sync_time"`
	NextSyncIn   time.Duration      `json:"next_sync_in"`
	LastReport   *syncengine.Report `json:"last_report,omitempty"`
	LastError    string             `json:"last_error,omitempty"`
}

// Reconciler periodically re-syncs the whole catalog.
type Reconciler struct {
	syncer      FullSyncer
	interval    time.Duration
	log         *slog.Logger
	now         func() time.Time
	lastSuccess *metrics.Gauge

	mu      sync.Mutex
	running bool
	lastAt  time.Time
	nextAt  time.Time
	last    *syncengine.Report
	lastErr error
}

// New creates a reconciler with the given pass interval.
func New(syncer FullSyncer, interval time.Duration, log *slog.Logger, reg *metrics.Registry) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	if reg == nil {
		reg = metrics.New()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Reconciler{
		syncer:      syncer,
		interval:    interval,
		log:         log,
		now:         time.Now,
		lastSuccess: reg.Gauge("reconcile_last_success_timestamp_seconds", "unix time of the last pass that met the success threshold"),
	}
}

// Run reconciles immediately, then every interval measured from pass start.
// A pass that outlasts the interval is followed by the next one right away.
// Cancelling ctx stops the loop; the in-flight pass finishes its current
// batch before FullSync returns.
func (r *Reconciler) Run(ctx context.Context) error {
	r.setRunning(true)
	defer r.setRunning(false)

	for {
		start := r.now()
		r.pass(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := r.interval - r.now().Sub(start)
		if wait < 0 {
			wait = 0
		}
		r.mu.Lock()
		r.nextAt = r.now().Add(wait)
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Reconciler) pass(ctx context.Context) {
	report, err := r.syncer.FullSync(ctx, 0)

	r.mu.Lock()
	r.lastAt = r.now()
	r.last = &report
	r.lastErr = err
	r.mu.Unlock()

	if err == nil {
		r.lastSuccess.Set(r.now().Unix())
	}

	if err != nil {
		r.log.Warn("reconcile pass incomplete",
			"succeeded", report.Succeeded,
			"total", report.Total,
			"threshold", r.syncer.Threshold(),
			"err", err,
		)
		return
	}
	r.log.Info("reconcile pass done",
		"total", report.Total,
		"succeeded", report.Succeeded,
		"elapsed", report.Elapsed,
	)
}

func (r *Reconciler) setRunning(v bool) {
	r.mu.Lock()
	r.running = v
	r.mu.Unlock()
}

// Status returns the current reconciler state.
func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Status{
		Running:      r.running,
		LastSyncTime: r.lastAt,
		LastReport:   r.last,
	}
	if r.running && !r.nextAt.IsZero() {
		if in := r.nextAt.Sub(r.now()); in > 0 {
			s.NextSyncIn = in
		}
	}
	if r.lastErr != nil {
		s.LastError = r.lastErr.Error()
	}
	return s
}
