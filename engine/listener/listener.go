// Package listener consumes product change notifications and drives the
// sync engine. Events are queued into a bounded buffer and dispatched by a
// worker pool; when the buffer is full, events are dropped and the periodic
// reconciler repairs the gap.
package listener

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/aurelia-labs/catalog-search/engine/catalog"
	"github.com/aurelia-labs/catalog-search/pkg/metrics"
	"github.com/aurelia-labs/catalog-search/pkg/natsutil"
)

// DefaultSubject is the change-notification subject published by upstream
// catalog mutations.
const DefaultSubject = "catalog.product.changed"

// StreamName is the JetStream stream backing the change subject.
const StreamName = "CATALOG_EVENTS"

// StreamConfig returns the change-event stream configuration. Retention is
// capped: events missed beyond the window are repaired by reconciliation,
// so the stream never needs to hold more than a couple of reconcile
// intervals of traffic.
func StreamConfig(subject string) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{subject},
		MaxAge:   24 * time.Hour,
		MaxMsgs:  1_000_000,
		Storage:  jetstream.FileStorage,
	}
}

// Syncer is the sync surface the listener drives.
type Syncer interface {
	SyncProduct(ctx context.Context, id string) error
	DeleteProduct(ctx context.Context, id string) error
}

// Opts configures a Listener.
type Opts struct {
	// Subject is the NATS subject to subscribe on.
	Subject string
	// QueueSize bounds the in-flight event buffer.
	QueueSize int
	// Workers is the number of dispatch goroutines.
	Workers int
}

// DefaultOpts returns the production defaults.
func DefaultOpts() Opts {
	return Opts{Subject: DefaultSubject, QueueSize: 256, Workers: 4}
}

type subscription interface {
	Unsubscribe() error
}

type job struct {
	ctx context.Context
	ev  catalog.ChangeEvent
}

// Listener subscribes to change notifications and feeds them to the syncer
// through a bounded queue.
type Listener struct {
	sync Syncer
	opts Opts
	log  *slog.Logger

	queue   chan job
	wg      sync.WaitGroup
	handled *metrics.Counter
	dropped *metrics.Counter
	invalid *metrics.Counter
	errs    *metrics.Counter
	depth   *metrics.Gauge

	subscribe func(subject string, h func(context.Context, catalog.ChangeEvent)) (subscription, error)
}

// New creates a Listener on the given NATS connection. nc may be nil in
// tests that drive Enqueue directly.
func New(nc *nats.Conn, syncer Syncer, opts Opts, log *slog.Logger, reg *metrics.Registry) *Listener {
	if log == nil {
		log = slog.Default()
	}
	if reg == nil {
		reg = metrics.New()
	}
	def := DefaultOpts()
	if opts.Subject == "" {
		opts.Subject = def.Subject
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	l := &Listener{
		sync:    syncer,
		opts:    opts,
		log:     log,
		queue:   make(chan job, opts.QueueSize),
		handled: reg.Counter("listener_events_total", "change events dispatched"),
		dropped: reg.Counter("listener_dropped_total", "change events dropped on full queue"),
		invalid: reg.Counter("listener_invalid_total", "malformed change events rejected"),
		errs:    reg.Counter("listener_errors_total", "change events whose sync failed"),
		depth:   reg.Gauge("listener_queue_depth", "change events waiting for a worker"),
	}
	l.subscribe = func(subject string, h func(context.Context, catalog.ChangeEvent)) (subscription, error) {
		return natsutil.Subscribe(nc, subject, h)
	}
	return l
}

// Enqueue validates an event and queues it for dispatch. Returns false when
// the event was rejected or the queue was full; a dropped event is repaired
// by the next reconciler pass.
func (l *Listener) Enqueue(ctx context.Context, ev catalog.ChangeEvent) bool {
	if err := catalog.ValidateChangeEvent(ev); err != nil {
		l.invalid.Inc()
		l.log.Warn("dropping malformed change event", "id", ev.ID, "op", ev.Op, "err", err)
		return false
	}
	select {
	case l.queue <- job{ctx: ctx, ev: ev}:
		l.depth.Set(int64(len(l.queue)))
		return true
	default:
		l.dropped.Inc()
		l.log.Warn("event queue full, dropping change event", "id", ev.ID, "op", ev.Op)
		return false
	}
}

// Start subscribes and dispatches events until ctx is cancelled. Events
// still queued at shutdown are abandoned; the reconciler covers them.
func (l *Listener) Start(ctx context.Context) error {
	sub, err := l.subscribe(l.opts.Subject, func(ctx context.Context, ev catalog.ChangeEvent) {
		l.Enqueue(ctx, ev)
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for i := 0; i < l.opts.Workers; i++ {
		l.wg.Add(1)
		go l.worker(ctx)
	}
	l.log.Info("listener started", "subject", l.opts.Subject, "workers", l.opts.Workers)

	<-ctx.Done()
	l.wg.Wait()
	l.log.Info("listener stopped")
	return nil
}

func (l *Listener) worker(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-l.queue:
			l.depth.Set(int64(len(l.queue)))
			l.dispatch(j.ctx, j.ev)
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, ev catalog.ChangeEvent) {
	var err error
	switch ev.Op {
	case catalog.OpUpsert:
		err = l.sync.SyncProduct(ctx, ev.ID)
	case catalog.OpDelete:
		err = l.sync.DeleteProduct(ctx, ev.ID)
	}
	if err != nil {
		l.errs.Inc()
		l.log.Error("change event sync failed", "id", ev.ID, "op", ev.Op, "err", err)
		return
	}
	l.handled.Inc()
}
