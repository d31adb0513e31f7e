package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aurelia-labs/catalog-search/engine/catalog"
)

type recordSyncer struct {
	mu      sync.Mutex
	synced  []string
	deleted []string
	err     error
	done    chan struct{}
}

func newRecordSyncer() *recordSyncer {
	return &recordSyncer{done: make(chan struct{}, 16)}
}

func (r *recordSyncer) SyncProduct(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() { r.done <- struct{}{} }()
	if r.err != nil {
		return r.err
	}
	r.synced = append(r.synced, id)
	return nil
}

func (r *recordSyncer) DeleteProduct(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() { r.done <- struct{}{} }()
	if r.err != nil {
		return r.err
	}
	r.deleted = append(r.deleted, id)
	return nil
}

func (r *recordSyncer) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for dispatch %d/%d", i+1, n)
		}
	}
}

type fakeSub struct{ unsubscribed bool }

func (f *fakeSub) Unsubscribe() error {
	f.unsubscribed = true
	return nil
}

// startTestListener runs Start with a captured handler instead of a live
// NATS subscription.
func startTestListener(t *testing.T, l *Listener) (handler func(context.Context, catalog.ChangeEvent), stop func()) {
	t.Helper()

	captured := make(chan func(context.Context, catalog.ChangeEvent), 1)
	sub := &fakeSub{}
	l.subscribe = func(_ string, h func(context.Context, catalog.ChangeEvent)) (subscription, error) {
		captured <- h
		return sub, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := l.Start(ctx); err != nil {
			t.Errorf("Start: %v", err)
		}
	}()

	select {
	case h := <-captured:
		return h, func() {
			cancel()
			<-done
			if !sub.unsubscribed {
				t.Error("subscription not torn down on stop")
			}
		}
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("listener never subscribed")
		return nil, nil
	}
}

func TestDispatchesUpsertAndDelete(t *testing.T) {
	syncer := newRecordSyncer()
	l := New(nil, syncer, Opts{Workers: 2}, nil, nil)
	handler, stop := startTestListener(t, l)
	defer stop()

	ctx := context.Background()
	handler(ctx, catalog.ChangeEvent{ID: "p1", Op: catalog.OpUpsert})
	handler(ctx, catalog.ChangeEvent{ID: "p2", Op: catalog.OpDelete})
	syncer.wait(t, 2)

	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	if len(syncer.synced) != 1 || syncer.synced[0] != "p1" {
		t.Fatalf("synced: %v", syncer.synced)
	}
	if len(syncer.deleted) != 1 || syncer.deleted[0] != "p2" {
		t.Fatalf("deleted: %v", syncer.deleted)
	}
}

func TestSyncErrorDoesNotStopDispatch(t *testing.T) {
	syncer := newRecordSyncer()
	syncer.err = errors.New("index down")
	l := New(nil, syncer, Opts{Workers: 1}, nil, nil)
	handler, stop := startTestListener(t, l)
	defer stop()

	handler(context.Background(), catalog.ChangeEvent{ID: "p1", Op: catalog.OpUpsert})
	syncer.wait(t, 1)

	syncer.mu.Lock()
	syncer.err = nil
	syncer.mu.Unlock()

	handler(context.Background(), catalog.ChangeEvent{ID: "p2", Op: catalog.OpUpsert})
	syncer.wait(t, 1)

	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	if len(syncer.synced) != 1 || syncer.synced[0] != "p2" {
		t.Fatalf("synced: %v", syncer.synced)
	}
}

func TestMalformedEventRejected(t *testing.T) {
	l := New(nil, newRecordSyncer(), Opts{}, nil, nil)

	if l.Enqueue(context.Background(), catalog.ChangeEvent{ID: "", Op: catalog.OpUpsert}) {
		t.Fatal("empty id must be rejected")
	}
	if l.Enqueue(context.Background(), catalog.ChangeEvent{ID: "p1", Op: "replace"}) {
		t.Fatal("unknown op must be rejected")
	}
	if len(l.queue) != 0 {
		t.Fatal("rejected events must not be queued")
	}
}

func TestStreamConfigBoundsRetention(t *testing.T) {
	cfg := StreamConfig("catalog.product.changed")

	if cfg.Name != StreamName {
		t.Fatalf("stream name: %s", cfg.Name)
	}
	if len(cfg.Subjects) != 1 || cfg.Subjects[0] != "catalog.product.changed" {
		t.Fatalf("subjects: %v", cfg.Subjects)
	}
	if cfg.MaxAge <= 0 {
		t.Fatal("change events must age out, reconciliation covers older gaps")
	}
	if cfg.MaxMsgs <= 0 {
		t.Fatal("stream must cap its message count")
	}
}

func TestQueueFullDropsEvent(t *testing.T) {
	// No workers draining: the queue fills and overflow is dropped.
	l := New(nil, newRecordSyncer(), Opts{QueueSize: 1}, nil, nil)

	ctx := context.Background()
	if !l.Enqueue(ctx, catalog.ChangeEvent{ID: "p1", Op: catalog.OpUpsert}) {
		t.Fatal("first event should queue")
	}
	if l.Enqueue(ctx, catalog.ChangeEvent{ID: "p2", Op: catalog.OpUpsert}) {
		t.Fatal("overflow event should be dropped")
	}
	if got := l.dropped.Value(); got != 1 {
		t.Fatalf("dropped counter = %d", got)
	}
}
