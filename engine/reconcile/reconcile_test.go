package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	syncengine "github.com/aurelia-labs/catalog-search/engine/sync"
)

type fakeSyncer struct {
	calls  atomic.Int64
	report syncengine.Report
	err    error
	ran    chan struct{}
}

func newFakeSyncer(report syncengine.Report, err error) *fakeSyncer {
	return &fakeSyncer{report: report, err: err, ran: make(chan struct{}, 64)}
}

func (f *fakeSyncer) FullSync(ctx context.Context, _ int) (syncengine.Report, error) {
	f.calls.Add(1)
	f.ran <- struct{}{}
	if err := ctx.Err(); err != nil {
		return f.report, err
	}
	return f.report, f.err
}

func (f *fakeSyncer) Threshold() float64 { return 0.95 }

func waitRun(t *testing.T, f *fakeSyncer) {
	t.Helper()
	select {
	case <-f.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reconcile pass")
	}
}

func TestRunsImmediatelyThenPeriodically(t *testing.T) {
	syncer := newFakeSyncer(syncengine.Report{Total: 3, Succeeded: 3}, nil)
	r := New(syncer, 20*time.Millisecond, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	waitRun(t, syncer) // immediate first pass
	waitRun(t, syncer) // periodic second pass
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
	if syncer.calls.Load() < 2 {
		t.Fatalf("calls = %d, want >= 2", syncer.calls.Load())
	}
}

func TestStatusReflectsLastPass(t *testing.T) {
	syncer := newFakeSyncer(syncengine.Report{Total: 5, Succeeded: 5}, nil)
	r := New(syncer, time.Hour, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	waitRun(t, syncer)

	deadline := time.Now().Add(2 * time.Second)
	for {
		s := r.Status()
		if s.LastReport != nil {
			if !s.Running {
				t.Fatal("status should report running")
			}
			if s.LastSyncTime.IsZero() {
				t.Fatal("last sync time not recorded")
			}
			if s.LastReport.Succeeded != 5 {
				t.Fatalf("last report: %+v", s.LastReport)
			}
			if s.NextSyncIn <= 0 || s.NextSyncIn > time.Hour {
				t.Fatalf("next sync in: %v", s.NextSyncIn)
			}
			if s.LastError != "" {
				t.Fatalf("unexpected error: %s", s.LastError)
			}
			if r.lastSuccess.Value() == 0 {
				t.Fatal("successful pass must move the last-success gauge")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("status never recorded the pass")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStatusCarriesPassError(t *testing.T) {
	syncer := newFakeSyncer(syncengine.Report{Total: 5, Succeeded: 3, Failed: 2}, errors.New("below threshold"))
	r := New(syncer, time.Hour, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	waitRun(t, syncer)

	deadline := time.Now().Add(2 * time.Second)
	for {
		s := r.Status()
		if s.LastReport != nil {
			if s.LastError == "" {
				t.Fatal("pass error not surfaced in status")
			}
			if r.lastSuccess.Value() != 0 {
				t.Fatal("failed pass must not move the last-success gauge")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("status never recorded the pass")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStoppedReconcilerReportsNotRunning(t *testing.T) {
	syncer := newFakeSyncer(syncengine.Report{}, nil)
	r := New(syncer, time.Hour, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	waitRun(t, syncer)
	cancel()
	<-done

	if s := r.Status(); s.Running {
		t.Fatal("stopped reconciler must not report running")
	}
}
