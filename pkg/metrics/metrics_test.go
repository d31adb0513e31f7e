package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounter(t *testing.T) {
	r := New()
	c := r.Counter("searchd_requests_total", "Total requests")
	c.Inc()
	c.Add(4)
	if c.Value() != 5 {
		t.Fatalf("want 5, got %d", c.Value())
	}
	if again := r.Counter("searchd_requests_total", ""); again != c {
		t.Fatal("same name should return same counter")
	}
}

func TestGauge(t *testing.T) {
	r := New()
	g := r.Gauge("searchd_queue_depth", "Queue depth")
	g.Set(10)
	g.Inc()
	g.Dec()
	g.Dec()
	if g.Value() != 9 {
		t.Fatalf("want 9, got %d", g.Value())
	}
}

func TestHistogramBuckets(t *testing.T) {
	r := New()
	h := r.Histogram("searchd_latency_seconds", "Latency", []float64{0.1, 1, 10})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(100) // above all buckets, lands only in +Inf

	out := r.Render()
	if !strings.Contains(out, `searchd_latency_seconds_bucket{le="0.1"} 1`) {
		t.Errorf("missing first bucket:\n%s", out)
	}
	if !strings.Contains(out, `searchd_latency_seconds_bucket{le="1"} 2`) {
		t.Errorf("buckets should be cumulative:\n%s", out)
	}
	if !strings.Contains(out, `searchd_latency_seconds_bucket{le="+Inf"} 3`) {
		t.Errorf("missing +Inf bucket:\n%s", out)
	}
	if !strings.Contains(out, "searchd_latency_seconds_count 3") {
		t.Errorf("missing count:\n%s", out)
	}
}

func TestWithLabels(t *testing.T) {
	name := WithLabels("searchd_sync_total", "result", "ok")
	if name != `searchd_sync_total{result="ok"}` {
		t.Fatalf("unexpected: %s", name)
	}
	if WithLabels("x", "odd") != "x" {
		t.Fatal("odd label pairs should be ignored")
	}
}

func TestRenderLabeledSeries(t *testing.T) {
	r := New()
	r.Counter(WithLabels("searchd_sync_total", "result", "ok"), "Sync outcomes").Add(3)
	r.Counter(WithLabels("searchd_sync_total", "result", "err"), "").Inc()

	out := r.Render()
	if strings.Count(out, "# TYPE searchd_sync_total counter") != 1 {
		t.Errorf("TYPE line should appear once:\n%s", out)
	}
	if !strings.Contains(out, `searchd_sync_total{result="err"} 1`) ||
		!strings.Contains(out, `searchd_sync_total{result="ok"} 3`) {
		t.Errorf("missing labeled series:\n%s", out)
	}
}

func TestHandler(t *testing.T) {
	r := New()
	r.Counter("searchd_up", "").Inc()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "searchd_up 1") {
		t.Fatalf("body: %s", rec.Body.String())
	}
}
