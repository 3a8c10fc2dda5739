package metrics

import (
	"testing"
	"time"
)

func TestHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(1000)
	for i := 1; i <= 100; i++ {
		h.Record(float64(i))
	}

	s := h.Stats()
	if s.Count != 100 {
		t.Fatalf("count = %d, want 100", s.Count)
	}
	if s.Min != 1 || s.Max != 100 {
		t.Errorf("min/max = %v/%v, want 1/100", s.Min, s.Max)
	}
	if s.Avg != 50.5 {
		t.Errorf("avg = %v, want 50.5", s.Avg)
	}
	if s.P50 != 51 {
		t.Errorf("p50 = %v, want 51", s.P50)
	}
	if s.P95 != 96 {
		t.Errorf("p95 = %v, want 96", s.P95)
	}
	if s.P99 != 100 {
		t.Errorf("p99 = %v, want 100", s.P99)
	}
}

func TestHistogramEmpty(t *testing.T) {
	h := NewLatencyHistogram(10)
	if s := h.Stats(); s.Count != 0 || s.Max != 0 {
		t.Errorf("empty stats = %+v", s)
	}
}

func TestHistogramEvictsOldest(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, v := range []float64{10, 20, 30, 40} {
		h.Record(v)
	}
	s := h.Stats()
	if s.Count != 3 {
		t.Fatalf("count = %d, want window size 3", s.Count)
	}
	if s.Min != 20 {
		t.Errorf("min = %v, want 20 after eviction", s.Min)
	}
}

func TestHistogramRecordDuration(t *testing.T) {
	h := NewLatencyHistogram(10)
	h.RecordDuration(250 * time.Millisecond)
	if s := h.Stats(); s.Max != 250 {
		t.Errorf("max = %v ms, want 250", s.Max)
	}
}
