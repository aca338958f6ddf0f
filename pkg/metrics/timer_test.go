package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestTimerDurationGrows(t *testing.T) {
	timer := NewTimer()

	time.Sleep(20 * time.Millisecond)
	first := timer.Duration()
	if first < 20*time.Millisecond {
		t.Errorf("Duration() = %v, want >= 20ms", first)
	}

	time.Sleep(10 * time.Millisecond)
	if second := timer.Duration(); second <= first {
		t.Errorf("Duration() must grow between calls: first=%v, second=%v", first, second)
	}
}

func TestTimerObserveDurationRecordsSample(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_duration_seconds",
		Help:    "Test histogram for one sweep cycle",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDuration(histogram)

	var m dto.Metric
	if err := histogram.Write(&m); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	if got := m.GetHistogram().GetSampleCount(); got != 1 {
		t.Errorf("expected exactly one observation, got %d", got)
	}
	if m.GetHistogram().GetSampleSum() <= 0 {
		t.Error("observed duration must be positive")
	}
}

func TestTimerObserveDurationVecRecordsLabeledSample(t *testing.T) {
	vec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "handshake_duration_seconds",
			Help:    "Test histogram vec keyed by outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	timer := NewTimer()
	timer.ObserveDurationVec(vec, "open")

	var m dto.Metric
	h, err := vec.GetMetricWithLabelValues("open")
	if err != nil {
		t.Fatalf("get labeled histogram: %v", err)
	}
	if err := h.(prometheus.Histogram).Write(&m); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	if got := m.GetHistogram().GetSampleCount(); got != 1 {
		t.Errorf("expected exactly one observation under the label, got %d", got)
	}
}
