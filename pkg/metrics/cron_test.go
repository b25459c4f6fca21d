package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestCronJobMetricsRecordsRuns(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCronJobMetrics(reg)
	finished := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

	m.ObserveRun("dedupe-purge", 250*time.Millisecond, finished, nil)
	m.ObserveRun("dedupe-purge", time.Second, finished.Add(time.Minute), errors.New("db down"))
	m.IncSkipped()

	if got := testutil.ToFloat64(m.runs.WithLabelValues("dedupe-purge", "ok")); got != 1 {
		t.Fatalf("expected 1 ok run, got %f", got)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues("dedupe-purge", "error")); got != 1 {
		t.Fatalf("expected 1 failed run, got %f", got)
	}
	// The failed run must not move the gauge.
	if got := testutil.ToFloat64(m.lastSuccess.WithLabelValues("dedupe-purge")); got != float64(finished.Unix()) {
		t.Fatalf("expected last success %d, got %f", finished.Unix(), got)
	}
	if got := testutil.ToFloat64(m.skipped); got != 1 {
		t.Fatalf("expected 1 skipped cycle, got %f", got)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	count, err := histogramCount(mfs, "cron_job_duration_seconds", "job", "dedupe-purge")
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("expected 2 duration samples, got %d", count)
	}
}

func TestCronJobMetricsEmptyJobName(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCronJobMetrics(reg)
	m.ObserveRun("", time.Millisecond, time.Now(), nil)
	if got := testutil.ToFloat64(m.runs.WithLabelValues("unknown", "ok")); got != 1 {
		t.Fatalf("expected run under unknown label, got %f", got)
	}
}

func TestCronJobMetricsNilSafe(t *testing.T) {
	var m *CronJobMetrics
	m.ObserveRun("job", time.Second, time.Now(), nil)
	m.IncSkipped()
	NewCronJobMetrics(nil).ObserveRun("job", time.Second, time.Now(), errors.New("x"))
}

func histogramCount(mfs []*dto.MetricFamily, name, label, value string) (uint64, error) {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if pair.GetName() == label && pair.GetValue() == value {
					return metric.GetHistogram().GetSampleCount(), nil
				}
			}
		}
	}
	return 0, fmt.Errorf("histogram %q missing label %s=%s", name, label, value)
}
