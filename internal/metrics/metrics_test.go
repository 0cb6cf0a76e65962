package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if fetchAttemptsTotal == nil || itemsTotal == nil ||
		httpRequestsTotal == nil || pacingWaitSeconds == nil || libraryCommitsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveItem(t *testing.T) {
	Init()
	before := testutil.ToFloat64(itemsTotal.WithLabelValues("crawled"))
	ObserveItem("crawled")
	ObserveItem("crawled")
	if got := testutil.ToFloat64(itemsTotal.WithLabelValues("crawled")) - before; got != 2 {
		t.Errorf("expected crawled items to grow by 2, got %f", got)
	}
}

func TestObserveFetchAndCommit(t *testing.T) {
	ObserveFetch("retry", 150*time.Millisecond)
	ObserveCommit("docfile", "committed")
	AddBytesWritten(0)
	AddBytesWritten(42)

	if val := testutil.ToFloat64(fetchAttemptsTotal.WithLabelValues("retry")); val < 1 {
		t.Errorf("expected retry attempts to be recorded, got %f", val)
	}
	if val := testutil.ToFloat64(libraryCommitsTotal.WithLabelValues("docfile", "committed")); val < 1 {
		t.Errorf("expected commit to be recorded, got %f", val)
	}
	if val := testutil.ToFloat64(bytesWrittenTotal); val < 42 {
		t.Errorf("expected at least 42 bytes written, got %f", val)
	}
	if val := testutil.CollectAndCount(fetchDurationSeconds); val <= 0 {
		t.Errorf("expected fetch duration to be observed, got %d", val)
	}
}

func TestActiveWorkersGauge(t *testing.T) {
	Init()
	start := testutil.ToFloat64(activeWorkers)
	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	if got := testutil.ToFloat64(activeWorkers) - start; got != 1 {
		t.Errorf("expected gauge delta 1, got %f", got)
	}
	DecActiveWorkers()
}
