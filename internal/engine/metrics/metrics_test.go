package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector("test")
	if c == nil {
		t.Fatal("NewCollector returned nil")
	}
	if c.Registry() == nil {
		t.Error("registry should not be nil")
	}

	if NewCollector("").Registry() == nil {
		t.Error("default namespace collector should have a registry")
	}
}

func TestCollector_ProcedureMetrics(t *testing.T) {
	c := NewCollector("test")

	c.RecordPrepare("create-asset", 5*time.Millisecond, nil)
	c.RecordPrepare("create-asset", 2*time.Millisecond, errors.New("denied"))
	c.RecordAuthorizationDenied("create-asset")

	if got := testutil.ToFloat64(c.prepareTotal.WithLabelValues("create-asset", "success")); got != 1 {
		t.Errorf("prepare success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.prepareTotal.WithLabelValues("create-asset", "error")); got != 1 {
		t.Errorf("prepare error = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.authorizationDenied.WithLabelValues("create-asset")); got != 1 {
		t.Errorf("denials = %v, want 1", got)
	}
}

func TestCollector_TransactionMetrics(t *testing.T) {
	c := NewCollector("test")

	c.RecordTransaction("asset.transfer", "succeeded")
	c.RecordTransaction("asset.transfer", "succeeded")
	c.RecordTransaction("asset.transfer", "failed")
	c.RecordSubmit("asset.transfer", 20*time.Millisecond)
	c.RecordInclusion("asset.transfer", 2*time.Second)
	c.RecordInFlight(1)
	c.RecordInFlight(1)
	c.RecordInFlight(-1)

	if got := testutil.ToFloat64(c.transactionsTotal.WithLabelValues("asset.transfer", "succeeded")); got != 2 {
		t.Errorf("succeeded = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.inFlight); got != 1 {
		t.Errorf("in flight = %v, want 1", got)
	}
}

func TestCollector_QueueAndChainMetrics(t *testing.T) {
	c := NewCollector("test")

	c.RecordQueueRun("transfer", "succeeded", time.Second)
	c.RecordChainRead("fee", time.Millisecond, nil)
	c.RecordChainRead("nonce", time.Millisecond, errors.New("timeout"))

	if got := testutil.ToFloat64(c.queueRuns.WithLabelValues("transfer", "succeeded")); got != 1 {
		t.Errorf("queue runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.chainReadErrors.WithLabelValues("nonce")); got != 1 {
		t.Errorf("nonce errors = %v, want 1", got)
	}
}

func TestCollector_Reset(t *testing.T) {
	c := NewCollector("test")
	c.RecordTransaction("a.b", "failed")
	c.RecordInFlight(3)

	c.Reset()

	if got := testutil.ToFloat64(c.inFlight); got != 0 {
		t.Errorf("in flight after reset = %v, want 0", got)
	}
	if got := testutil.CollectAndCount(c.transactionsTotal); got != 0 {
		t.Errorf("transaction series after reset = %d, want 0", got)
	}
}

func TestCollector_Gather(t *testing.T) {
	c := NewCollector("test")
	c.RecordTransaction("a.b", "succeeded")

	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "test_transaction_total" {
			found = true
		}
	}
	if !found {
		t.Error("test_transaction_total not gathered")
	}
}

func TestNoOpCollector(t *testing.T) {
	var c MetricsCollector = NewNoOpCollector()

	c.RecordPrepare("p", time.Second, nil)
	c.RecordAuthorizationDenied("p")
	c.RecordQueueRun("p", "failed", time.Second)
	c.RecordTransaction("t", "failed")
	c.RecordSubmit("t", time.Second)
	c.RecordInclusion("t", time.Second)
	c.RecordInFlight(1)
	c.RecordChainRead("fee", time.Second, nil)
	c.Reset()
}
