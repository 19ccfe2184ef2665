package dlmmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewRegistersAllMetricsWithoutCollision(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one registered metric family")
	}
	if m.Requests == nil || m.ASTQueueDepth == nil || m.RecoveryPhase == nil {
		t.Fatal("expected Metrics fields to be populated")
	}
}

func TestNewPanicsOnDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected registering the same metrics twice on one registry to panic")
		}
	}()
	New(reg)
}
