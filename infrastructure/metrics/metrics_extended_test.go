package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetricsInstance(t *testing.T) {
	registry := prometheus.NewRegistry()

	m := NewWithRegistry("test-service", registry)
	if m == nil {
		t.Fatal("NewWithRegistry() returned nil")
	}

	if m.RequestsTotal == nil {
		t.Error("RequestsTotal should not be nil")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration should not be nil")
	}
	if m.RequestsInFlight == nil {
		t.Error("RequestsInFlight should not be nil")
	}
	if m.ErrorsTotal == nil {
		t.Error("ErrorsTotal should not be nil")
	}
	if m.InstancesActive == nil {
		t.Error("InstancesActive should not be nil")
	}
	if m.InstanceTicksTotal == nil {
		t.Error("InstanceTicksTotal should not be nil")
	}
	if m.TickDuration == nil {
		t.Error("TickDuration should not be nil")
	}
	if m.RetryAttemptsTotal == nil {
		t.Error("RetryAttemptsTotal should not be nil")
	}
	if m.RetryExhaustedTotal == nil {
		t.Error("RetryExhaustedTotal should not be nil")
	}
	if m.EndpointRequestsTotal == nil {
		t.Error("EndpointRequestsTotal should not be nil")
	}
	if m.EndpointHealthy == nil {
		t.Error("EndpointHealthy should not be nil")
	}
	if m.ServiceUptime == nil {
		t.Error("ServiceUptime should not be nil")
	}
	if m.ServiceInfo == nil {
		t.Error("ServiceInfo should not be nil")
	}
}

func TestSetServiceInfo(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", registry)

	m.SetServiceInfo("test-service", "1.0.0", "development")

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected metric families after SetServiceInfo")
	}
}

func TestNormalizeBool(t *testing.T) {
	cases := map[string]bool{
		"true": true, "1": true, "yes": true, "on": true,
		"false": false, "0": false, "": false, "garbage": false,
		"  TRUE  ": true,
	}
	for raw, want := range cases {
		if got := normalizeBool(raw); got != want {
			t.Errorf("normalizeBool(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestInitAndGlobal(t *testing.T) {
	t.Run("Init creates or returns global instance", func(t *testing.T) {
		m := Init("test-service")
		if m == nil {
			t.Fatal("Init() returned nil")
		}
	})

	t.Run("Init is idempotent", func(t *testing.T) {
		m1 := Init("service-1")
		m2 := Init("service-2")
		if m1 != m2 {
			t.Error("Init() should return same instance on subsequent calls")
		}
	})

	t.Run("Global returns same instance as Init", func(t *testing.T) {
		m1 := Init("test-service")
		m2 := Global()
		if m1 != m2 {
			t.Error("Global() should return same instance as Init()")
		}
	})

	t.Run("Global returns non-nil", func(t *testing.T) {
		m := Global()
		if m == nil {
			t.Fatal("Global() returned nil")
		}
	})
}
