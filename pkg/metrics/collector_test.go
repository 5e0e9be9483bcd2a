package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, v *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := v.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, v *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := v.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestCollector_SessionOpenedAndClosed_TracksActiveGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SessionOpened("tcp", "k1")
	c.SessionOpened("tcp", "k2")
	if got := gaugeValue(t, c.activeSessions, "tcp"); got != 2 {
		t.Fatalf("expected 2 active tcp sessions, got %v", got)
	}
	if got := counterValue(t, c.sessionsOpened, "tcp"); got != 2 {
		t.Fatalf("expected 2 opened, got %v", got)
	}

	c.SessionClosed("tcp", "k1")
	if got := gaugeValue(t, c.activeSessions, "tcp"); got != 1 {
		t.Fatalf("expected 1 active tcp session after close, got %v", got)
	}
	if got := counterValue(t, c.sessionsClosed, "tcp"); got != 1 {
		t.Fatalf("expected 1 closed, got %v", got)
	}
}

func TestCollector_BytesCountersAreProtocolScopedOnly(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.BytesSent("udp", "flowA", 100)
	c.BytesSent("udp", "flowB", 50)
	c.BytesReceived("udp", "flowA", 10)

	if got := counterValue(t, c.bytesSent, "udp"); got != 150 {
		t.Fatalf("expected bytes sent aggregated across flows under one label, got %v", got)
	}
	if got := counterValue(t, c.bytesReceived, "udp"); got != 10 {
		t.Fatalf("expected 10 bytes received, got %v", got)
	}
}

func TestCollector_PauseResumeLabeledByCause(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.Paused("tcp", "key", "flow")
	c.Paused("tcp", "key", "rate")
	c.Resumed("tcp", "key", "flow")

	if got := counterValue(t, c.pauseEvents, "tcp", "flow"); got != 1 {
		t.Fatalf("expected 1 flow-caused pause, got %v", got)
	}
	if got := counterValue(t, c.pauseEvents, "tcp", "rate"); got != 1 {
		t.Fatalf("expected 1 rate-caused pause, got %v", got)
	}
	if got := counterValue(t, c.resumeEvents, "tcp", "flow"); got != 1 {
		t.Fatalf("expected 1 flow-caused resume, got %v", got)
	}
}

func TestCollector_ConnectFailed(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ConnectFailed("tcp", "key")
	c.ConnectFailed("tcp", "key2")
	if got := counterValue(t, c.connectFailures, "tcp"); got != 2 {
		t.Fatalf("expected 2 connect failures, got %v", got)
	}
}
