//go:build linux

package vm

import (
	"github.com/edgevm/vmnet/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// newTCPInfoSink builds and registers the deep per-connection TCP_INFO
// sampler (spec §7), available only on Linux.
func newTCPInfoSink(reg prometheus.Registerer) tcpInfoAdder {
	c := metrics.NewTCPInfoCollector([]string{"key"}, func(err error) {
		log.WithError(err).Warn("tcpinfo sample failed")
	})
	reg.MustRegister(c)
	return c
}
