//go:build !linux

package vm

import "github.com/prometheus/client_golang/prometheus"

// newTCPInfoSink is a no-op outside Linux, where TCP_INFO sampling isn't
// available.
func newTCPInfoSink(reg prometheus.Registerer) tcpInfoAdder {
	return nil
}
