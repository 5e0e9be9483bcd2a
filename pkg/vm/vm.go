// Package vm is the public façade of spec.md §4.6: it owns the guest's
// lifecycle, wires the shared-memory transport, network stack, reactor and
// syscall shim together, and hosts the guest's WebAssembly module via
// wazero. The guest module itself is an opaque collaborator — this package
// never interprets its behavior, only the host functions it calls.
package vm

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/edgevm/vmnet/pkg/control"
	"github.com/edgevm/vmnet/pkg/metrics"
	"github.com/edgevm/vmnet/pkg/netstack"
	"github.com/edgevm/vmnet/pkg/reactor"
	"github.com/edgevm/vmnet/pkg/sharedmem"
	"github.com/edgevm/vmnet/pkg/shim"
	"github.com/edgevm/vmnet/pkg/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"golang.org/x/time/rate"
)

var log = logrus.WithField("component", "vm")

// Config configures a VM instance (spec §4.6: "configuration for networking
// on/off, the virtual MAC, and a per-TCP-session byte/s rate cap").
type Config struct {
	// Guest is the compiled WebAssembly module bytes.
	Guest []byte
	// MAC is the guest's pre-configured virtual NIC address. A random
	// locally-administered address is generated if nil.
	MAC net.HardwareAddr
	// NetworkingEnabled gates whether the reactor is started at all; when
	// false, the guest's virtual NIC accepts frames but every flow is
	// refused (no Dial is ever attempted).
	NetworkingEnabled bool
	// RateLimitBytesPerSecond caps per-TCP-session delivery throughput from
	// the real socket to the guest. Zero keeps the reactor's default cap
	// (8 MiB/s, 1 MiB burst).
	RateLimitBytesPerSecond int
	// Registerer receives the VM's Prometheus metrics; nil disables metrics.
	Registerer prometheus.Registerer

	// Stdout / Stderr receive the guest's out-of-band byte stream (spec
	// §4.6: "a way to receive the guest's stdout/stderr byte stream").
	Stdout func([]byte)
	Stderr func([]byte)

	// OnExit is called once, from the guest's runner goroutine, when the
	// guest module returns (spec §4.6: "lifecycle exit callback"). A nil
	// error means the module returned normally.
	OnExit func(error)
}

// VM is the embedding boundary: start it, feed it stdin, read its
// stdout/stderr, stop it. Everything else (the NAT, the shim, the guest's
// network stack) is an implementation detail behind this type.
type VM struct {
	cfg Config

	region  *sharedmem.Region
	stack   *netstack.Stack
	control *control.Channel
	react   *reactor.Reactor
	sh      *shim.Shim
	metrics *metrics.Collector

	runtime wazero.Runtime
	cancel  context.CancelFunc
	done    chan struct{}
	exitErr error
}

// New builds a VM without starting it.
func New(cfg Config) (*VM, error) {
	if len(cfg.Guest) == 0 {
		return nil, fmt.Errorf("vm: Config.Guest is empty")
	}
	mac := cfg.MAC
	if mac == nil {
		mac = randomLocalMAC()
	}

	region := sharedmem.NewRegion()
	ctrl := control.NewChannel(control.DefaultBuffer)
	stack := netstack.NewStack(netstack.Config{GuestMAC: mac}, ctrl)

	var mcol *metrics.Collector
	var sink reactor.MetricsSink
	if cfg.Registerer != nil {
		mcol = metrics.NewCollector(cfg.Registerer)
		sink = &metricsSink{Collector: mcol, tcpInfo: newTCPInfoSink(cfg.Registerer)}
	}

	rcfg := reactor.Config{}
	if cfg.RateLimitBytesPerSecond > 0 {
		rcfg.RateLimit = rate.Limit(cfg.RateLimitBytesPerSecond)
		rcfg.RateBurst = cfg.RateLimitBytesPerSecond
	}
	react := reactor.NewReactor(rcfg, ctrl, region, sink)

	sh := shim.New(region, stack, shim.Callbacks{Stdout: cfg.Stdout, Stderr: cfg.Stderr})

	return &VM{
		cfg:     cfg,
		region:  region,
		stack:   stack,
		control: ctrl,
		react:   react,
		sh:      sh,
		metrics: mcol,
		done:    make(chan struct{}),
	}, nil
}

// Start launches the reactor's dispatch loop (if networking is enabled) and
// instantiates the guest module, running it to completion on its own
// goroutine.
func (v *VM) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	v.cancel = cancel

	if v.cfg.NetworkingEnabled {
		go v.react.Run()
	} else {
		// No reactor: answer every tcp-connect with TCP_ERROR so the stack
		// resets the guest's connection; all other messages are dropped.
		go func() {
			for m := range v.control.Messages() {
				if m.Kind != control.TCPConnect {
					continue
				}
				if p, err := wire.EncodeTCPError(m.Key, "networking disabled"); err == nil {
					v.region.WriteMessage(wire.TCPError, p)
				}
			}
		}()
	}

	v.runtime = wazero.NewRuntime(ctx)
	if err := v.bindHostFunctions(ctx); err != nil {
		v.runtime.Close(ctx)
		return fmt.Errorf("vm: binding host functions: %w", err)
	}

	compiled, err := v.runtime.CompileModule(ctx, v.cfg.Guest)
	if err != nil {
		v.runtime.Close(ctx)
		return fmt.Errorf("vm: compiling guest module: %w", err)
	}

	go v.runGuest(ctx, compiled)
	return nil
}

func (v *VM) runGuest(ctx context.Context, compiled wazero.CompiledModule) {
	defer close(v.done)
	defer func() {
		if v.cfg.OnExit != nil {
			v.cfg.OnExit(v.exitErr)
		}
	}()

	mod, err := v.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		v.exitErr = fmt.Errorf("vm: instantiating guest module: %w", err)
		log.WithError(v.exitErr).Error("guest exited abnormally")
		return
	}
	defer mod.Close(ctx)
	log.Info("guest module exited")
}

// WriteStdin delivers bytes to the guest's stdin (spec §4.6, routes through
// §4.1).
func (v *VM) WriteStdin(data []byte) error {
	return v.region.WriteStdin(data)
}

// Wait blocks until the guest module has exited, returning any host-side
// error encountered while running it.
func (v *VM) Wait() error {
	<-v.done
	return v.exitErr
}

// Stop destroys all OS sockets, stops the reactor's dispatch loop, and
// releases the shared region (spec §5, "cancellation is structural").
func (v *VM) Stop(ctx context.Context) error {
	if v.cancel != nil {
		v.cancel()
	}
	v.region.Stop()
	v.control.Close()
	if v.runtime != nil {
		return v.runtime.Close(ctx)
	}
	return nil
}

// tcpInfoAdder is the live-socket-registration half of reactor.TCPInfoSink,
// satisfied by *metrics.TCPInfoCollector on Linux and by nothing elsewhere
// (see tcpinfo_linux.go / tcpinfo_other.go).
type tcpInfoAdder interface {
	Add(key string, conn net.Conn, labels []string)
	Remove(key string)
}

// metricsSink combines the protocol-level Collector with the optional
// deep TCP_INFO sampler into the single value the reactor needs: something
// that is both a reactor.MetricsSink and, when tcpInfo is non-nil, a
// reactor.TCPInfoSink. Without this, the TCPInfoCollector Prometheus
// registers would never actually have any sessions added to it.
type metricsSink struct {
	*metrics.Collector
	tcpInfo tcpInfoAdder
}

func (m *metricsSink) Add(key string, conn net.Conn, labels []string) {
	if m.tcpInfo != nil {
		m.tcpInfo.Add(key, conn, labels)
	}
}

func (m *metricsSink) Remove(key string) {
	if m.tcpInfo != nil {
		m.tcpInfo.Remove(key)
	}
}

func randomLocalMAC() net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	// locally-administered, unicast (spec has no requirement beyond
	// "chosen once per instance").
	mac[0] = 0x02
	seed := time.Now().UnixNano()
	for i := 1; i < 6; i++ {
		mac[i] = byte(seed >> (8 * i))
	}
	return mac
}
