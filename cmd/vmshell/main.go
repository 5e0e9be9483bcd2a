package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgevm/vmnet/pkg/vm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func main() {
	if len(os.Args) < 2 {
		logrus.Fatalf("usage: %s <guest.wasm>", os.Args[0])
	}

	guest, err := os.ReadFile(os.Args[1])
	if err != nil {
		logrus.Fatalf("read guest module: %v", err)
	}

	reg := prometheus.NewRegistry()

	instance, err := vm.New(vm.Config{
		Guest:                   guest,
		NetworkingEnabled:       true,
		RateLimitBytesPerSecond: 8 << 20,
		Registerer:              reg,
		Stdout:                  func(b []byte) { os.Stdout.Write(b) },
		Stderr:                  func(b []byte) { os.Stderr.Write(b) },
		OnExit: func(err error) {
			if err != nil {
				logrus.WithError(err).Warn("guest exit callback")
			}
		},
	})
	if err != nil {
		logrus.Fatalf("construct vm: %v", err)
	}

	go func() {
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(":9477", nil); err != nil {
			logrus.WithError(err).Warn("metrics server stopped")
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := instance.Start(ctx); err != nil {
		logrus.Fatalf("start vm: %v", err)
	}

	go func() {
		<-ctx.Done()
		if err := instance.Stop(context.Background()); err != nil {
			logrus.WithError(err).Warn("stop vm")
		}
	}()

	if err := instance.Wait(); err != nil {
		logrus.WithError(err).Error("guest exited with error")
		os.Exit(1)
	}
	logrus.Info("guest exited cleanly")
}
