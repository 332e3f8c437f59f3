package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/sluice-rtc/sluice/pkg/ack"
	"github.com/sluice-rtc/sluice/pkg/conference"
	"github.com/sluice-rtc/sluice/pkg/config"
	"github.com/sluice-rtc/sluice/pkg/engine/pionengine"
	"github.com/sluice-rtc/sluice/pkg/forward"
	"github.com/sluice-rtc/sluice/pkg/metrics"
	"github.com/sluice-rtc/sluice/pkg/profiling"
	"github.com/sluice-rtc/sluice/pkg/quality"
	"github.com/sluice-rtc/sluice/pkg/rtcp"
	"github.com/sluice-rtc/sluice/pkg/scheduler"
	"github.com/sluice-rtc/sluice/pkg/signaling"
	"github.com/sluice-rtc/sluice/pkg/telemetry"
)

func main() {
	// Parse command line flags.
	var (
		configFilePath = flag.String("config", "config.yaml", "configuration file path")
		cpuProfile     = flag.String("cpuProfile", "", "write CPU profile to `file`")
		memProfile     = flag.String("memProfile", "", "write memory profile to `file`")
	)
	flag.Parse()

	// Initialize logging subsystem (formatting, global logging framework etc).
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})

	// Define functions that are called before exiting.
	// This is useful to stop the profiler if it's enabled.
	deferredFunctions := []func(){}
	if *cpuProfile != "" {
		deferredFunctions = append(deferredFunctions, profiling.InitCPUProfiling(*cpuProfile))
	}
	if *memProfile != "" {
		deferredFunctions = append(deferredFunctions, profiling.InitMemoryProfiling(*memProfile))
	}

	// Load the config file from the environment variable or path.
	cfg, err := config.Load(*configFilePath)
	if err != nil {
		logrus.WithError(err).Fatal("could not load config")
		return
	}

	switch cfg.LogLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "fatal":
		logrus.SetLevel(logrus.FatalLevel)
	case "panic":
		logrus.SetLevel(logrus.PanicLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Telemetry.Enabled() {
		provider, err := telemetry.Setup(ctx, cfg.Telemetry)
		if err != nil {
			logrus.WithError(err).Warn("could not set up telemetry")
		} else {
			deferredFunctions = append(deferredFunctions, func() {
				flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer flushCancel()
				_ = provider.Shutdown(flushCtx)
			})
		}
	}

	// Core wiring: registry first, then everything that hangs off it.
	registry := conference.NewRegistry()
	mediaEngine, err := pionengine.New()
	if err != nil {
		logrus.WithError(err).Fatal("could not start media engine")
		return
	}

	forwarder := forward.NewForwarder(registry, mediaEngine)
	collector := rtcp.NewCollector(registry)
	aggregator := ack.NewAggregator(registry, nil)
	collectorMetrics := metrics.NewCollector(prometheus.DefaultRegisterer, registry)

	hub := signaling.NewHub(registry, mediaEngine, forwarder, collector, aggregator, collectorMetrics,
		signaling.Options{
			SendChannelSize: cfg.Signaling.SendChannelSize,
			DropThreshold:   cfg.Signaling.DropThreshold,
		})
	controller := quality.NewController(registry, collector, forwarder, hub)

	// Per-meeting state derived from membership cleans up when the last
	// participant leaves.
	registry.OnMeetingClosed(aggregator.Reset)
	registry.OnMeetingClosed(forwarder.CleanupMeeting)
	registry.OnMeetingClosed(collector.CleanupMeeting)

	go hub.RunEvents(ctx, mediaEngine)

	jobs := scheduler.New(
		scheduler.Job{
			Name:     "quality-evaluation",
			Interval: cfg.Quality.EvaluationInterval.Std(),
			Run:      controller.EvaluateAll,
		},
		scheduler.Job{
			Name:     "ack-summaries",
			Interval: cfg.Quality.SummaryInterval.Std(),
			Run:      hub.PushSummaries,
		},
		scheduler.Job{
			Name:     "fingerprint-sweep",
			Interval: cfg.Quality.SweepInterval.Std(),
			Run:      func() { hub.Verifier().Sweep() },
		},
	)
	jobs.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              cfg.Signaling.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Handle signal interruptions.
	interrupts := make(chan os.Signal, 2)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupts
		logrus.Info("shutting down")
		jobs.Stop()
		mediaEngine.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
		for _, function := range deferredFunctions {
			function()
		}
		cancel()
	}()

	logrus.WithField("address", cfg.Signaling.Address).Info("signaling listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrus.WithError(err).Fatal("server failed")
	}
}
