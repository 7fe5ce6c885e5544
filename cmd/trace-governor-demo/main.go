// trace-governor-demo runs a small span workload against a Parseable
// backend. It wires the export pipeline through the OpenTelemetry SDK the
// same way an instrumented service would, serves Prometheus metrics, and
// shuts down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	tracegovernor "github.com/szibis/trace-governor"
	"github.com/szibis/trace-governor/internal/logging"
	"github.com/szibis/trace-governor/otelbridge"
)

func main() {
	var (
		configPath = flag.String("config", "", "optional YAML config file")
		statsAddr  = flag.String("stats-addr", ":9464", "prometheus metrics listen address")
		workers    = flag.Int("workers", 4, "concurrent span producers")
		rate       = flag.Duration("rate", 50*time.Millisecond, "delay between spans per producer")
		service    = flag.String("service", "", "service name (default: derived from the executable name)")
	)
	flag.Parse()

	if limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	); err == nil {
		logging.Info("memory limit applied", logging.F("gomemlimit_bytes", limit))
	}

	serviceName := *service
	if serviceName == "" {
		serviceName = serviceNameFromExecutable()
	}

	builder := tracegovernor.NewBuilder()
	if *configPath != "" {
		if _, err := builder.WithConfigFile(*configPath); err != nil {
			logging.Error("failed to load config file", logging.F("error", err.Error(), "path", *configPath))
			os.Exit(1)
		}
	}

	tp, pipeline, err := otelbridge.Install(builder, serviceName)
	if err != nil {
		logging.Error("failed to start trace pipeline", logging.F("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	statsMux := http.NewServeMux()
	statsMux.Handle("/metrics", promhttp.Handler())
	statsServer := &http.Server{
		Addr:    *statsAddr,
		Handler: statsMux,
	}
	go func() {
		logging.Info("stats endpoint started", logging.F("addr", *statsAddr, "path", "/metrics"))
		if err := statsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("stats server error", logging.F("error", err.Error()))
		}
	}()

	go pipeline.StartPeriodicStatsLogging(ctx, 30*time.Second)

	logging.Info("demo workload started", logging.F(
		"service", serviceName,
		"endpoint", pipeline.Endpoint(),
		"workers", *workers,
	))

	tracer := tp.Tracer("trace-governor-demo")
	g, workCtx := errgroup.WithContext(ctx)
	for i := 0; i < *workers; i++ {
		worker := i
		g.Go(func() error {
			return produceSpans(workCtx, tracer, worker, *rate)
		})
	}

	<-ctx.Done()
	logging.Info("shutting down")

	_ = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = statsServer.Shutdown(shutdownCtx)

	if err := tp.Shutdown(shutdownCtx); err != nil {
		logging.Warn("trace provider shutdown incomplete", logging.F("error", err.Error()))
	}
	pipeline.LogStats()

	logging.Info("shutdown complete")
}

// produceSpans emits one parent span with a child and an event per tick
// until the context is canceled.
func produceSpans(ctx context.Context, tracer oteltrace.Tracer, worker int, rate time.Duration) error {
	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	ops := []string{"GET /api/items", "POST /api/items", "GET /api/items/{id}", "worker.process"}

	for seq := 0; ; seq++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		op := ops[rand.Intn(len(ops))]
		spanCtx, parent := tracer.Start(ctx, op, oteltrace.WithSpanKind(oteltrace.SpanKindServer))
		parent.SetAttributes(
			attribute.Int("demo.worker", worker),
			attribute.Int("demo.seq", seq),
			attribute.String("http.method", methodOf(op)),
		)

		_, child := tracer.Start(spanCtx, "db.query", oteltrace.WithSpanKind(oteltrace.SpanKindClient))
		child.SetAttributes(attribute.String("db.system", "postgresql"))
		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
		child.End()

		if seq%20 == 19 {
			parent.AddEvent("cache.miss", oteltrace.WithAttributes(attribute.String("cache.key", fmt.Sprintf("item:%d", seq))))
		}
		if seq%50 == 49 {
			parent.SetStatus(codes.Error, "simulated failure")
		} else {
			parent.SetStatus(codes.Ok, "")
		}
		parent.End()
	}
}

// methodOf returns the HTTP method prefix of an operation name like
// "GET /api/items", or "" for non-HTTP operations.
func methodOf(op string) string {
	if idx := strings.IndexByte(op, ' '); idx > 0 {
		return op[:idx]
	}
	return ""
}

func serviceNameFromExecutable() string {
	exe, err := os.Executable()
	if err != nil {
		return "trace-governor-demo"
	}
	name := filepath.Base(exe)
	// Container images often name the binary "<service>_<build-id>".
	if idx := strings.IndexByte(name, '_'); idx > 0 {
		name = name[:idx]
	}
	if name == "" {
		return "trace-governor-demo"
	}
	return name
}
