// Package telemetry provides OpenTelemetry metrics for the keel engine.
//
// Telemetry is disabled by default (no-op providers, zero overhead).
//
// # Configuration
//
//	KEEL_OTEL_ENABLED=true   enable metrics (default: off)
//
// When enabled, metrics are periodically written to stderr via the
// stdout exporter; wiring an OTLP endpoint is deployment concern left
// to the embedding process.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const instrumentationScope = "github.com/steveyegge/keel"

var shutdownFn func(context.Context) error

// Enabled reports whether telemetry is active (KEEL_OTEL_ENABLED=true).
func Enabled() bool {
	return os.Getenv("KEEL_OTEL_ENABLED") == "true"
}

// Init configures the meter provider. When disabled this installs a
// no-op provider and returns immediately.
func Init(ctx context.Context, version string) error {
	if !Enabled() {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String("keel"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	exp, err := stdoutmetric.New()
	if err != nil {
		return fmt.Errorf("telemetry: exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(time.Minute))),
	)
	otel.SetMeterProvider(mp)
	shutdownFn = mp.Shutdown
	return nil
}

// Shutdown flushes pending metrics. Safe to call when telemetry was
// never initialized.
func Shutdown(ctx context.Context) error {
	if shutdownFn == nil {
		return nil
	}
	return shutdownFn(ctx)
}

// Meter returns the engine's meter.
func Meter() metric.Meter {
	return otel.Meter(instrumentationScope)
}

// Counters used by the engine. Instrument creation errors are ignored:
// the otel API returns usable no-op instruments alongside them.

// SweepExpired counts timer-sweep transitions actually applied.
func SweepExpired() metric.Int64Counter {
	c, _ := Meter().Int64Counter("keel.sweep.expired",
		metric.WithDescription("timer sweep transitions applied"))
	return c
}

// SweepNoop counts sweep passes that found nothing to do (idempotent
// re-runs land here).
func SweepNoop() metric.Int64Counter {
	c, _ := Meter().Int64Counter("keel.sweep.noop",
		metric.WithDescription("timer sweep passes with no eligible rows"))
	return c
}

// SuppressionHits counts proposals blocked by a live suppression rule.
func SuppressionHits() metric.Int64Counter {
	c, _ := Meter().Int64Counter("keel.suppression.hits",
		metric.WithDescription("proposals blocked by live suppression rules"))
	return c
}

// HeuristicAmbiguous counts engagement trigger evaluations that could
// not decide and held state.
func HeuristicAmbiguous() metric.Int64Counter {
	c, _ := Meter().Int64Counter("keel.engagement.heuristic.ambiguous",
		metric.WithDescription("engagement heuristic evaluations flagged ambiguous"))
	return c
}
