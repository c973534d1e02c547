package analysis

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("sapling.analysis")
	meter  = otel.Meter("sapling.analysis")
)

var (
	requestLatency metric.Float64Histogram
	requestTotal   metric.Int64Counter
	serverStarts   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		requestLatency, err = meter.Float64Histogram(
			"sapling_analysis_request_duration_seconds",
			metric.WithDescription("Time from issuing an analysis request to its outcome"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		requestTotal, err = meter.Int64Counter(
			"sapling_analysis_requests_total",
			metric.WithDescription("Analysis requests by kind and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		serverStarts, err = meter.Int64Counter(
			"sapling_analysis_server_starts_total",
			metric.WithDescription("Language server processes started"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startRequestSpan(ctx context.Context, kind Kind, uri string, revision int64) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Bridge."+string(kind),
		trace.WithAttributes(
			attribute.String("analysis.kind", string(kind)),
			attribute.String("analysis.uri", uri),
			attribute.Int64("analysis.revision", revision),
		),
	)
}

func recordOutcome(ctx context.Context, kind Kind, outcome State, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome.String()),
	)
	requestLatency.Record(ctx, duration.Seconds(), attrs)
	requestTotal.Add(ctx, 1, attrs)
}

func recordServerStart(ctx context.Context, language string, ok bool) {
	if err := initMetrics(); err != nil {
		return
	}
	serverStarts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("language", language),
		attribute.Bool("success", ok),
	))
}
