package metrics

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	settlementOps       metric.Int64Counter
	reconcileOutcomes   metric.Int64Counter
	invariantViolations metric.Int64Counter
	webhookEvents       metric.Int64Counter
	jobRuns             metric.Int64Counter
	jobDuration         metric.Float64Histogram
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := otlpmetricgrpc.New(context.Background(),
		otlpmetricgrpc.WithEndpoint(cfg.ExporterEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized", zap.String("endpoint", cfg.ExporterEndpoint))
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "reserva"
	}
	meter := provider.Meter(name)

	settlementOps, err := meter.Int64Counter("reserva_settlement_ops_total")
	if err != nil {
		return nil, err
	}
	reconcileOutcomes, err := meter.Int64Counter("reserva_reconcile_outcomes_total")
	if err != nil {
		return nil, err
	}
	invariantViolations, err := meter.Int64Counter("reserva_invariant_violations_total")
	if err != nil {
		return nil, err
	}
	webhookEvents, err := meter.Int64Counter("reserva_webhook_events_total")
	if err != nil {
		return nil, err
	}
	jobRuns, err := meter.Int64Counter("reserva_scheduler_job_runs_total")
	if err != nil {
		return nil, err
	}
	jobDuration, err := meter.Float64Histogram("reserva_scheduler_job_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		settlementOps:       settlementOps,
		reconcileOutcomes:   reconcileOutcomes,
		invariantViolations: invariantViolations,
		webhookEvents:       webhookEvents,
		jobRuns:             jobRuns,
		jobDuration:         jobDuration,
	}, nil
}

// RecordSettlement increments settlement operation counts by op and result.
func (m *Metrics) RecordSettlement(ctx context.Context, op, result string) {
	if m == nil {
		return
	}
	m.settlementOps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("result", result),
	))
}

// RecordReconcileOutcome increments reconcile decision counts.
func (m *Metrics) RecordReconcileOutcome(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.reconcileOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordInvariantViolation counts balance-invariant failures. These indicate
// a logic defect, not a business race; alert on any nonzero rate.
func (m *Metrics) RecordInvariantViolation(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.invariantViolations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
	))
}

// RecordWebhookEvent increments webhook ingestion counts.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, provider, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("result", result),
	))
}

// RecordJobRun increments scheduler job run counts.
func (m *Metrics) RecordJobRun(ctx context.Context, job, result string) {
	if m == nil {
		return
	}
	m.jobRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job", job),
		attribute.String("result", result),
	))
}

// ObserveJobDuration records scheduler job wall time.
func (m *Metrics) ObserveJobDuration(ctx context.Context, job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("job", job),
	))
}
