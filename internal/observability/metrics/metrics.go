package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
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
	ExporterProtocol string
	ServiceName      string
	Environment      string
	Colo             string
}

// Metrics exposes application-level instruments for the metering core.
type Metrics struct {
	colo string

	verifications   metric.Int64Counter
	usageReports    metric.Int64Counter
	verifyLatency   metric.Float64Histogram
	reconcileRuns   metric.Int64Counter
	reconcileDrift  metric.Float64Histogram
	cacheLookups    metric.Int64Counter
	flushedRecords  metric.Int64Counter
	actorsSpawned   metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
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

	return provider, nil
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch protocol {
	case "http", "http/protobuf":
		return otlpmetrichttp.New(context.Background(),
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	case "", "grpc":
		return otlpmetricgrpc.New(context.Background(),
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported otlp protocol %q", protocol)
	}
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "unprice"
	}
	meter := provider.Meter(name)

	verifications, err := meter.Int64Counter("unprice_verifications_total")
	if err != nil {
		return nil, err
	}
	usageReports, err := meter.Int64Counter("unprice_usage_reports_total")
	if err != nil {
		return nil, err
	}
	verifyLatency, err := meter.Float64Histogram("unprice_verify_latency_ms")
	if err != nil {
		return nil, err
	}
	reconcileRuns, err := meter.Int64Counter("unprice_reconcile_runs_total")
	if err != nil {
		return nil, err
	}
	reconcileDrift, err := meter.Float64Histogram("unprice_reconcile_drift")
	if err != nil {
		return nil, err
	}
	cacheLookups, err := meter.Int64Counter("unprice_cache_lookups_total")
	if err != nil {
		return nil, err
	}
	flushedRecords, err := meter.Int64Counter("unprice_flushed_records_total")
	if err != nil {
		return nil, err
	}
	actorsSpawned, err := meter.Int64Counter("unprice_actors_spawned_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		colo:           strings.TrimSpace(cfg.Colo),
		verifications:  verifications,
		usageReports:   usageReports,
		verifyLatency:  verifyLatency,
		reconcileRuns:  reconcileRuns,
		reconcileDrift: reconcileDrift,
		cacheLookups:   cacheLookups,
		flushedRecords: flushedRecords,
		actorsSpawned:  actorsSpawned,
	}, nil
}

func (m *Metrics) base(extra ...attribute.KeyValue) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(extra)+1)
	if m.colo != "" {
		attrs = append(attrs, attribute.String("colo", m.colo))
	}
	for _, kv := range extra {
		if strings.TrimSpace(string(kv.Key)) == "" {
			continue
		}
		attrs = append(attrs, kv)
	}
	return attrs
}

// RecordVerification counts a verify decision.
func (m *Metrics) RecordVerification(ctx context.Context, featureSlug string, allowed bool, latency time.Duration) {
	if m == nil {
		return
	}
	attrs := m.base(
		attribute.String("feature_slug", featureSlug),
		attribute.Bool("allowed", allowed),
	)
	m.verifications.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.verifyLatency.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordUsageReport counts a reportUsage call.
func (m *Metrics) RecordUsageReport(ctx context.Context, featureSlug string, deduplicated bool) {
	if m == nil {
		return
	}
	attrs := m.base(
		attribute.String("feature_slug", featureSlug),
		attribute.Bool("deduplicated", deduplicated),
	)
	m.usageReports.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReconcile counts a reconciler run and observes the drift it measured.
func (m *Metrics) RecordReconcile(ctx context.Context, featureSlug, outcome string, drift float64) {
	if m == nil {
		return
	}
	attrs := m.base(
		attribute.String("feature_slug", featureSlug),
		attribute.String("outcome", outcome),
	)
	m.reconcileRuns.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.reconcileDrift.Record(ctx, drift, metric.WithAttributes(attrs...))
}

// RecordCacheLookup counts a cache lookup per namespace and result tier.
func (m *Metrics) RecordCacheLookup(ctx context.Context, namespace, result string) {
	if m == nil {
		return
	}
	attrs := m.base(
		attribute.String("namespace", namespace),
		attribute.String("result", result),
	)
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordFlush counts records shipped to the analytics sink.
func (m *Metrics) RecordFlush(ctx context.Context, kind string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := m.base(attribute.String("kind", kind))
	m.flushedRecords.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordActorSpawn counts actor instantiations.
func (m *Metrics) RecordActorSpawn(ctx context.Context) {
	if m == nil {
		return
	}
	m.actorsSpawned.Add(ctx, 1, metric.WithAttributes(m.base()...))
}
