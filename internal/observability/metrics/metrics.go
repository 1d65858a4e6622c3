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
}

// Metrics exposes credit and payment instruments.
type Metrics struct {
	webhookEvents    metric.Int64Counter
	creditsGranted   metric.Int64Counter
	pagesConsumed    metric.Int64Counter
	overuseRejected  metric.Int64Counter
	checkoutSessions metric.Int64Counter
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

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "pagebill"
	}
	meter := provider.Meter(name)

	webhookEvents, err := meter.Int64Counter("pagebill_webhook_events_total")
	if err != nil {
		return nil, err
	}
	creditsGranted, err := meter.Int64Counter("pagebill_credits_granted_pages_total")
	if err != nil {
		return nil, err
	}
	pagesConsumed, err := meter.Int64Counter("pagebill_pages_consumed_total")
	if err != nil {
		return nil, err
	}
	overuseRejected, err := meter.Int64Counter("pagebill_overuse_rejections_total")
	if err != nil {
		return nil, err
	}
	checkoutSessions, err := meter.Int64Counter("pagebill_checkout_sessions_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		webhookEvents:    webhookEvents,
		creditsGranted:   creditsGranted,
		pagesConsumed:    pagesConsumed,
		overuseRejected:  overuseRejected,
		checkoutSessions: checkoutSessions,
	}, nil
}

// RecordWebhookEvent counts verified webhook deliveries by outcome.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, provider, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCreditsGranted adds granted pages; negative deltas are recorded as zero.
func (m *Metrics) RecordCreditsGranted(ctx context.Context, reason string, pages int64) {
	if m == nil || pages <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.creditsGranted.Add(ctx, pages, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordPagesConsumed(ctx context.Context, pages int64) {
	if m == nil || pages <= 0 {
		return
	}
	m.pagesConsumed.Add(ctx, pages)
}

func (m *Metrics) RecordOveruseRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.overuseRejected.Add(ctx, 1)
}

func (m *Metrics) RecordCheckoutSession(ctx context.Context, provider, purchaseType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("purchase_type", strings.TrimSpace(purchaseType)),
	)
	m.checkoutSessions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"provider":      {},
	"event_type":    {},
	"outcome":       {},
	"reason":        {},
	"purchase_type": {},
	"status_code":   {},
	"route":         {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
