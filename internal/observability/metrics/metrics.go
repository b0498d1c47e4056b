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

// Metrics exposes application-level instruments.
type Metrics struct {
	purchases      metric.Int64Counter
	paymentRevenue metric.Int64Counter
	walkInRevenue  metric.Int64Counter
	kioskAllowed   metric.Int64Counter
	kioskDenied    metric.Int64Counter
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
		name = "gymledger"
	}
	meter := provider.Meter(name)

	purchases, err := meter.Int64Counter("gymledger_membership_purchases_total")
	if err != nil {
		return nil, err
	}
	paymentRevenue, err := meter.Int64Counter("gymledger_payment_revenue_minor_total")
	if err != nil {
		return nil, err
	}
	walkInRevenue, err := meter.Int64Counter("gymledger_walkin_revenue_minor_total")
	if err != nil {
		return nil, err
	}
	kioskAllowed, err := meter.Int64Counter("gymledger_kiosk_access_allowed_total")
	if err != nil {
		return nil, err
	}
	kioskDenied, err := meter.Int64Counter("gymledger_kiosk_access_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		purchases:      purchases,
		paymentRevenue: paymentRevenue,
		walkInRevenue:  walkInRevenue,
		kioskAllowed:   kioskAllowed,
		kioskDenied:    kioskDenied,
	}, nil
}

// RecordPurchase increments purchase counts by plan and method.
func (m *Metrics) RecordPurchase(ctx context.Context, planCode, method string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("plan_code", strings.TrimSpace(planCode)),
		attribute.String("method", strings.TrimSpace(method)),
	)
	m.purchases.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordConfirmedRevenue adds confirmed membership revenue in minor units.
func (m *Metrics) RecordConfirmedRevenue(ctx context.Context, method string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("method", strings.TrimSpace(method)))
	m.paymentRevenue.Add(ctx, amount, metric.WithAttributes(attrs...))
}

// RecordWalkInRevenue adds walk-in revenue in minor units.
func (m *Metrics) RecordWalkInRevenue(ctx context.Context, method string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("method", strings.TrimSpace(method)))
	m.walkInRevenue.Add(ctx, amount, metric.WithAttributes(attrs...))
}

// RecordKioskAccess counts kiosk access checks by outcome.
func (m *Metrics) RecordKioskAccess(ctx context.Context, kioskID string, allowed bool, reason string) {
	if m == nil {
		return
	}
	if allowed {
		m.kioskAllowed.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
			attribute.String("kiosk_id", strings.TrimSpace(kioskID)),
		)...))
		return
	}
	m.kioskDenied.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("kiosk_id", strings.TrimSpace(kioskID)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)...))
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
	"plan_code":   {},
	"method":      {},
	"kiosk_id":    {},
	"endpoint":    {},
	"status_code": {},
	"reason":      {},
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
