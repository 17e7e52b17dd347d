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

// Metrics exposes business instruments exported over OTLP.
type Metrics struct {
	invoicesGenerated metric.Int64Counter
	invoiceAmount     metric.Float64Counter
	settlements       metric.Int64Counter
	remindersSent     metric.Int64Counter
	suspensions       metric.Int64Counter
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

// New configures the business instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "settlement"
	}
	meter := provider.Meter(name)

	invoicesGenerated, err := meter.Int64Counter("settlement_invoices_generated_total")
	if err != nil {
		return nil, err
	}
	invoiceAmount, err := meter.Float64Counter("settlement_invoice_amount_total")
	if err != nil {
		return nil, err
	}
	settlements, err := meter.Int64Counter("settlement_invoice_settlements_total")
	if err != nil {
		return nil, err
	}
	remindersSent, err := meter.Int64Counter("settlement_grace_reminders_total")
	if err != nil {
		return nil, err
	}
	suspensions, err := meter.Int64Counter("settlement_account_suspensions_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		invoicesGenerated: invoicesGenerated,
		invoiceAmount:     invoiceAmount,
		settlements:       settlements,
		remindersSent:     remindersSent,
		suspensions:       suspensions,
	}, nil
}

// RecordInvoiceGenerated counts a newly generated invoice and its amount.
func (m *Metrics) RecordInvoiceGenerated(ctx context.Context, currency string, amount float64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("currency", strings.TrimSpace(currency)))
	m.invoicesGenerated.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.invoiceAmount.Add(ctx, amount, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordSettlement(ctx context.Context, method, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("method", strings.TrimSpace(method)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.settlements.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordReminderSent(ctx context.Context, day int) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.Int("reminder_day", day))
	m.remindersSent.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordSuspension(ctx context.Context, tenantType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("tenant_type", strings.TrimSpace(tenantType)))
	m.suspensions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
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

// Tenant identifiers are deliberately absent: per-tenant series would
// grow without bound.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"currency":     {},
	"method":       {},
	"outcome":      {},
	"reminder_day": {},
	"tenant_type":  {},
	"event_type":   {},
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
