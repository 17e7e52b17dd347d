package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsTenantLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("tenant_id", "t-1"),
		attribute.String("currency", "USD"),
		attribute.String("outcome", "paid"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "tenant_id" {
			t.Fatalf("tenant_id must not be exported")
		}
	}
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordInvoiceGenerated(context.Background(), "USD", 10)
	m.RecordSettlement(context.Background(), "wallet", "paid")

	var nilMetrics *Metrics
	nilMetrics.RecordReminderSent(context.Background(), 7)
}
