package render

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/invoice/domain"
	"github.com/smallbiznis/settlement/internal/rating"
	"gorm.io/datatypes"
)

func TestRenderPDF(t *testing.T) {
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	invoice := domain.Invoice{
		InvoiceNumber: "INV-ACME-202602-0001",
		TenantID:      "acme",
		CycleStart:    start,
		CycleEnd:      start.AddDate(0, 1, 0),
		UsageBreakdown: datatypes.NewJSONType(rating.Breakdown{
			Lines: []rating.Line{{
				Category: "bandwidth",
				Unit:     "GB",
				Quantity: decimal.NewFromInt(100),
				Rate:     decimal.RequireFromString("0.10"),
				Amount:   decimal.RequireFromString("10.00"),
			}},
			Total: decimal.RequireFromString("10.00"),
		}),
		Amount:    decimal.RequireFromString("10.00"),
		Currency:  "USD",
		Status:    domain.StatusDue,
		DueDate:   start.AddDate(0, 1, 7),
		CreatedAt: start.AddDate(0, 1, 0),
	}

	doc, err := NewPDFRenderer("Acme Cloud").RenderPDF(invoice)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !bytes.HasPrefix(doc, []byte("%PDF")) {
		t.Fatalf("expected a PDF document, got %q", doc[:min(len(doc), 8)])
	}
}
