package render

import (
	"fmt"
	"time"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/line"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
	"github.com/smallbiznis/settlement/internal/invoice/domain"
)

const dateLayout = "2006-01-02"

// Renderer turns a stored invoice into a document.
type Renderer interface {
	RenderPDF(invoice domain.Invoice) ([]byte, error)
}

type PDFRenderer struct {
	issuer string
}

func NewPDFRenderer(issuer string) *PDFRenderer {
	if issuer == "" {
		issuer = "Billing"
	}
	return &PDFRenderer{issuer: issuer}
}

// RenderPDF only reads the frozen breakdown; nothing is recomputed.
func (r *PDFRenderer) RenderPDF(invoice domain.Invoice) ([]byte, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(12,
		text.NewCol(8, r.issuer, props.Text{Size: 16, Style: fontstyle.Bold, Align: align.Left}),
		text.NewCol(4, "Invoice", props.Text{Size: 16, Style: fontstyle.Bold, Align: align.Right}),
	)

	m.AddRow(24,
		col.New(6).Add(
			text.New("Invoice number: "+invoice.InvoiceNumber, props.Text{Top: 0}),
			text.New("Date of issue: "+invoice.CreatedAt.UTC().Format(dateLayout), props.Text{Top: 5}),
			text.New("Date due: "+invoice.DueDate.UTC().Format(dateLayout), props.Text{Top: 10}),
			text.New("Service period: "+servicePeriod(invoice.CycleStart, invoice.CycleEnd), props.Text{Top: 15}),
		),
		col.New(6).Add(
			text.New("Bill to", props.Text{Style: fontstyle.Bold, Align: align.Right}),
			text.New(invoice.TenantID, props.Text{Top: 5, Align: align.Right}),
			text.New("Status: "+string(invoice.Status), props.Text{Top: 10, Align: align.Right}),
		),
	)

	m.AddRow(10,
		text.NewCol(6, "Category", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Quantity", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Unit price", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	m.AddRow(2, line.NewCol(12))

	breakdown := invoice.Breakdown()
	for _, item := range breakdown.Lines {
		m.AddRow(8,
			text.NewCol(6, item.Category, props.Text{Size: 9}),
			text.NewCol(2, item.Quantity.String()+" "+item.Unit, props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, item.Rate.String(), props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, item.Amount.StringFixed(2), props.Text{Size: 9, Align: align.Right}),
		)
	}

	m.AddRow(2, line.NewCol(12))
	m.AddRow(10,
		col.New(8),
		text.NewCol(2, "Amount due", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, fmt.Sprintf("%s %s", invoice.Amount.StringFixed(2), invoice.Currency), props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	if invoice.PaidAt != nil {
		m.AddRow(8,
			col.New(8),
			text.NewCol(4, "Paid "+invoice.PaidAt.UTC().Format(dateLayout)+" via "+string(invoice.SettlementMethod), props.Text{Size: 8, Align: align.Right}),
		)
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}

func servicePeriod(start, end time.Time) string {
	return start.UTC().Format(dateLayout) + " to " + end.UTC().Format(dateLayout)
}
