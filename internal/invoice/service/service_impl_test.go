package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/settlement/internal/account/domain"
	accountrepo "github.com/smallbiznis/settlement/internal/account/repository"
	auditrepo "github.com/smallbiznis/settlement/internal/audit/repository"
	auditservice "github.com/smallbiznis/settlement/internal/audit/service"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	idempotencydomain "github.com/smallbiznis/settlement/internal/idempotency/domain"
	idempotencyrepo "github.com/smallbiznis/settlement/internal/idempotency/repository"
	idempotencyservice "github.com/smallbiznis/settlement/internal/idempotency/service"
	"github.com/smallbiznis/settlement/internal/invariant"
	"github.com/smallbiznis/settlement/internal/invoice/domain"
	"github.com/smallbiznis/settlement/internal/invoice/render"
	"github.com/smallbiznis/settlement/internal/invoice/repository"
	"github.com/smallbiznis/settlement/internal/runmode"
	"github.com/smallbiznis/settlement/internal/testutil/dbtest"
	usagerepo "github.com/smallbiznis/settlement/internal/usage/repository"
	usageservice "github.com/smallbiznis/settlement/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var cycleStart = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	db          *gorm.DB
	clock       *clock.FakeClock
	svc         domain.Service
	idempotency idempotencydomain.Store
	account     accountdomain.BillingAccount
	node        *snowflake.Node
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	conn := dbtest.Open(t)
	node := dbtest.Node(t)
	fake := clock.NewFakeClock(cycleStart.AddDate(0, 1, 0).Add(time.Hour))
	log := zap.NewNop()

	accounts := accountrepo.Provide()
	account := accountdomain.BillingAccount{
		ID:            node.Generate(),
		TenantID:      "acme",
		TenantType:    accountdomain.TenantOrg,
		Status:        accountdomain.StatusActive,
		Currency:      "USD",
		CycleStart:    cycleStart,
		CycleEnd:      cycleStart.AddDate(0, 1, 0),
		MandateStatus: accountdomain.MandateNone,
		CreatedAt:     cycleStart,
		UpdatedAt:     cycleStart,
	}
	insertAccount(t, conn, &account)

	store := idempotencyservice.NewStore(idempotencyservice.Params{DB: conn, Log: log, Clock: fake, Repo: idempotencyrepo.Provide()})
	svc := NewService(Params{
		DB:            conn,
		Log:           log,
		GenID:         node,
		Clock:         fake,
		BillingConfig: config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
		Repo:          repository.Provide(),
		Accounts:      accounts,
		Usage:         usageservice.NewReader(usageservice.Params{DB: conn, Log: log, Repo: usagerepo.Provide()}),
		Idempotency:   store,
		Audit:         auditservice.NewService(auditservice.Params{DB: conn, Log: log, GenID: node, Clock: fake, Repo: auditrepo.Provide()}),
		Invariants:    invariant.NewReporterForEnv(log, false),
		Renderer:      render.NewPDFRenderer("Test"),
	})
	return fixture{db: conn, clock: fake, svc: svc, idempotency: store, account: account, node: node}
}

func TestGenerateInvoicePricesUsage(t *testing.T) {
	f := newFixture(t)
	dbtest.SeedUsage(t, f.db, "acme", "bandwidth", "GB", "100", cycleStart.Add(24*time.Hour))

	result, err := f.svc.GenerateInvoice(context.Background(), f.account.ID, runmode.Live)
	require.NoError(t, err)
	require.True(t, result.Created)

	invoice := result.Invoice
	assert.Equal(t, "10.00", invoice.Amount.StringFixed(2))
	assert.Equal(t, domain.StatusDue, invoice.Status)
	assert.Equal(t, 0, invoice.RetryCount)
	assert.Equal(t, "INV-ACME-"+strings.ToUpper(f.account.ID.Base36())+"-202602-0001", invoice.InvoiceNumber)
	assert.True(t, invoice.DueDate.Equal(f.clock.Now().Add(7*24*time.Hour)))

	stored, err := f.svc.GetByID(context.Background(), invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.00", stored.Amount.StringFixed(2))
	require.Len(t, stored.Breakdown().Lines, 1)
	assert.Equal(t, "bandwidth", stored.Breakdown().Lines[0].Category)

	record, err := f.idempotency.Get(context.Background(), idempotencydomain.ScopeInvoice, domain.IdempotencyKey(f.account.ID, f.account.CycleStart, f.account.CycleEnd))
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, invoice.ID.String(), record.ResourceID)
	assert.EqualValues(t, 1, dbtest.Count(t, f.db, "audit_logs", "event_type = ?", "invoice.generated"))
}

func insertAccount(t *testing.T, conn *gorm.DB, account *accountdomain.BillingAccount) {
	t.Helper()
	if _, err := accountrepo.Provide().Insert(context.Background(), conn, account); err != nil {
		t.Fatalf("insert account: %v", err)
	}
}

func TestGenerateInvoiceTenantsWithCollidingSlugs(t *testing.T) {
	f := newFixture(t)
	first := f.account
	first.ID = f.node.Generate()
	first.TenantID = "Acme Corp"
	insertAccount(t, f.db, &first)
	second := f.account
	second.ID = f.node.Generate()
	second.TenantID = "acme-corp"
	insertAccount(t, f.db, &second)

	a, err := f.svc.GenerateInvoice(context.Background(), first.ID, runmode.Live)
	require.NoError(t, err)
	b, err := f.svc.GenerateInvoice(context.Background(), second.ID, runmode.Live)
	require.NoError(t, err)

	require.True(t, a.Created)
	require.True(t, b.Created)
	assert.NotEqual(t, a.Invoice.InvoiceNumber, b.Invoice.InvoiceNumber)
	assert.Contains(t, a.Invoice.InvoiceNumber, "INV-ACME-CORP-")
	assert.Contains(t, b.Invoice.InvoiceNumber, "INV-ACME-CORP-")
	assert.EqualValues(t, 2, dbtest.Count(t, f.db, "invoices", "tenant_id IN (?, ?)", "Acme Corp", "acme-corp"))
}

func TestGenerateInvoiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	dbtest.SeedUsage(t, f.db, "acme", "storage", "GB", "50", cycleStart.Add(time.Hour))

	first, err := f.svc.GenerateInvoice(context.Background(), f.account.ID, runmode.Live)
	require.NoError(t, err)
	second, err := f.svc.GenerateInvoice(context.Background(), f.account.ID, runmode.Live)
	require.NoError(t, err)

	assert.Equal(t, first.Invoice.ID, second.Invoice.ID)
	assert.False(t, second.Created)
	assert.EqualValues(t, 1, dbtest.Count(t, f.db, "invoices", ""))
	assert.EqualValues(t, 1, dbtest.Count(t, f.db, "audit_logs", "event_type = ?", "invoice.generated"))
}

func TestGenerateInvoiceBackfillsMissingRecord(t *testing.T) {
	f := newFixture(t)
	first, err := f.svc.GenerateInvoice(context.Background(), f.account.ID, runmode.Live)
	require.NoError(t, err)

	// Simulate a crash after the invoice insert but before the record.
	require.NoError(t, f.db.Exec(`DELETE FROM idempotency_records`).Error)

	second, err := f.svc.GenerateInvoice(context.Background(), f.account.ID, runmode.Live)
	require.NoError(t, err)
	assert.Equal(t, first.Invoice.ID, second.Invoice.ID)
	assert.EqualValues(t, 1, dbtest.Count(t, f.db, "idempotency_records", "scope = ?", "invoice"))
}

func TestGenerateInvoiceDryRunWritesNothing(t *testing.T) {
	f := newFixture(t)
	dbtest.SeedUsage(t, f.db, "acme", "compute", "hour", "20", cycleStart.Add(time.Hour))

	result, err := f.svc.GenerateInvoice(context.Background(), f.account.ID, runmode.RunMode{DryRun: true})
	require.NoError(t, err)
	assert.False(t, result.Persisted)
	assert.Equal(t, "1.00", result.Invoice.Amount.StringFixed(2))
	assert.EqualValues(t, 0, dbtest.Count(t, f.db, "invoices", ""))
	assert.EqualValues(t, 0, dbtest.Count(t, f.db, "idempotency_records", ""))
}

func TestRecordPaymentFailureExhaustsRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dbtest.SeedUsage(t, f.db, "acme", "bandwidth", "GB", "10", cycleStart.Add(time.Hour))
	generated, err := f.svc.GenerateInvoice(ctx, f.account.ID, runmode.Live)
	require.NoError(t, err)

	var invoice *domain.Invoice
	for i := 1; i <= 3; i++ {
		invoice, err = f.svc.RecordPaymentFailure(ctx, domain.RecordFailureRequest{
			InvoiceID: generated.Invoice.ID, Reason: "declined", Mode: runmode.Live,
		})
		require.NoError(t, err)
		assert.Equal(t, i, invoice.RetryCount)
	}
	assert.Equal(t, domain.StatusFailed, invoice.Status)

	// Further failures leave a FAILED invoice alone.
	invoice, err = f.svc.RecordPaymentFailure(ctx, domain.RecordFailureRequest{InvoiceID: generated.Invoice.ID, Reason: "declined", Mode: runmode.Live})
	require.NoError(t, err)
	assert.Equal(t, 3, invoice.RetryCount)
}

func TestMarkPaidWinsOverFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	generated, err := f.svc.GenerateInvoice(ctx, f.account.ID, runmode.Live)
	require.NoError(t, err)
	id := generated.Invoice.ID

	updated, err := f.svc.MarkPaid(ctx, domain.MarkPaidRequest{InvoiceID: id, Method: domain.SettlementGateway, Reference: "pay_1", Mode: runmode.Live})
	require.NoError(t, err)
	assert.True(t, updated)

	updated, err = f.svc.MarkPaid(ctx, domain.MarkPaidRequest{InvoiceID: id, Method: domain.SettlementGateway, Reference: "pay_1", Mode: runmode.Live})
	require.NoError(t, err)
	assert.False(t, updated)

	invoice, err := f.svc.RecordPaymentFailure(ctx, domain.RecordFailureRequest{InvoiceID: id, Reason: "late decline", Mode: runmode.Live})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, invoice.Status)
	assert.Equal(t, 0, invoice.RetryCount)
	assert.Equal(t, "pay_1", invoice.SettlementRef)
}

func TestListAndRender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	generated, err := f.svc.GenerateInvoice(ctx, f.account.ID, runmode.Live)
	require.NoError(t, err)

	page, err := f.svc.List(ctx, domain.ListInvoiceRequest{BillingAccountID: f.account.ID})
	require.NoError(t, err)
	require.Len(t, page.Invoices, 1)
	assert.False(t, page.HasMore)

	doc, err := f.svc.RenderPDF(ctx, generated.Invoice.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, doc)

	_, err = f.svc.GetByID(ctx, snowflake.ID(12345))
	assert.ErrorIs(t, err, domain.ErrInvoiceNotFound)
}
