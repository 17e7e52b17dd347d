// Package enginetest wires the storage-backed services of the engine over
// one SQLite database for tests of the packages built on top of them.
package enginetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/settlement/internal/account/domain"
	accountrepo "github.com/smallbiznis/settlement/internal/account/repository"
	accountservice "github.com/smallbiznis/settlement/internal/account/service"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	auditrepo "github.com/smallbiznis/settlement/internal/audit/repository"
	auditservice "github.com/smallbiznis/settlement/internal/audit/service"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/gateway"
	idempotencydomain "github.com/smallbiznis/settlement/internal/idempotency/domain"
	idempotencyrepo "github.com/smallbiznis/settlement/internal/idempotency/repository"
	idempotencyservice "github.com/smallbiznis/settlement/internal/idempotency/service"
	"github.com/smallbiznis/settlement/internal/invariant"
	invoicedomain "github.com/smallbiznis/settlement/internal/invoice/domain"
	"github.com/smallbiznis/settlement/internal/invoice/render"
	invoicerepo "github.com/smallbiznis/settlement/internal/invoice/repository"
	invoiceservice "github.com/smallbiznis/settlement/internal/invoice/service"
	"github.com/smallbiznis/settlement/internal/lock"
	"github.com/smallbiznis/settlement/internal/testutil/dbtest"
	usagerepo "github.com/smallbiznis/settlement/internal/usage/repository"
	usageservice "github.com/smallbiznis/settlement/internal/usage/service"
	walletdomain "github.com/smallbiznis/settlement/internal/wallet/domain"
	walletrepo "github.com/smallbiznis/settlement/internal/wallet/repository"
	walletservice "github.com/smallbiznis/settlement/internal/wallet/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Start is the default clock origin: the first cycle of every onboarded
// account runs through February 2026.
var Start = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

type Engine struct {
	DB          *gorm.DB
	Node        *snowflake.Node
	Clock       *clock.FakeClock
	Log         *zap.Logger
	Billing     *config.BillingConfigHolder
	Config      config.Config
	AuditRepo   auditdomain.Repository
	Audit       auditdomain.Service
	Accounts    accountdomain.Service
	Invoices    invoicedomain.Service
	Locks       *lock.Manager
	Wallet      walletdomain.Service
	Idempotency idempotencydomain.Store
	Gateway     *FakeGateway
}

func New(t testing.TB) *Engine {
	t.Helper()
	conn := dbtest.Open(t)
	node := dbtest.Node(t)
	fake := clock.NewFakeClock(Start)
	log := zap.NewNop()
	billing := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())

	auditRepo := auditrepo.Provide()
	audit := auditservice.NewService(auditservice.Params{DB: conn, Log: log, GenID: node, Clock: fake, Repo: auditRepo})
	accountRepo := accountrepo.Provide()
	accounts := accountservice.NewService(accountservice.Params{
		DB:            conn,
		Log:           log,
		GenID:         node,
		Clock:         fake,
		BillingConfig: billing,
		Repo:          accountRepo,
		Audit:         audit,
	})
	store := idempotencyservice.NewStore(idempotencyservice.Params{DB: conn, Log: log, Clock: fake, Repo: idempotencyrepo.Provide()})
	invoices := invoiceservice.NewService(invoiceservice.Params{
		DB:            conn,
		Log:           log,
		GenID:         node,
		Clock:         fake,
		BillingConfig: billing,
		Repo:          invoicerepo.Provide(),
		Accounts:      accountRepo,
		Usage:         usageservice.NewReader(usageservice.Params{DB: conn, Log: log, Repo: usagerepo.Provide()}),
		Idempotency:   store,
		Audit:         audit,
		Invariants:    invariant.NewReporterForEnv(log, false),
		Renderer:      render.NewPDFRenderer("Test"),
	})
	locks := lock.NewManager(lock.Params{DB: conn, Log: log, Clock: fake, BillingConfig: billing, Audit: audit})
	wallet := walletservice.NewService(walletservice.Params{DB: conn, Log: log, GenID: node, Clock: fake, Repo: walletrepo.Provide()})

	cfg := config.Config{
		AppName:       "settlement-test",
		Environment:   "test",
		CronSecret:    "cron-secret",
		WebhookSecret: "webhook-secret",
		Scheduler: config.SchedulerConfig{
			BatchSize:     100,
			TenantTimeout: 10 * time.Second,
			JobTimeout:    time.Minute,
			Concurrency:   4,
		},
	}

	return &Engine{
		DB:          conn,
		Node:        node,
		Clock:       fake,
		Log:         log,
		Billing:     billing,
		Config:      cfg,
		AuditRepo:   auditRepo,
		Audit:       audit,
		Accounts:    accounts,
		Invoices:    invoices,
		Locks:       locks,
		Wallet:      wallet,
		Idempotency: store,
		Gateway:     &FakeGateway{},
	}
}

// Onboard creates an account at the current clock with a wallet holding
// balance.
func (e *Engine) Onboard(t testing.TB, tenantID, balance string) *accountdomain.BillingAccount {
	t.Helper()
	walletID := "wal_" + tenantID
	dbtest.SeedWallet(t, e.DB, walletID, tenantID, "USD", balance)
	account, err := e.Accounts.Onboard(context.Background(), accountdomain.OnboardRequest{
		TenantID:          tenantID,
		TenantType:        accountdomain.TenantOrg,
		DisplayName:       tenantID,
		NotificationEmail: "billing@" + tenantID + ".test",
		WalletID:          walletID,
	})
	if err != nil {
		t.Fatalf("onboard %s: %v", tenantID, err)
	}
	return account
}

func (e *Engine) Account(t testing.TB, id snowflake.ID) *accountdomain.BillingAccount {
	t.Helper()
	account, err := e.Accounts.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	return account
}

func (e *Engine) Invoice(t testing.TB, id snowflake.ID) *invoicedomain.Invoice {
	t.Helper()
	invoice, err := e.Invoices.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("load invoice: %v", err)
	}
	return invoice
}

// InvoicesOf returns every invoice of an account, newest first.
func (e *Engine) InvoicesOf(t testing.TB, accountID snowflake.ID) []invoicedomain.Invoice {
	t.Helper()
	var invoices []invoicedomain.Invoice
	if err := e.DB.Where("billing_account_id = ?", accountID).Order("id DESC").Find(&invoices).Error; err != nil {
		t.Fatalf("list invoices: %v", err)
	}
	return invoices
}

func (e *Engine) AuditCount(t testing.TB, accountID snowflake.ID, eventType string) int64 {
	t.Helper()
	count, err := e.AuditRepo.Count(context.Background(), e.DB, accountID, eventType)
	if err != nil {
		t.Fatalf("count audit: %v", err)
	}
	return count
}

// FakeGateway records charges and answers with Result or Err.
type FakeGateway struct {
	mu      sync.Mutex
	Result  gateway.ChargeResult
	Err     error
	Charges []gateway.ChargeRequest
}

func (g *FakeGateway) Provider() string { return "fake" }

func (g *FakeGateway) ChargeMandate(_ context.Context, req gateway.ChargeRequest) (gateway.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Charges = append(g.Charges, req)
	return g.Result, g.Err
}

func (g *FakeGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Charges)
}
