package service

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/settlement/internal/observability/tracing"
	"github.com/smallbiznis/settlement/internal/usage/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
}

type Reader struct {
	db   *gorm.DB
	log  *zap.Logger
	repo domain.Repository
}

func NewReader(p Params) domain.Reader {
	return &Reader{
		db:   p.DB,
		log:  p.Log.Named("usage.reader"),
		repo: p.Repo,
	}
}

func (r *Reader) QueryUsage(ctx context.Context, tenantID string, start, end time.Time) (totals []domain.Total, err error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	if !start.Before(end) {
		return nil, domain.ErrInvalidPeriod
	}

	ctx, span := tracing.StartSpan(ctx, "usage.query", attribute.String("tenant_id", tenantID))
	defer func() { tracing.EndSpan(span, err) }()

	totals, err = r.repo.SumByCategory(ctx, r.db, tenantID, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	r.log.Debug("queried usage",
		zap.String("tenant_id", tenantID),
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("categories", len(totals)),
	)
	return totals, nil
}
