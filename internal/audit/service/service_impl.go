package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	"github.com/smallbiznis/settlement/internal/audit/masking"
	"github.com/smallbiznis/settlement/internal/clock"
	obscontext "github.com/smallbiznis/settlement/internal/observability/context"
	"github.com/smallbiznis/settlement/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  auditdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Append(ctx context.Context, entry auditdomain.Entry) error {
	return s.AppendTx(ctx, s.db, entry)
}

func (s *Service) AppendTx(ctx context.Context, tx *gorm.DB, entry auditdomain.Entry) error {
	eventType := strings.TrimSpace(entry.EventType)
	if eventType == "" {
		return auditdomain.ErrInvalidEventType
	}
	if tx == nil {
		tx = s.db
	}

	payload := masking.MaskMetadata(entry.Metadata)
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		payload["request_id"] = requestID
	}

	actorType, actorID := obscontext.ActorFromContext(ctx)
	row := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		TenantID:   strings.TrimSpace(entry.TenantID),
		EventType:  eventType,
		ActorType:  actorType,
		ActorID:    actorID,
		TargetType: strings.TrimSpace(entry.TargetType),
		TargetID:   strings.TrimSpace(entry.TargetID),
		Metadata:   datatypes.JSONMap(payload),
		CreatedAt:  s.clock.Now().UTC(),
	}
	if entry.BillingAccountID != 0 {
		accountID := entry.BillingAccountID
		row.BillingAccountID = &accountID
	}

	if err := s.repo.Insert(ctx, tx, &row); err != nil {
		s.log.Warn("failed to write audit log", zap.String("event_type", eventType), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	if req.BillingAccountID == 0 {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidAccount
	}

	decoded, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}
	var cursor *auditdomain.Cursor
	if decoded != nil {
		cursor = &auditdomain.Cursor{ID: snowflake.ID(decoded.ID), CreatedAt: decoded.CreatedAt}
	}

	limit := req.Limit()
	items, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		BillingAccountID: req.BillingAccountID,
		EventType:        req.EventType,
		Cursor:           cursor,
		Limit:            limit,
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	page, info := pagination.BuildCursorPage(items, limit, func(item *auditdomain.AuditLog) pagination.Cursor {
		return pagination.Cursor{ID: item.ID.Int64(), CreatedAt: item.CreatedAt}
	})

	logs := make([]auditdomain.AuditLog, 0, len(page))
	for _, item := range page {
		logs = append(logs, *item)
	}
	return auditdomain.ListAuditLogResponse{PageInfo: info, AuditLogs: logs}, nil
}
