package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/settlement/internal/account/domain"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	"github.com/smallbiznis/settlement/pkg/db/pagination"
)

type onboardAccountRequest struct {
	TenantID          string `json:"tenant_id"`
	TenantType        string `json:"tenant_type"`
	DisplayName       string `json:"display_name"`
	NotificationEmail string `json:"notification_email"`
	WalletID          string `json:"wallet_id"`
	Currency          string `json:"currency"`
}

// OnboardAccount creates the tenant's billing account, or returns the
// existing one.
func (s *Server) OnboardAccount(c *gin.Context) {
	var req onboardAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	tenantType := accountdomain.TenantType(strings.ToUpper(strings.TrimSpace(req.TenantType)))
	if tenantType == "" {
		tenantType = accountdomain.TenantOrg
	}

	account, err := s.accountSvc.Onboard(c.Request.Context(), accountdomain.OnboardRequest{
		TenantID:          req.TenantID,
		TenantType:        tenantType,
		DisplayName:       req.DisplayName,
		NotificationEmail: req.NotificationEmail,
		WalletID:          req.WalletID,
		Currency:          req.Currency,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": account})
}

func (s *Server) GetAccount(c *gin.Context) {
	account, err := s.accountSvc.GetByTenant(c.Request.Context(), strings.TrimSpace(c.Param("tenant_id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": account})
}

type listAuditLogsQuery struct {
	pagination.Pagination
	EventType string `form:"event_type"`
}

func (s *Server) ListAccountAuditLogs(c *gin.Context) {
	var query listAuditLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	account, err := s.accountSvc.GetByTenant(c.Request.Context(), strings.TrimSpace(c.Param("tenant_id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.auditSvc.List(c.Request.Context(), auditdomain.ListAuditLogRequest{
		Pagination:       query.Pagination,
		BillingAccountID: account.ID,
		EventType:        strings.TrimSpace(query.EventType),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.AuditLogs,
		"page_info": resp.PageInfo,
	})
}
