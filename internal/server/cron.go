package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/settlement/internal/runmode"
)

func runModeFromQuery(c *gin.Context) runmode.RunMode {
	return runmode.Parse(c.Query("dry_run"), c.Query("force_writes"))
}

func (s *Server) RunBillingCycle(c *gin.Context) {
	result, err := s.settlementSvc.ProcessBillingCycle(c.Request.Context(), runModeFromQuery(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) RunGraceEnforcement(c *gin.Context) {
	result, err := s.graceSvc.EnforceGracePeriods(c.Request.Context(), runModeFromQuery(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) RunGraceReminders(c *gin.Context) {
	result, err := s.graceSvc.SendGracePeriodReminders(c.Request.Context(), runModeFromQuery(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) RunPaymentRetry(c *gin.Context) {
	result, err := s.settlementSvc.RetryDuePayments(c.Request.Context(), runModeFromQuery(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

type idempotencyGCResult struct {
	Before time.Time `json:"before"`
	Purged int64     `json:"purged"`
	DryRun bool      `json:"dry_run"`
}

// RunIdempotencyGC deletes records older than the configured retention. A
// dry run only reports the cutoff.
func (s *Server) RunIdempotencyGC(c *gin.Context) {
	mode := runModeFromQuery(c)
	result := idempotencyGCResult{
		Before: s.clock.Now().UTC().Add(-s.billing.Get().IdempotencyRetention),
		DryRun: !mode.WritesEnabled(),
	}
	if mode.WritesEnabled() {
		purged, err := s.idempotency.Purge(c.Request.Context(), result.Before)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		result.Purged = purged
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}
