package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

// HandleGatewayWebhook answers 200 once the delivery is authenticated and
// parsed, including deliveries whose handler failed. Only unauthenticated
// or malformed requests are rejected.
func (s *Server) HandleGatewayWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			AbortWithError(c, newValidationError("body", "body_too_large", "request body too large"))
			return
		}
		AbortWithError(c, invalidRequestError())
		return
	}

	outcome, err := s.webhookSvc.HandleWebhook(c.Request.Context(), body, c.GetHeader(HeaderSignature))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": outcome})
}
