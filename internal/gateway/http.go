package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/observability/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// HTTPGateway talks to a gateway exposing POST {base}/v1/charges.
type HTTPGateway struct {
	provider string
	baseURL  string
	apiKey   string
	client   *http.Client
	log      *zap.Logger
}

func NewHTTPGateway(cfg config.GatewayConfig, log *zap.Logger) *HTTPGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPGateway{
		provider: cfg.Provider,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
		log:      log.Named("gateway.http"),
	}
}

func (g *HTTPGateway) Provider() string { return g.provider }

type chargeBody struct {
	PaymentMethod string            `json:"payment_method"`
	Amount        string            `json:"amount"`
	Currency      string            `json:"currency"`
	Description   string            `json:"description,omitempty"`
	Metadata      map[string]string `json:"metadata"`
}

type chargeResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
}

func (g *HTTPGateway) ChargeMandate(ctx context.Context, req ChargeRequest) (result ChargeResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "gateway.charge", attribute.String("gateway.provider", g.provider))
	defer func() { tracing.EndSpan(span, err) }()

	if err := validate(req); err != nil {
		return ChargeResult{}, err
	}
	payload, err := json.Marshal(chargeBody{
		PaymentMethod: req.PaymentMethodRef,
		Amount:        req.Amount.StringFixed(2),
		Currency:      strings.ToUpper(req.Currency),
		Description:   req.Description,
		Metadata: map[string]string{
			"tenant_id":  req.TenantID,
			"invoice_id": req.InvoiceID,
		},
	})
	if err != nil {
		return ChargeResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/charges", bytes.NewReader(payload))
	if err != nil {
		return ChargeResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return ChargeResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ChargeResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return ChargeResult{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var decoded chargeResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return ChargeResult{}, fmt.Errorf("%w: malformed response", ErrUnavailable)
	}

	result = ChargeResult{PaymentID: decoded.ID, DeclineReason: decoded.FailureReason}
	switch strings.ToLower(strings.TrimSpace(decoded.Status)) {
	case "succeeded", "captured", "paid":
		result.Status = StatusCaptured
	case "pending", "processing", "requires_capture":
		result.Status = StatusPending
	default:
		result.Status = StatusDeclined
		if result.DeclineReason == "" {
			result.DeclineReason = fmt.Sprintf("status %d", resp.StatusCode)
		}
	}

	g.log.Info("gateway charge",
		zap.String("tenant_id", req.TenantID),
		zap.String("invoice_id", req.InvoiceID),
		zap.String("payment_id", result.PaymentID),
		zap.String("status", result.Status),
	)
	return result, nil
}
