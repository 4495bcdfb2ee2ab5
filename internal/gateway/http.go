package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"refundledger/backend/internal/domain"
)

var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

type HTTPGateway struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func NewHTTPGateway(baseURL string, apiKey string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGateway) Refund(ctx context.Context, req Request) (Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}
	hc := g.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/v1/refunds", bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.APIKey)
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := hc.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusUnprocessableEntity:
		var out Result
		_ = json.Unmarshal(body, &out)
		out.Status = domain.RefundStatusFailed
		if out.Message == "" {
			out.Message = strings.TrimSpace(string(body))
		}
		return out, nil
	case resp.StatusCode >= 400:
		return Result{}, fmt.Errorf("%w: status %d: %s", ErrGatewayUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out Result
	if err := json.Unmarshal(body, &out); err != nil {
		return Result{}, fmt.Errorf("decode gateway response: %w", err)
	}
	if out.RefundID == "" || !out.Status.Valid() {
		return Result{}, fmt.Errorf("gateway response missing id or status: %s", strings.TrimSpace(string(body)))
	}
	return out, nil
}
