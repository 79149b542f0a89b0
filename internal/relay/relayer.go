package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Relayer hands a request to the cross-domain transport.
type Relayer interface {
	Submit(ctx context.Context, req Request) error
}

// LogRelayer only logs submissions. It is used when no relay endpoint is
// configured.
type LogRelayer struct {
	Logger *slog.Logger
}

// Submit implements Relayer.
func (l LogRelayer) Submit(_ context.Context, req Request) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("bridge request ready for relay",
		slog.String("tx_hash", req.TxHash),
		slog.String("source_chain", req.SourceChain),
		slog.String("target_chain", req.TargetChain),
		slog.String("amount", req.Amount.Dec()),
	)
	return nil
}

// HTTPRelayer posts requests as JSON to a relay endpoint.
type HTTPRelayer struct {
	url    string
	client *http.Client
}

// NewHTTPRelayer builds an HTTPRelayer.
func NewHTTPRelayer(url string, client *http.Client) *HTTPRelayer {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPRelayer{url: url, client: client}
}

// Submit implements Relayer.
func (h *HTTPRelayer) Submit(ctx context.Context, req Request) error {
	body, err := json.Marshal(map[string]string{
		"txHash":      req.TxHash,
		"sourceChain": req.SourceChain,
		"targetChain": req.TargetChain,
		"token":       req.Token,
		"amount":      req.Amount.Dec(),
	})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.TxHash)
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("relay: submit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("relay: submit returned %d", resp.StatusCode)
	}
	return nil
}
