package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Client talks to the internal custody service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

func NewClient(baseURL string, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log,
	}
}

func (c *Client) Fund(ctx context.Context, txID uuid.UUID, observedAmount decimal.Decimal) error {
	return c.post(ctx, fmt.Sprintf("/internal/escrow/%s/fund", txID), map[string]any{
		"observed_amount": observedAmount.String(),
	})
}

func (c *Client) Release(ctx context.Context, txID uuid.UUID, destination string) error {
	return c.post(ctx, fmt.Sprintf("/internal/escrow/%s/release", txID), map[string]any{
		"destination": destination,
	})
}

func (c *Client) Refund(ctx context.Context, txID uuid.UUID) error {
	return c.post(ctx, fmt.Sprintf("/internal/escrow/%s/refund", txID), nil)
}

func (c *Client) post(ctx context.Context, path string, payload map[string]any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			return ErrTimeout
		}
		return fmt.Errorf("custody service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("custody service returned %d: %s", resp.StatusCode, string(b))
	}
	return nil
}
