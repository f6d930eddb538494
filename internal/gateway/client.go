package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tutorhub/payments/internal/retry"
)

// HTTPClient is a provider-agnostic payment gateway client. It speaks plain
// JSON over HTTP against a configured base URL with bearer authentication.
// Requests are bounded by the client timeout and retried with backoff; 4xx
// responses are permanent.
type HTTPClient struct {
	baseURL     string
	secretKey   string
	http        *http.Client
	maxAttempts int
	retryDelay  time.Duration
}

// NewHTTPClient creates a gateway client. timeout bounds each attempt.
func NewHTTPClient(baseURL, secretKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:     baseURL,
		secretKey:   secretKey,
		http:        &http.Client{Timeout: timeout},
		maxAttempts: 3,
		retryDelay:  500 * time.Millisecond,
	}
}

func (c *HTTPClient) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	var inv Invoice
	err := c.do(ctx, http.MethodPost, "/invoices", req, &inv)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (c *HTTPClient) GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	var inv Invoice
	err := c.do(ctx, http.MethodGet, "/invoices/"+url.PathEscape(invoiceID), nil, &inv)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	return retry.Do(ctx, c.maxAttempts, c.retryDelay, func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.secretKey)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return classifyTransportErr(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return retry.Permanent(fmt.Errorf("decode gateway response: %w", err))
			}
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return retry.Permanent(fmt.Errorf("gateway rejected %s %s: status %d: %s",
				method, path, resp.StatusCode, bytes.TrimSpace(msg)))
		default:
			return fmt.Errorf("%w: status %d from %s %s", ErrGatewayUnavailable, resp.StatusCode, method, path)
		}
	})
}

// classifyTransportErr maps transport failures to sentinels. A timeout is
// retryable and must never be treated as success.
func classifyTransportErr(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrGatewayTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrGatewayTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
}
