// Package remote implements the record store over the clinic HTTP API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jwalitptl/clinic-liquidation/internal/model"
	"github.com/jwalitptl/clinic-liquidation/internal/repository"
	"github.com/jwalitptl/clinic-liquidation/pkg/circuitbreaker"
	"github.com/jwalitptl/clinic-liquidation/pkg/logger"
	"github.com/jwalitptl/clinic-liquidation/pkg/metrics"
)

type Config struct {
	BaseURL          string
	Timeout          time.Duration
	FailureThreshold int
	BreakerTimeout   time.Duration
}

// StatusError is an upstream response outside the 2xx range.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: upstream returned %d: %s", e.Operation, e.StatusCode, e.Body)
}

type Client struct {
	baseURL string
	http    *http.Client
	cb      *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *logger.Logger
}

var _ repository.RecordStore = (*Client)(nil)

func New(cfg Config, m *metrics.Metrics, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	breakerTimeout := cfg.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		cb: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:             "record-store",
			MaxRequests:      1,
			Interval:         time.Minute,
			Timeout:          breakerTimeout,
			FailureThreshold: cfg.FailureThreshold,
			IsSuccessful:     isClientError,
		}),
		metrics: m,
		logger:  log,
	}
}

// isClientError keeps 4xx responses from tripping the breaker: the
// upstream answered, the request was wrong.
func isClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode < http.StatusInternalServerError
}

func (c *Client) ListDoctors(ctx context.Context, creds model.Credentials, siteID string) ([]string, error) {
	var out []string
	err := c.do(ctx, "list_doctors", creds, http.MethodGet, "/api/doctors", url.Values{"id_sede": {siteID}}, nil, &out)
	return out, err
}

func (c *Client) ListAssistants(ctx context.Context, creds model.Credentials, siteID string) ([]string, error) {
	var out []string
	err := c.do(ctx, "list_assistants", creds, http.MethodGet, "/api/assistants", url.Values{"id_sede": {siteID}}, nil, &out)
	return out, err
}

func (c *Client) ListServices(ctx context.Context, creds model.Credentials) ([]model.ServiceItem, error) {
	var out []model.ServiceItem
	err := c.do(ctx, "list_services", creds, http.MethodGet, "/api/services", nil, nil, &out)
	return out, err
}

func (c *Client) ListPaymentMethods(ctx context.Context, creds model.Credentials) ([]string, error) {
	var out []string
	err := c.do(ctx, "list_payment_methods", creds, http.MethodGet, "/api/payment-methods", nil, nil, &out)
	return out, err
}

// GetPercentage accepts either a bare number or a {"porcentaje": n} object.
func (c *Client) GetPercentage(ctx context.Context, creds model.Credentials, ruleID int) (decimal.Decimal, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "get_percentage", creds, http.MethodGet, "/api/percentages/"+strconv.Itoa(ruleID), nil, nil, &raw); err != nil {
		return decimal.Zero, err
	}
	return decodePercentage(raw)
}

func decodePercentage(raw json.RawMessage) (decimal.Decimal, error) {
	var rate decimal.Decimal
	if err := json.Unmarshal(raw, &rate); err == nil {
		return rate, nil
	}
	var wrapped struct {
		Percentage *decimal.Decimal `json:"porcentaje"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return decimal.Zero, fmt.Errorf("decode percentage: %w", err)
	}
	if wrapped.Percentage == nil {
		return decimal.Zero, fmt.Errorf("decode percentage: missing porcentaje field")
	}
	return *wrapped.Percentage, nil
}

func (c *Client) ListRecords(ctx context.Context, creds model.Credentials, siteID string) ([]model.Record, error) {
	var out []model.Record
	err := c.do(ctx, "list_records", creds, http.MethodGet, "/api/records", url.Values{"id_sede": {siteID}}, nil, &out)
	return out, err
}

func (c *Client) CreateSettlement(ctx context.Context, creds model.Credentials, s *model.Settlement) error {
	return c.do(ctx, "create_settlement", creds, http.MethodPost, "/api/liquidations", nil, s, nil)
}

type deleteRecordsRequest struct {
	IDs    []string `json:"ids"`
	SiteID string   `json:"id_sede"`
}

func (c *Client) DeleteRecords(ctx context.Context, creds model.Credentials, siteID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.do(ctx, "delete_records", creds, http.MethodDelete, "/api/records", nil, deleteRecordsRequest{IDs: ids, SiteID: siteID}, nil)
}

func (c *Client) ListSettlements(ctx context.Context, creds model.Credentials, practitioner string) ([]model.Settlement, error) {
	var query url.Values
	if practitioner != "" {
		query = url.Values{"doctor": {practitioner}}
	}
	var out []model.Settlement
	err := c.do(ctx, "list_settlements", creds, http.MethodGet, "/api/liquidations", query, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, op string, creds model.Credentials, method, path string, query url.Values, body, out interface{}) error {
	start := time.Now()
	err := c.cb.Execute(func() error {
		return c.roundTrip(ctx, op, creds, method, path, query, body, out)
	})

	status := "success"
	if err != nil {
		status = "error"
		c.logger.Debug("record store call failed", "operation", op, "error", err.Error())
	}
	if c.metrics != nil {
		c.metrics.UpstreamRequests.WithLabelValues(op, status).Inc()
		c.metrics.UpstreamLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %v", repository.ErrNotFound, err)
		case rejected(se.StatusCode):
			return fmt.Errorf("%w: %w", repository.ErrRejected, err)
		}
	}
	return err
}

// rejected reports 4xx statuses that a retry cannot fix.
func rejected(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= http.StatusBadRequest && code < http.StatusInternalServerError
}

func (c *Client) roundTrip(ctx context.Context, op string, creds model.Credentials, method, path string, query url.Values, body, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth := creds.Authorization(); auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Operation: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
