package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultRequestTimeout = 30 * time.Second
	maxBodySize           = 8 << 20

	msgMissingFinancials = "could not connect to the account: check login, password and server; " +
		"use the trading password rather than the investor one and close local terminals before retrying"
	msgDisconnected = "account is disconnected at the provider"
)

// Config holds provider client configuration.
type Config struct {
	BaseURL        string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	// RateLimit is the sustained request rate in requests per second. Zero disables limiting.
	RateLimit float64
	Burst     int
}

// Client performs get_data requests against the provider.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new provider client.
func NewClient(config Config) *Client {
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = defaultConnectTimeout
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaultRequestTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RateLimit > 0 {
		burst := config.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	dialer := &net.Dialer{Timeout: config.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: config.ConnectTimeout,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.RequestTimeout, Transport: transport},
		limiter:    limiter,
	}
}

// RequestTimeout returns the effective per-request timeout.
func (c *Client) RequestTimeout() time.Duration {
	return c.config.RequestTimeout
}

// Fetch requests one account snapshot. It never returns an error: every
// outcome is folded into the Result.
func (c *Client) Fetch(ctx context.Context, creds Credentials, batchID string) Result {
	start := time.Now()
	result := c.fetch(ctx, creds, batchID)
	recordRequest(result, time.Since(start))
	return result
}

func (c *Client) fetch(ctx context.Context, creds Credentials, batchID string) Result {
	if err := c.limiter.Wait(ctx); err != nil {
		return failed(creds.AccountID, FailureTransport, describeTransportError(err))
	}

	req, err := c.newRequest(ctx, creds, batchID)
	if err != nil {
		return failed(creds.AccountID, FailureInternal, fmt.Sprintf("build request: %v", err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Debug("provider request failed", "account_id", creds.AccountID, "error", err)
		return failed(creds.AccountID, FailureTransport, describeTransportError(err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return failed(creds.AccountID, FailureTransport, describeTransportError(err))
	}

	return c.handleResponse(creds.AccountID, resp.StatusCode, body)
}

func (c *Client) newRequest(ctx context.Context, creds Credentials, batchID string) (*http.Request, error) {
	u, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	q := u.Query()
	q.Set("action", "get_data")
	q.Set("account_number", creds.Login)
	q.Set("password", creds.Password)
	q.Set("server", creds.Server)
	q.Set("terminal", creds.Terminal)
	q.Set("last_history_time", strconv.FormatInt(creds.LastHistoryTime, 10))
	if batchID != "" {
		q.Set("queue_batch_id", batchID)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) handleResponse(accountID int64, status int, body []byte) Result {
	switch {
	case status >= 500:
		r := failed(accountID, FailureHTTP,
			fmt.Sprintf("provider temporarily unavailable (HTTP %d), try again in 5-10 minutes", status))
		r.HTTPStatus = status
		return r

	case status >= 400:
		r := failed(accountID, FailureHTTP,
			fmt.Sprintf("provider rejected the request (HTTP %d), check the account credentials", status))
		r.HTTPStatus = status
		return r

	case status < 200 || status >= 300:
		r := failed(accountID, FailureHTTP, fmt.Sprintf("unexpected provider response (HTTP %d)", status))
		r.HTTPStatus = status
		return r
	}

	if len(strings.TrimSpace(string(body))) == 0 {
		r := failed(accountID, FailureEmpty, fmt.Sprintf("provider returned an empty response (HTTP %d)", status))
		r.HTTPStatus = status
		return r
	}

	var payload response
	if err := json.Unmarshal(body, &payload); err != nil {
		r := failed(accountID, FailureMalformed, fmt.Sprintf("malformed provider response: %v", err))
		r.HTTPStatus = status
		return r
	}

	result := interpret(accountID, &payload)
	result.HTTPStatus = status
	return result
}

// interpret turns a well-formed payload into a Result.
func interpret(accountID int64, payload *response) Result {
	if payload.Error != "" {
		return disconnected(accountID, string(payload.Error), "provider error: "+string(payload.Error))
	}

	if payload.Acc == nil {
		return failed(accountID, FailureMalformed, "provider response has no account data")
	}

	if strings.EqualFold(string(payload.Acc.ConnectionStatus), StatusDisconnected) {
		msg := string(payload.Acc.ErrorDescription)
		if msg == "" {
			msg = msgDisconnected
		}
		return disconnected(accountID, msg, msg)
	}

	if missing := payload.Acc.missingFinancials(); len(missing) > 0 {
		slog.Debug("provider response missing financial fields", "account_id", accountID, "fields", missing)
		return disconnected(accountID, msgMissingFinancials, msgMissingFinancials)
	}

	return Result{
		AccountID: accountID,
		Success:   true,
		Message:   "account data updated",
		Snapshot:  payload.snapshot(),
	}
}

func disconnected(accountID int64, description, message string) Result {
	return Result{
		AccountID: accountID,
		Kind:      FailureBusiness,
		Message:   message,
		Snapshot: &Snapshot{
			ConnectionStatus: StatusDisconnected,
			ErrorDescription: description,
		},
	}
}

// describeTransportError maps a transport error to a user-facing message.
func describeTransportError(err error) string {
	var dnsErr *net.DNSError
	var netErr net.Error

	switch {
	case errors.Is(err, context.Canceled):
		return "request cancelled before the provider answered"
	case errors.As(err, &dnsErr):
		return fmt.Sprintf("could not resolve provider host %s", dnsErr.Name)
	case errors.Is(err, syscall.ECONNREFUSED):
		return "provider refused the connection, the service may be down"
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return "provider did not respond in time (timeout)"
	default:
		return fmt.Sprintf("connection error: %v", err)
	}
}
