// Package fetch talks to the board's REST boundary: cursor-paginated reads
// and single mutations, with the session's bearer credential attached.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"prism-live/domain"
)

const (
	DefaultTimeout     = 15 * time.Second
	DefaultReadRetries = 1
	maxResponseBytes   = 4 << 20
)

// Credentials is the session as seen by the client.
type Credentials interface {
	// Credential returns the bearer token, if the session holds one.
	Credential() (string, bool)
	// Expire drops the credential after the server rejected it.
	Expire()
}

type Config struct {
	BaseURL     string
	Timeout     time.Duration
	ReadRetries int
	HTTPClient  *http.Client
}

// Options describe a single request.
type Options struct {
	Method string
	Query  url.Values
	Body   any
	// Public requests are sent without the bearer credential.
	Public bool
}

type Client struct {
	baseURL     string
	http        *http.Client
	creds       Credentials
	logger      *log.Logger
	timeout     time.Duration
	readRetries int
}

func New(cfg Config, creds Credentials, logger *log.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ReadRetries < 0 {
		cfg.ReadRetries = 0
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		http:        cfg.HTTPClient,
		creds:       creds,
		logger:      logger,
		timeout:     cfg.Timeout,
		readRetries: cfg.ReadRetries,
	}
}

// Request sends one request and decodes a 2xx body into out. Idempotent
// reads are retried on network failures and 5xx; everything else gets a
// single attempt. A 401 expires the session and is never retried.
func (c *Client) Request(ctx context.Context, endpoint string, opts Options, out any) error {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	var body []byte
	if opts.Body != nil {
		encoded, err := sonic.Marshal(opts.Body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, endpoint, err)
		}
		body = encoded
	}

	metrics, ctx := newRequestMetrics(ctx, c.logger, method, endpoint)
	attempts := 1
	if method == http.MethodGet || method == http.MethodHead {
		attempts += c.readRetries
	}

	var (
		status int
		err    error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		metrics.SetAttempts(attempt)
		status, err = c.do(ctx, method, endpoint, opts, body, out)
		if err == nil || ctx.Err() != nil {
			break
		}
		fe, ok := err.(*Error)
		if !ok || !fe.Retryable() {
			break
		}
	}
	metrics.Log(status, err)
	return err
}

func (c *Client) do(ctx context.Context, method, endpoint string, opts Options, body []byte, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.baseURL + endpoint
	if len(opts.Query) > 0 {
		target += "?" + opts.Query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, fmt.Errorf("build %s %s: %w", method, endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !opts.Public && c.creds != nil {
		if token, ok := c.creds.Credential(); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &Error{Kind: KindNetwork, Message: networkMessage, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, &Error{Kind: KindNetwork, Status: resp.StatusCode, Message: networkMessage, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fe := newStatusError(resp.StatusCode, raw)
		if fe.Kind == KindAuthExpired && c.creds != nil {
			c.creds.Expire()
		}
		return resp.StatusCode, fe
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := sonic.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, endpoint, err)
		}
	}
	return resp.StatusCode, nil
}

// ListPage reads one page of a list endpoint. An empty cursor requests the
// first page.
func ListPage[T any](ctx context.Context, c *Client, endpoint string, filters url.Values, cursor string, limit int) (domain.ListResponse[T], error) {
	query := url.Values{}
	for key, values := range filters {
		for _, v := range values {
			query.Add(key, v)
		}
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		query.Set("cursor", cursor)
	}

	var resp domain.ListResponse[T]
	if err := c.Request(ctx, endpoint, Options{Method: http.MethodGet, Query: query}, &resp); err != nil {
		return domain.ListResponse[T]{}, err
	}
	if !resp.Success {
		return domain.ListResponse[T]{}, &Error{Kind: KindValidation, Status: http.StatusOK, Message: failureMessage(resp.Message)}
	}
	return resp, nil
}

// Mutate sends a create, update or delete. The returned item is nil when
// the server answered without one.
func Mutate[T any](ctx context.Context, c *Client, method, endpoint string, body any) (*T, error) {
	var resp domain.ItemResponse[T]
	if err := c.Request(ctx, endpoint, Options{Method: method, Body: body}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &Error{Kind: KindValidation, Status: http.StatusOK, Message: failureMessage(resp.Message)}
	}
	return resp.Item, nil
}

func failureMessage(msg string) string {
	if msg == "" {
		return "request failed"
	}
	return msg
}
