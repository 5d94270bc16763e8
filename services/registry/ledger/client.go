package ledger

import (
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

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

const (
	defaultRequestsPerSecond = 10
	defaultBurst             = 5
	defaultMaxRetries        = 3
	defaultRetryBase         = 500 * time.Millisecond
	maxErrorBody             = 4 << 10
)

// Client talks to one provider project. It is safe for concurrent use; all
// requests share one token bucket.
type Client struct {
	baseURL    string
	projectID  string
	http       *http.Client
	limiter    *rate.Limiter
	maxRetries uint64
	retryBase  time.Duration
}

// ClientConfig configures one ledger provider client.
type ClientConfig struct {
	BaseURL           string
	ProjectID         string
	HTTPClient        *http.Client
	RequestsPerSecond float64
	Burst             int
	MaxRetries        uint64
	RetryBase         time.Duration
}

// NewClient returns a rate limited, retrying client for cfg.BaseURL.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	if cfg.ProjectID == "" {
		return nil, errors.New("project id is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		projectID:  cfg.ProjectID,
		http:       cfg.HTTPClient,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
	}, nil
}

// ScriptRedeemers lists invocations of a script in ascending order. A script
// that was never invoked yields an empty page.
func (c *Client) ScriptRedeemers(ctx context.Context, scriptHash string, page, count int) ([]Redeemer, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("count", strconv.Itoa(count))
	q.Set("order", "asc")

	var out []Redeemer
	err := c.get(ctx, "/scripts/"+url.PathEscape(scriptHash)+"/redeemers", q, &out)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return out, err
}

func (c *Client) TransactionUTXOs(ctx context.Context, txHash string) (TxUTXOs, error) {
	var out TxUTXOs
	err := c.get(ctx, "/txs/"+url.PathEscape(txHash)+"/utxos", nil, &out)
	return out, err
}

func (c *Client) Asset(ctx context.Context, unit string) (Asset, error) {
	var out Asset
	err := c.get(ctx, "/assets/"+url.PathEscape(unit), nil, &out)
	return out, err
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("ledger: unexpected status %d", e.status)
	}
	return fmt.Sprintf("ledger: unexpected status %d: %s", e.status, e.body)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, dest any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("project_id", c.projectID)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
				return fmt.Errorf("decode %s: %w", path, err)
			}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
			return ErrNotFound
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
			return ErrUnauthorized
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		serr := &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(body))}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return retry.RetryableError(serr)
		}
		return serr
	})
}
