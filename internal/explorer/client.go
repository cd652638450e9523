// Package explorer talks to Etherscan-style block explorer APIs.
//
// Every request goes to one unified endpoint with the chain selected by the
// chainid parameter. Failed envelopes overload status "0" for rate limits,
// bad keys, empty results and generic errors, so they are classified from
// their free-text message and result fields.
package explorer

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"github.com/wallet-dashboard/internal/circuitbreaker"
	"github.com/wallet-dashboard/internal/config"
	apperrors "github.com/wallet-dashboard/internal/errors"
	"github.com/wallet-dashboard/internal/logging"
	"github.com/wallet-dashboard/internal/metrics"
	"github.com/wallet-dashboard/internal/retry"
	"github.com/wallet-dashboard/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	providerName = "explorer"
	maxBodyBytes = 16 << 20
)

// Error describes a failed explorer call
type Error struct {
	Kind    ErrorKind
	ChainID types.ChainID
	Action  string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("explorer %s on chain %d (%s): %v", e.Action, e.ChainID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ClientConfig configures a Client
type ClientConfig struct {
	Explorers         config.ExplorerRegistry
	HTTPClient        *http.Client
	Timeout           time.Duration
	RequestsPerSecond float64 // shared across chains; <= 0 disables throttling
	Budget            Budget  // optional budget shared with other instances
	Retry             *retry.RetryConfig
	Breakers          *circuitbreaker.Manager
	Metrics           *metrics.Metrics
	Logger            *logging.Logger
}

// Budget grants permission for one outbound request, blocking until it may be sent
type Budget interface {
	Wait(ctx context.Context) error
}

// Client queries explorer APIs for token discovery and history
type Client struct {
	explorers  config.ExplorerRegistry
	httpClient *http.Client
	limiter    *rate.Limiter
	budget     Budget
	retryCfg   *retry.RetryConfig
	breakers   *circuitbreaker.Manager
	metrics    *metrics.Metrics
	logger     *logging.Logger
}

// NewClient creates a new explorer client
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	retryCfg := cfg.Retry
	if retryCfg == nil {
		retryCfg = retry.DefaultRetryConfig()
	}

	breakers := cfg.Breakers
	if breakers == nil {
		breakers = circuitbreaker.NewManager(nil)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	explorers := cfg.Explorers
	if explorers == nil {
		explorers = config.ExplorerRegistry{}
	}

	return &Client{
		explorers:  explorers,
		httpClient: httpClient,
		limiter:    limiter,
		budget:     cfg.Budget,
		retryCfg:   retryCfg,
		breakers:   breakers,
		metrics:    cfg.Metrics,
		logger:     logger.Named("explorer"),
	}
}

// Supports reports whether an enabled explorer exists for the chain
func (c *Client) Supports(chainID types.ChainID) bool {
	_, ok := c.explorers.Lookup(chainID)
	return ok
}

type envelope struct {
	Status  string              `json:"status"`
	Message string              `json:"message"`
	Result  jsoniter.RawMessage `json:"result"`
}

// resultText renders the result field for classification, unquoting the string form
func resultText(raw jsoniter.RawMessage) string {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// fetch performs one account-module request and returns the raw result records.
// A classified "no records" envelope yields (nil, nil).
func (c *Client) fetch(ctx context.Context, cfg config.ExplorerConfig, action string, params url.Values) ([]jsoniter.RawMessage, error) {
	started := time.Now()
	chain := cfg.ChainID.String()

	params.Set("chainid", chain)
	params.Set("module", "account")
	params.Set("action", action)
	if cfg.APIKey != "" {
		params.Set("apikey", cfg.APIKey)
	}
	endpoint := cfg.BaseURL + "?" + params.Encode()

	fail := func(kind ErrorKind, err error) error {
		c.metrics.ObserveExplorer(chain, action, kind.String(), started)
		return &Error{Kind: kind, ChainID: cfg.ChainID, Action: action, Err: err}
	}

	var body []byte
	breaker := c.breakers.GetOrCreate("explorer:" + chain)
	err := breaker.Execute(ctx, func() error {
		result := retry.WithExponentialBackoff(ctx, c.retryCfg, func(ctx context.Context, attempt int) error {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Permanent(err)
			}
			if c.budget != nil {
				if err := c.budget.Wait(ctx); err != nil {
					return retry.Permanent(err)
				}
			}
			b, err := c.doRequest(ctx, endpoint)
			if err != nil {
				if !retry.IsPermanent(err) && !apperrors.IsRetryable(err) {
					return retry.Permanent(err)
				}
				return err
			}
			body = b
			return nil
		})
		return result.LastError
	})
	if err != nil {
		kind := KindOther
		var catErr *apperrors.CategorizedError
		if stderrors.As(err, &catErr) {
			switch catErr.Code {
			case "PROVIDER_RATE_LIMIT":
				kind = KindRateLimited
			case "PROVIDER_TIMEOUT":
				kind = KindTimeout
			}
		}
		return nil, fail(kind, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fail(KindOther, apperrors.NewProviderError(providerName, fmt.Errorf("decode envelope: %w", err)))
	}

	if env.Status == "1" {
		var records []jsoniter.RawMessage
		if err := json.Unmarshal(env.Result, &records); err != nil {
			return nil, fail(KindOther, apperrors.NewProviderError(providerName, fmt.Errorf("result is not a list: %s", truncate(resultText(env.Result), 120))))
		}
		c.metrics.ObserveExplorer(chain, action, "ok", started)
		return records, nil
	}

	text := resultText(env.Result)
	kind := Classify(env.Message, text)
	switch kind {
	case KindNotFound:
		c.metrics.ObserveExplorer(chain, action, kind.String(), started)
		return nil, nil
	case KindRateLimited:
		return nil, fail(kind, apperrors.NewProviderRateLimitError(providerName).WithDetail("result", truncate(text, 120)))
	case KindInvalidCredential:
		return nil, fail(kind, apperrors.NewInvalidCredentialError(providerName).WithDetail("result", truncate(text, 120)))
	default:
		return nil, fail(kind, apperrors.NewProviderError(providerName, fmt.Errorf("%s: %s", env.Message, truncate(text, 120))))
	}
}

// doRequest performs one HTTP round-trip. Transport errors, timeouts and 429
// are retryable.
func (c *Client) doRequest(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, retry.Permanent(apperrors.NewInternalError("failed to create explorer request", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, retry.Permanent(ctx.Err())
		}
		var netErr net.Error
		if stderrors.As(err, &netErr) && netErr.Timeout() {
			return nil, apperrors.NewProviderTimeoutError(providerName, err)
		}
		return nil, apperrors.NewProviderError(providerName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, apperrors.NewProviderError(providerName, fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperrors.NewProviderRateLimitError(providerName)
	case resp.StatusCode != http.StatusOK:
		return nil, retry.Permanent(apperrors.NewProviderError(providerName, fmt.Errorf("HTTP %d", resp.StatusCode)))
	}
	return body, nil
}

// logFailure records a degraded call; callers then return an empty result
func (c *Client) logFailure(op string, chainID types.ChainID, address string, err error) {
	fields := map[string]interface{}{
		"op":      op,
		"chainId": int64(chainID),
		"address": address,
	}
	var exErr *Error
	if stderrors.As(err, &exErr) {
		fields["kind"] = exErr.Kind.String()
	}
	c.logger.WithFields(fields).WithError(err).Warn("Explorer request failed, returning empty result")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// IsBreakerFailure reports whether an explorer error should count against a
// circuit breaker. Cancellations are the caller's doing, not the upstream's;
// an upstream that runs past the HTTP timeout still counts.
func IsBreakerFailure(err error) bool {
	var catErr *apperrors.CategorizedError
	if stderrors.As(err, &catErr) && catErr.Code == "PROVIDER_TIMEOUT" {
		return true
	}
	return !stderrors.Is(err, context.Canceled) && !stderrors.Is(err, context.DeadlineExceeded)
}
