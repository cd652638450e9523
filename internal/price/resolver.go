// Package price resolves USD unit prices for token symbols.
package price

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/wallet-dashboard/internal/logging"
	"github.com/wallet-dashboard/internal/metrics"
	"github.com/wallet-dashboard/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultBaseURL is the public CoinGecko v3 API
const DefaultBaseURL = "https://api.coingecko.com/api/v3"

// Resolver fetches prices from a CoinGecko-compatible simple/price endpoint
type Resolver struct {
	client  *fasthttp.Client
	baseURL string
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewResolver creates a new price resolver
func NewResolver(baseURL string, timeout time.Duration, m *metrics.Metrics, logger *logging.Logger) *Resolver {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Resolver{
		client:  &fasthttp.Client{Name: "wallet-dashboard"},
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		metrics: m,
		logger:  logger.Named("price").Zap(),
	}
}

// GetPrices returns USD prices keyed by upper-case symbol. Unknown symbols,
// zero prices and every failure mode simply leave keys out; a missing key
// means the price is unknown.
func (r *Resolver) GetPrices(ctx context.Context, symbols []string, chainID types.ChainID) map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal)

	symbolToID := make(map[string]string)
	idSet := make(map[string]struct{})
	for _, symbol := range symbols {
		id, ok := PriceID(symbol, chainID)
		if !ok {
			continue
		}
		symbolToID[strings.ToUpper(strings.TrimSpace(symbol))] = id
		idSet[id] = struct{}{}
	}
	if len(idSet) == 0 {
		return prices
	}

	ids := make([]string, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	quotes, err := r.fetch(ctx, ids)
	if err != nil {
		r.metrics.IncPrice("error")
		r.logger.Warn("Price lookup failed, returning no prices",
			zap.Strings("ids", ids),
			zap.Error(err))
		return prices
	}
	r.metrics.IncPrice("ok")

	for symbol, id := range symbolToID {
		quote, ok := quotes[id]
		if !ok {
			continue
		}
		usd, ok := quote["usd"]
		if !ok || !usd.IsPositive() {
			continue
		}
		prices[symbol] = usd
	}
	return prices
}

func (r *Resolver) fetch(ctx context.Context, ids []string) (map[string]map[string]decimal.Decimal, error) {
	query := url.Values{}
	query.Set("ids", strings.Join(ids, ","))
	query.Set("vs_currencies", "usd")
	requestURL := r.baseURL + "/simple/price?" + query.Encode()

	r.logger.Debug("Requesting prices", zap.String("url", requestURL))

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.SetRequestURI(requestURL)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")

	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := r.client.DoDeadline(req, resp, deadline); err != nil {
			return nil, fmt.Errorf("request %s: %w", r.baseURL, err)
		}
	} else if err := r.client.DoTimeout(req, resp, r.timeout); err != nil {
		return nil, fmt.Errorf("request %s with default timeout: %w", r.baseURL, err)
	}

	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("price API returned status %d", resp.StatusCode())
	}

	var quotes map[string]map[string]decimal.Decimal
	if err := json.Unmarshal(resp.Body(), &quotes); err != nil {
		return nil, fmt.Errorf("decode price response: %w", err)
	}
	return quotes, nil
}
