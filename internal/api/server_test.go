package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallet-dashboard/internal/circuitbreaker"
	"github.com/wallet-dashboard/internal/logging"
	"github.com/wallet-dashboard/internal/metrics"
	"github.com/wallet-dashboard/internal/portfolio"
	"github.com/wallet-dashboard/internal/types"
)

const walletAddr = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"

// Mock services for testing
type mockPortfolioService struct {
	getFunc     func(ctx context.Context, w portfolio.Wallet) (*portfolio.Snapshot, error)
	refreshFunc func(ctx context.Context, w portfolio.Wallet) (*portfolio.Snapshot, error)
}

func ethSnapshot(w portfolio.Wallet) *portfolio.Snapshot {
	d := uint8(18)
	tok := types.Token{Symbol: "ETH", Name: "Ethereum", Balance: decimal.NewFromInt(1), Decimals: &d, IsNative: true}.
		WithPrice(decimal.NewFromInt(2500))
	return &portfolio.Snapshot{
		Wallet:     w,
		Tokens:     []types.Token{tok},
		TotalValue: tok.Value,
		UpdatedAt:  time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (m *mockPortfolioService) GetPortfolio(ctx context.Context, w portfolio.Wallet) (*portfolio.Snapshot, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, w)
	}
	return ethSnapshot(w), nil
}

func (m *mockPortfolioService) Refresh(ctx context.Context, w portfolio.Wallet) (*portfolio.Snapshot, error) {
	if m.refreshFunc != nil {
		return m.refreshFunc(ctx, w)
	}
	return ethSnapshot(w), nil
}

type mockHistoryService struct {
	supported map[types.ChainID]bool
	lastLimit int
}

func (m *mockHistoryService) Supports(chainID types.ChainID) bool {
	return m.supported[chainID]
}

func (m *mockHistoryService) ListTransactions(_ context.Context, _ string, _ types.ChainID, limit int) []types.Transaction {
	m.lastLimit = limit
	return []types.Transaction{{Hash: "0xabc", BlockNumber: "100", Value: "1"}}
}

func (m *mockHistoryService) ListTokenTransfers(_ context.Context, _ string, _ types.ChainID, limit int) []types.TokenTransfer {
	m.lastLimit = limit
	return []types.TokenTransfer{}
}

func (m *mockHistoryService) RecentActivity(_ context.Context, _ string, chainID types.ChainID, limit int) []types.Activity {
	m.lastLimit = limit
	return []types.Activity{
		{Kind: types.ActivityTokenTransfer, Hash: "0xr2", TimeStamp: "200", TokenSymbol: "USDC", ExplorerURL: "https://etherscan.io/tx/0xr2"},
		{Kind: types.ActivityTransaction, Hash: "0xt1", TimeStamp: "100", Failed: true, ExplorerURL: "https://etherscan.io/tx/0xt1"},
	}
}

type staticChains []types.ChainID

func (c staticChains) ChainIDs() []types.ChainID { return c }

type staticBreakers []circuitbreaker.Stats

func (b staticBreakers) AllStats() []circuitbreaker.Stats { return b }

type testDeps struct {
	portfolio *mockPortfolioService
	history   *mockHistoryService
	rps       int
	trusted   []netip.Prefix
}

func createTestServer(t *testing.T, deps testDeps) *Server {
	t.Helper()
	if deps.portfolio == nil {
		deps.portfolio = &mockPortfolioService{}
	}
	if deps.history == nil {
		deps.history = &mockHistoryService{supported: map[types.ChainID]bool{types.ChainEthereum: true}}
	}
	if deps.rps == 0 {
		deps.rps = 1000
	}

	config := &ServerConfig{
		Host:              "localhost",
		Port:              "8080",
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		RequestsPerSecond: deps.rps,
		Burst:             deps.rps,
		TrustedProxies:    deps.trusted,
	}
	breakers := staticBreakers{{Name: "explorer:1", State: circuitbreaker.StateClosed}}

	return NewServer(config, deps.portfolio, deps.history,
		staticChains{types.ChainEthereum, types.ChainPolygon}, breakers,
		metrics.NewMetrics("api_test"), logging.NewNopLogger())
}

func do(s *Server, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "203.0.113.7:5555"
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestHealthEndpoint(t *testing.T) {
	w := do(createTestServer(t, testDeps{}), http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]string
	decodeBody(t, w, &response)
	assert.Equal(t, "healthy", response["status"])
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := createTestServer(t, testDeps{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	s := createTestServer(t, testDeps{})
	do(s, http.MethodGet, "/health")

	w := do(s, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "api_test_api_requests_total")
}

func TestGetPortfolio(t *testing.T) {
	var seen portfolio.Wallet
	deps := testDeps{portfolio: &mockPortfolioService{
		getFunc: func(_ context.Context, w portfolio.Wallet) (*portfolio.Snapshot, error) {
			seen = w
			return ethSnapshot(w), nil
		},
	}}

	w := do(createTestServer(t, deps), http.MethodGet, "/api/chains/1/wallets/"+walletAddr+"/portfolio")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp PortfolioResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, walletAddr, resp.Address)
	assert.Equal(t, types.ChainEthereum, resp.ChainID)
	require.Len(t, resp.Tokens, 1)
	assert.Equal(t, "ETH", resp.Tokens[0].Symbol)
	assert.True(t, resp.Tokens[0].IsNative)
	assert.True(t, decimal.NewFromInt(2500).Equal(resp.TotalValue))

	assert.True(t, seen.Ready())
	assert.Equal(t, types.ChainEthereum, seen.ChainID)
}

func TestRefreshPortfolio(t *testing.T) {
	refreshed := false
	deps := testDeps{portfolio: &mockPortfolioService{
		refreshFunc: func(_ context.Context, w portfolio.Wallet) (*portfolio.Snapshot, error) {
			refreshed = true
			return ethSnapshot(w), nil
		},
	}}
	s := createTestServer(t, deps)

	w := do(s, http.MethodPost, "/api/chains/1/wallets/"+walletAddr+"/portfolio/refresh")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, refreshed)

	w = do(s, http.MethodGet, "/api/chains/1/wallets/"+walletAddr+"/portfolio/refresh")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	var resp ErrorResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, ErrCodeMethodNotAllowed, resp.Error.Code)
}

func TestMethodAndRouteMismatches(t *testing.T) {
	s := createTestServer(t, testDeps{})

	tests := []struct {
		name   string
		method string
		target string
		status int
		code   string
	}{
		{"post on a read route", http.MethodPost, "/api/chains/1/wallets/" + walletAddr + "/portfolio", http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed},
		{"delete on chains", http.MethodDelete, "/api/chains", http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed},
		{"post on health", http.MethodPost, "/health", http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed},
		{"unknown api path", http.MethodGet, "/api/nope", http.StatusNotFound, ErrCodeNotFound},
		{"unknown root path", http.MethodGet, "/nope", http.StatusNotFound, ErrCodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(s, tt.method, tt.target)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var resp ErrorResponse
			decodeBody(t, w, &resp)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	s := createTestServer(t, testDeps{rps: 1})

	for _, target := range []string{
		"/api/chains",
		"/api/chains/1/wallets/" + walletAddr + "/portfolio",
		"/api/chains/1/wallets/" + walletAddr + "/portfolio/refresh",
		"/api/chains/1/wallets/" + walletAddr + "/activity",
	} {
		for i := 0; i < 3; i++ {
			req := httptest.NewRequest(http.MethodOptions, target, nil)
			req.RemoteAddr = "203.0.113.7:5555"
			req.Header.Set("Origin", "https://dashboard.example")
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, req)

			assert.Equal(t, http.StatusNoContent, w.Code, target)
			assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"), target)
			assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodPost, target)
		}
	}

	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/api/chains").Code, "preflights do not spend the client's tokens")
}

func TestPortfolioValidation(t *testing.T) {
	tests := []struct {
		name   string
		target string
		status int
		code   string
	}{
		{"bad address", "/api/chains/1/wallets/0x1234/portfolio", http.StatusBadRequest, "INVALID_ADDRESS"},
		{"non-numeric chain", "/api/chains/eth/wallets/" + walletAddr + "/portfolio", http.StatusBadRequest, "INVALID_PARAMETER"},
		{"negative chain", "/api/chains/-1/wallets/" + walletAddr + "/portfolio", http.StatusBadRequest, "INVALID_PARAMETER"},
		{"chain without reader", "/api/chains/56/wallets/" + walletAddr + "/portfolio", http.StatusBadRequest, "UNSUPPORTED_CHAIN"},
	}

	s := createTestServer(t, testDeps{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(s, http.MethodGet, tt.target)
			assert.Equal(t, tt.status, w.Code)

			var resp ErrorResponse
			decodeBody(t, w, &resp)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestPortfolioTimeoutAndInternalError(t *testing.T) {
	deps := testDeps{portfolio: &mockPortfolioService{
		getFunc: func(context.Context, portfolio.Wallet) (*portfolio.Snapshot, error) {
			return nil, context.DeadlineExceeded
		},
		refreshFunc: func(context.Context, portfolio.Wallet) (*portfolio.Snapshot, error) {
			return nil, io.ErrUnexpectedEOF
		},
	}}
	s := createTestServer(t, deps)

	w := do(s, http.MethodGet, "/api/chains/1/wallets/"+walletAddr+"/portfolio")
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)

	w = do(s, http.MethodPost, "/api/chains/1/wallets/"+walletAddr+"/portfolio/refresh")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "unexpected EOF", "internal causes are not leaked")
}

func TestListTransactions(t *testing.T) {
	history := &mockHistoryService{supported: map[types.ChainID]bool{types.ChainEthereum: true}}
	s := createTestServer(t, testDeps{history: history})

	w := do(s, http.MethodGet, "/api/chains/1/wallets/"+walletAddr+"/transactions")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10, history.lastLimit)

	var resp TransactionsResponse
	decodeBody(t, w, &resp)
	require.Len(t, resp.Transactions, 1)
	assert.Equal(t, "0xabc", resp.Transactions[0].Hash)

	w = do(s, http.MethodGet, "/api/chains/1/wallets/"+walletAddr+"/transactions?limit=25")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 25, history.lastLimit)
}

func TestRecentActivity(t *testing.T) {
	history := &mockHistoryService{supported: map[types.ChainID]bool{types.ChainEthereum: true}}
	s := createTestServer(t, testDeps{history: history})

	w := do(s, http.MethodGet, "/api/chains/1/wallets/"+walletAddr+"/activity")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 20, history.lastLimit)

	var resp ActivityResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, walletAddr, resp.Address)
	require.Len(t, resp.Activity, 2)
	assert.Equal(t, types.ActivityTokenTransfer, resp.Activity[0].Kind)
	assert.Equal(t, "USDC", resp.Activity[0].TokenSymbol)
	assert.True(t, resp.Activity[1].Failed)
	assert.Equal(t, "https://etherscan.io/tx/0xt1", resp.Activity[1].ExplorerURL)

	w = do(s, http.MethodGet, "/api/chains/1/wallets/"+walletAddr+"/activity?limit=5")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, history.lastLimit)

	w = do(s, http.MethodGet, "/api/chains/137/wallets/"+walletAddr+"/activity")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(s, http.MethodGet, "/api/chains/1/wallets/"+walletAddr+"/activity?limit=500")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListTokenTransfersEmptyIsArray(t *testing.T) {
	w := do(createTestServer(t, testDeps{}), http.MethodGet, "/api/chains/1/wallets/"+walletAddr+"/token-transfers")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"transfers":[]`)
}

func TestHistoryValidation(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		chain  string
		status int
		code   string
	}{
		{"limit zero", "?limit=0", "1", http.StatusBadRequest, "INVALID_PARAMETER"},
		{"limit too large", "?limit=101", "1", http.StatusBadRequest, "INVALID_PARAMETER"},
		{"limit not a number", "?limit=ten", "1", http.StatusBadRequest, "INVALID_PARAMETER"},
		{"unsupported chain", "", "137", http.StatusBadRequest, "UNSUPPORTED_CHAIN"},
	}

	s := createTestServer(t, testDeps{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(s, http.MethodGet, "/api/chains/"+tt.chain+"/wallets/"+walletAddr+"/transactions"+tt.query)
			assert.Equal(t, tt.status, w.Code)

			var resp ErrorResponse
			decodeBody(t, w, &resp)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestListChains(t *testing.T) {
	w := do(createTestServer(t, testDeps{}), http.MethodGet, "/api/chains")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Chains []ChainInfo `json:"chains"`
	}
	decodeBody(t, w, &resp)
	require.Len(t, resp.Chains, 2)
	assert.Equal(t, "ethereum", resp.Chains[0].Name)
	assert.True(t, resp.Chains[0].History)
	assert.Equal(t, "MATIC", resp.Chains[1].NativeSymbol)
	assert.False(t, resp.Chains[1].History)
}

func TestBreakerStatus(t *testing.T) {
	w := do(createTestServer(t, testDeps{}), http.MethodGet, "/api/status/breakers")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"explorer:1"`)
}

func TestRateLimitPerClient(t *testing.T) {
	s := createTestServer(t, testDeps{rps: 2})
	target := "/api/chains"

	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, target).Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, target).Code)

	w := do(s, http.MethodGet, target)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	var resp ErrorResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, ErrCodeRateLimitExceeded, resp.Error.Code)
	assert.Equal(t, float64(1), resp.Error.Details["retryAfter"])
	assert.Equal(t, float64(2), resp.Error.Details["burst"])

	other := httptest.NewRequest(http.MethodGet, target, nil)
	other.RemoteAddr = "198.51.100.1:4000"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, other)
	assert.Equal(t, http.StatusOK, rec.Code, "other clients have their own bucket")

	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health").Code, "health is not rate limited")
}

func TestCompression(t *testing.T) {
	s := createTestServer(t, testDeps{})
	req := httptest.NewRequest(http.MethodGet, "/api/chains", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	gz, err := gzip.NewReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `"chains"`))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	s := createTestServer(t, testDeps{rps: 1})

	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/chains", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("192.0.2.%d", i+1))
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	assert.Equal(t, []int{
		http.StatusOK,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
	}, codes)
}

func TestRateLimitBehindTrustedProxy(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	s := createTestServer(t, testDeps{rps: 1, trusted: trusted})

	send := func(forwarded string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/chains", nil)
		req.RemoteAddr = "10.1.2.3:8080"
		req.Header.Set("X-Forwarded-For", forwarded)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("192.0.2.1"))
	assert.Equal(t, http.StatusOK, send("192.0.2.2"), "each forwarded client has its own bucket")
	assert.Equal(t, http.StatusTooManyRequests, send("192.0.2.1"))
	assert.Equal(t, http.StatusTooManyRequests, send("198.51.100.1, 192.0.2.1"), "a prepended hop cannot change the attributed client")
}

func TestClientIP(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.168.1.5"})
	require.NoError(t, err)

	tests := []struct {
		name      string
		remote    string
		forwarded []string
		trusted   []netip.Prefix
		want      string
	}{
		{"peer only", "10.0.0.1:1234", nil, nil, "10.0.0.1"},
		{"forwarded ignored without trusted proxies", "203.0.113.7:1234", []string{"192.0.2.9"}, nil, "203.0.113.7"},
		{"forwarded ignored from untrusted peer", "203.0.113.7:1234", []string{"192.0.2.9"}, trusted, "203.0.113.7"},
		{"trusted peer", "10.0.0.1:1234", []string{"192.0.2.9"}, trusted, "192.0.2.9"},
		{"skips trusted hops from the right", "10.0.0.1:1234", []string{"198.51.100.4, 192.0.2.9, 192.168.1.5"}, trusted, "192.0.2.9"},
		{"multiple headers", "10.0.0.1:1234", []string{"198.51.100.4", "192.0.2.9"}, trusted, "192.0.2.9"},
		{"all hops trusted", "10.0.0.1:1234", []string{"10.2.2.2"}, trusted, "10.2.2.2"},
		{"garbage hop", "10.0.0.1:1234", []string{"not-an-ip"}, trusted, "10.0.0.1"},
		{"ipv6 peer", "[2001:db8::1]:443", []string{"192.0.2.9"}, trusted, "2001:db8::1"},
		{"no port", "10.0.0.1", nil, nil, "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for _, v := range tt.forwarded {
				r.Header.Add("X-Forwarded-For", v)
			}
			assert.Equal(t, tt.want, clientIP(r, tt.trusted))
		})
	}
}

func TestParseTrustedProxies(t *testing.T) {
	got, err := ParseTrustedProxies([]string{" 10.0.0.0/8 ", "", "192.168.1.5", "::ffff:172.16.0.1", "2001:db8::/32"})
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.168.1.5/32"),
		netip.MustParsePrefix("172.16.0.1/32"),
		netip.MustParsePrefix("2001:db8::/32"),
	}, got)

	_, err = ParseTrustedProxies([]string{"10.0.0.0/99"})
	assert.Error(t, err)
	_, err = ParseTrustedProxies([]string{"proxy.internal"})
	assert.Error(t, err)
}
