// Package chain reads token metadata and balances directly from EVM nodes.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/wallet-dashboard/internal/logging"
)

// Backend is the read-only node surface the reader needs
type Backend interface {
	ethereum.ContractCaller
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// FailoverBackend spreads reads over a primary and an optional secondary node.
// A failover-worthy error moves later calls to the other node; the failed
// call itself is not repeated.
type FailoverBackend struct {
	mu        sync.RWMutex
	endpoints []Backend
	labels    []string
	current   int
	closers   []func()
}

// NewFailoverBackend wraps already-connected backends, primary first
func NewFailoverBackend(backends ...Backend) *FailoverBackend {
	labels := make([]string, len(backends))
	for i := range backends {
		labels[i] = fmt.Sprintf("endpoint-%d", i)
	}
	return &FailoverBackend{endpoints: backends, labels: labels}
}

// Dial connects to the primary and, when set, the secondary RPC URL
func Dial(ctx context.Context, primaryURL, secondaryURL string) (*FailoverBackend, error) {
	if primaryURL == "" {
		return nil, fmt.Errorf("primary URL cannot be empty")
	}

	fb := &FailoverBackend{}
	for _, rpcURL := range []string{primaryURL, secondaryURL} {
		if rpcURL == "" {
			continue
		}
		client, err := ethclient.DialContext(ctx, rpcURL)
		if err != nil {
			fb.Close()
			return nil, fmt.Errorf("dial %s: %w", redactURL(rpcURL), err)
		}
		fb.endpoints = append(fb.endpoints, client)
		fb.labels = append(fb.labels, redactURL(rpcURL))
		fb.closers = append(fb.closers, client.Close)
	}
	return fb, nil
}

// CallContract implements ethereum.ContractCaller
func (f *FailoverBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	idx, backend := f.pick()
	out, err := backend.CallContract(ctx, msg, blockNumber)
	f.observe(idx, err)
	return out, err
}

// BalanceAt returns the native balance of account
func (f *FailoverBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	idx, backend := f.pick()
	bal, err := backend.BalanceAt(ctx, account, blockNumber)
	f.observe(idx, err)
	return bal, err
}

// Current returns the label of the active endpoint
func (f *FailoverBackend) Current() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.labels) == 0 {
		return ""
	}
	return f.labels[f.current]
}

// Close closes every dialed connection
func (f *FailoverBackend) Close() {
	for _, closeFn := range f.closers {
		closeFn()
	}
}

func (f *FailoverBackend) pick() (int, Backend) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current, f.endpoints[f.current]
}

func (f *FailoverBackend) observe(idx int, err error) {
	if !ShouldFailover(err) || len(f.endpoints) < 2 {
		return
	}

	f.mu.Lock()
	if f.current != idx {
		// another call already moved on
		f.mu.Unlock()
		return
	}
	f.current = (idx + 1) % len(f.endpoints)
	from, to := f.labels[idx], f.labels[f.current]
	f.mu.Unlock()

	logging.WithFields(map[string]interface{}{
		"from":  from,
		"to":    to,
		"error": err.Error(),
	}).Warn("RPC endpoint failing, switching")
}

// ShouldFailover reports whether err indicates an unhealthy endpoint rather
// than a failed call against a healthy one
func ShouldFailover(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	for _, marker := range []string{
		"rate limit", "too many requests", "429",
		"timeout", "deadline exceeded",
		"connection refused", "connection reset", "no such host",
		"502 bad gateway", "503 service unavailable",
	} {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}

// redactURL drops the path and query, where providers put API keys
func redactURL(raw string) string {
	if i := strings.Index(raw, "://"); i >= 0 {
		rest := raw[i+3:]
		if j := strings.IndexAny(rest, "/?"); j >= 0 {
			rest = rest[:j]
		}
		return raw[:i+3] + rest
	}
	return raw
}
