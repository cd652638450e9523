package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/wallet-dashboard/internal/logging"
	"github.com/wallet-dashboard/internal/metrics"
	"github.com/wallet-dashboard/internal/types"
)

const erc20ABIJSON = `[
	{"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"}
]`

var erc20ABI = mustParseABI(erc20ABIJSON)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse ERC-20 ABI: %v", err))
	}
	return parsed
}

// ErrNotContract is returned when a call yields no data, as it does for accounts without code
var ErrNotContract = errors.New("no contract code at address")

// DefaultConcurrency bounds parallel token lookups per batch
const DefaultConcurrency = 8

// Reader resolves ERC-20 state for one chain
type Reader struct {
	chainID     types.ChainID
	backend     Backend
	concurrency int
	metrics     *metrics.Metrics
	logger      *logging.Logger
}

// ReaderOption customizes a Reader
type ReaderOption func(*Reader)

// WithConcurrency bounds parallel lookups in GetMultipleBalances
func WithConcurrency(n int) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithMetrics attaches lookup counters
func WithMetrics(m *metrics.Metrics) ReaderOption {
	return func(r *Reader) { r.metrics = m }
}

// WithLogger sets the reader's logger
func WithLogger(l *logging.Logger) ReaderOption {
	return func(r *Reader) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewReader creates a reader over backend
func NewReader(chainID types.ChainID, backend Backend, opts ...ReaderOption) *Reader {
	r := &Reader{
		chainID:     chainID,
		backend:     backend,
		concurrency: DefaultConcurrency,
		logger:      logging.GetGlobalLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("chain").WithField("chainId", int64(chainID))
	return r
}

// ChainID returns the chain this reader is bound to
func (r *Reader) ChainID() types.ChainID {
	return r.chainID
}

// NativeBalance returns the latest native balance of owner in wei
func (r *Reader) NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	bal, err := r.backend.BalanceAt(ctx, owner, nil)
	if err != nil {
		return nil, fmt.Errorf("native balance of %s: %w", owner.Hex(), err)
	}
	return bal, nil
}

// GetTokenInfo reads name, symbol, decimals and the owner's balance concurrently.
// It returns nil when any of the four calls fails, which is expected for
// candidates that are not ERC-20 contracts.
func (r *Reader) GetTokenInfo(ctx context.Context, token, owner common.Address) *types.TokenBalance {
	info, err := r.tokenInfo(ctx, token, owner)
	if err != nil {
		r.metrics.IncTokenLookup("failed")
		r.logger.WithFields(map[string]interface{}{
			"token": token.Hex(),
			"error": err.Error(),
		}).Debug("Token lookup failed, skipping")
		return nil
	}
	r.metrics.IncTokenLookup("ok")
	return info
}

func (r *Reader) tokenInfo(ctx context.Context, token, owner common.Address) (*types.TokenBalance, error) {
	var (
		name, symbol string
		decimals     uint8
		balance      *big.Int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		name, err = r.callString(gctx, token, "name")
		return err
	})
	g.Go(func() error {
		var err error
		symbol, err = r.callString(gctx, token, "symbol")
		return err
	})
	g.Go(func() error {
		out, err := r.call(gctx, token, "decimals")
		if err != nil {
			return err
		}
		d, ok := out[0].(uint8)
		if !ok {
			return fmt.Errorf("decimals: unexpected type %T", out[0])
		}
		decimals = d
		return nil
	})
	g.Go(func() error {
		out, err := r.call(gctx, token, "balanceOf", owner)
		if err != nil {
			return err
		}
		b, ok := out[0].(*big.Int)
		if !ok {
			return fmt.Errorf("balanceOf: unexpected type %T", out[0])
		}
		balance = b
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &types.TokenBalance{
		Address:  token.Hex(),
		Name:     name,
		Symbol:   symbol,
		Decimals: decimals,
		Balance:  balance,
	}, nil
}

// GetMultipleBalances resolves every candidate independently and keeps the
// ones that resolved with a positive balance, in input order.
func (r *Reader) GetMultipleBalances(ctx context.Context, tokens []common.Address, owner common.Address) []types.TokenBalance {
	results := make([]*types.TokenBalance, len(tokens))

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, token := range tokens {
		i, token := i, token
		g.Go(func() error {
			results[i] = r.GetTokenInfo(ctx, token, owner)
			return nil
		})
	}
	_ = g.Wait()

	return lo.FilterMap(results, func(tb *types.TokenBalance, _ int) (types.TokenBalance, bool) {
		if tb == nil || tb.Balance == nil || tb.Balance.Sign() <= 0 {
			return types.TokenBalance{}, false
		}
		return *tb, true
	})
}

func (r *Reader) call(ctx context.Context, token common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", method, ErrNotContract)
	}

	values, err := erc20ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	return values, nil
}

// callString reads a string getter, accepting the bytes32 form some older tokens use
func (r *Reader) callString(ctx context.Context, token common.Address, method string) (string, error) {
	data, err := erc20ABI.Pack(method)
	if err != nil {
		return "", fmt.Errorf("pack %s: %w", method, err)
	}

	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return "", fmt.Errorf("%s: %w", method, err)
	}
	if len(out) == 0 {
		return "", fmt.Errorf("%s: %w", method, ErrNotContract)
	}

	if values, err := erc20ABI.Unpack(method, out); err == nil && len(values) == 1 {
		if s, ok := values[0].(string); ok {
			return s, nil
		}
	}
	if len(out) == 32 {
		return string(bytes.TrimRight(out, "\x00")), nil
	}
	return "", fmt.Errorf("unpack %s: unrecognized return data", method)
}
