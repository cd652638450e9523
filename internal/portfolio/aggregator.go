// Package portfolio assembles valued token lists for wallets and keeps them fresh.
package portfolio

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/wallet-dashboard/internal/chain"
	"github.com/wallet-dashboard/internal/config"
	"github.com/wallet-dashboard/internal/logging"
	"github.com/wallet-dashboard/internal/types"
)

const nativeDecimals uint8 = 18

// Wallet is the connection state a cycle runs against
type Wallet struct {
	Address   string        `json:"address"`
	ChainID   types.ChainID `json:"chainId"`
	Connected bool          `json:"connected"`
}

// Ready reports whether the wallet has everything a cycle needs
func (w Wallet) Ready() bool {
	return w.Connected && w.ChainID != 0 && types.IsAddress(w.Address)
}

// Key identifies the wallet independent of address casing
func (w Wallet) Key() string {
	return fmt.Sprintf("%d:%s", w.ChainID, strings.ToLower(w.Address))
}

// Discoverer finds token contracts an address has interacted with
type Discoverer interface {
	DiscoverTokenAddresses(ctx context.Context, address string, chainID types.ChainID) []common.Address
}

// BalanceReader reads native and ERC-20 balances on one chain
type BalanceReader interface {
	NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	GetMultipleBalances(ctx context.Context, tokens []common.Address, owner common.Address) []types.TokenBalance
}

// ReaderLookup returns the balance reader for a chain
type ReaderLookup func(chainID types.ChainID) (BalanceReader, bool)

// ReadersFromRegistry adapts a chain registry to a ReaderLookup
func ReadersFromRegistry(reg *chain.Registry) ReaderLookup {
	return func(chainID types.ChainID) (BalanceReader, bool) {
		r, ok := reg.Reader(chainID)
		if !ok {
			return nil, false
		}
		return r, true
	}
}

// PriceResolver prices symbols in USD
type PriceResolver interface {
	GetPrices(ctx context.Context, symbols []string, chainID types.ChainID) map[string]decimal.Decimal
}

// Result is the output of one aggregation cycle
type Result struct {
	Tokens        []types.Token
	NativeBalance *big.Int // raw, nil when unknown
}

// Aggregator runs one discovery, balance and pricing cycle
type Aggregator struct {
	explorer Discoverer
	readers  ReaderLookup
	prices   PriceResolver
	logger   *logging.Logger
}

// NewAggregator creates an aggregator
func NewAggregator(explorer Discoverer, readers ReaderLookup, prices PriceResolver, logger *logging.Logger) *Aggregator {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Aggregator{
		explorer: explorer,
		readers:  readers,
		prices:   prices,
		logger:   logger.Named("aggregator"),
	}
}

// NativeBalance reads the wallet's raw native balance
func (a *Aggregator) NativeBalance(ctx context.Context, w Wallet) (*big.Int, error) {
	if !w.Ready() {
		return nil, fmt.Errorf("wallet not ready")
	}
	reader, ok := a.readers(w.ChainID)
	if !ok {
		return nil, fmt.Errorf("no reader for chain %d", w.ChainID)
	}
	return reader.NativeBalance(ctx, common.HexToAddress(w.Address))
}

// Build runs one full cycle. A wallet that is not connected, or a chain
// without a reader, yields an empty list. Upstream failures only shrink the
// list; the returned error is reserved for a cancelled context.
func (a *Aggregator) Build(ctx context.Context, w Wallet) (Result, error) {
	empty := Result{Tokens: []types.Token{}}
	if !w.Ready() {
		return empty, nil
	}
	reader, ok := a.readers(w.ChainID)
	if !ok {
		a.logger.WithField("chainId", int64(w.ChainID)).Warn("No balance reader for chain")
		return empty, nil
	}

	owner := common.HexToAddress(w.Address)
	log := a.logger.WithFields(map[string]interface{}{
		"chainId": int64(w.ChainID),
		"address": owner.Hex(),
	})

	var (
		nativeRaw  *big.Int
		candidates []common.Address
	)
	var g errgroup.Group
	g.Go(func() error {
		bal, err := reader.NativeBalance(ctx, owner)
		if err != nil {
			log.WithError(err).Warn("Native balance read failed, omitting native token")
			return nil
		}
		nativeRaw = bal
		return nil
	})
	g.Go(func() error {
		candidates = a.explorer.DiscoverTokenAddresses(ctx, w.Address, w.ChainID)
		return nil
	})
	_ = g.Wait()

	tokens := make([]types.Token, 0, len(candidates)+1)
	if nativeRaw != nil && nativeRaw.Sign() > 0 {
		d := nativeDecimals
		tokens = append(tokens, types.Token{
			Symbol:   config.NativeSymbol(w.ChainID),
			Name:     config.NativeName(w.ChainID),
			Balance:  types.ToUnits(nativeRaw, nativeDecimals),
			Price:    decimal.Zero,
			Value:    decimal.Zero,
			Decimals: &d,
			IsNative: true,
		})
	}

	if len(candidates) > 0 {
		for _, tb := range reader.GetMultipleBalances(ctx, candidates, owner) {
			d := tb.Decimals
			tokens = append(tokens, types.Token{
				Symbol:   tb.Symbol,
				Name:     tb.Name,
				Balance:  types.ToUnits(tb.Balance, tb.Decimals),
				Price:    decimal.Zero,
				Value:    decimal.Zero,
				Address:  tb.Address,
				Decimals: &d,
			})
		}
	}

	if err := ctx.Err(); err != nil {
		return empty, err
	}

	symbols := lo.Uniq(lo.Map(tokens, func(t types.Token, _ int) string {
		return strings.ToUpper(t.Symbol)
	}))
	prices := a.prices.GetPrices(ctx, symbols, w.ChainID)

	priced := lo.Map(tokens, func(t types.Token, _ int) types.Token {
		return t.WithPrice(prices[strings.ToUpper(t.Symbol)])
	})

	log.WithFields(map[string]interface{}{
		"candidates": len(candidates),
		"tokens":     len(priced),
		"priced":     len(prices),
	}).Debug("Portfolio cycle built")

	return Result{Tokens: priced, NativeBalance: nativeRaw}, nil
}
