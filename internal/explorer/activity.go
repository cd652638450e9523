package explorer

import (
	"context"
	"sort"
	"strconv"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/wallet-dashboard/internal/config"
	"github.com/wallet-dashboard/internal/types"
)

const (
	// DefaultActivityLimit is the feed size used for a non-positive limit
	DefaultActivityLimit = 20

	// activityPageSize is the page fetched for each history kind when the feed
	// is no larger than DefaultActivityLimit
	activityPageSize = 15
)

// RecentActivity fetches native transactions and token transfers in parallel
// and merges them newest first, keeping at most limit entries. A failed or
// unsupported side contributes nothing.
func (c *Client) RecentActivity(ctx context.Context, address string, chainID types.ChainID, limit int) []types.Activity {
	if limit <= 0 {
		limit = DefaultActivityLimit
	}
	perKind := activityPageSize
	if limit > DefaultActivityLimit {
		perKind = limit
	}

	var (
		txs       []types.Transaction
		transfers []types.TokenTransfer
		g         errgroup.Group
	)
	g.Go(func() error {
		txs = c.ListTransactions(ctx, address, chainID, perKind)
		return nil
	})
	g.Go(func() error {
		transfers = c.ListTokenTransfers(ctx, address, chainID, perKind)
		return nil
	})
	_ = g.Wait()

	return MergeActivity(txs, transfers, chainID, limit)
}

// MergeActivity interleaves both histories by timestamp, newest first, and
// truncates to limit. A missing or unparsable timestamp sorts as zero. Ties
// keep transactions ahead of transfers and otherwise preserve input order.
func MergeActivity(txs []types.Transaction, transfers []types.TokenTransfer, chainID types.ChainID, limit int) []types.Activity {
	out := make([]types.Activity, 0, len(txs)+len(transfers))
	out = append(out, lo.Map(txs, func(tx types.Transaction, _ int) types.Activity {
		return types.Activity{
			Kind:        types.ActivityTransaction,
			Hash:        tx.Hash,
			BlockNumber: tx.BlockNumber,
			TimeStamp:   tx.TimeStamp,
			From:        tx.From,
			To:          tx.To,
			Value:       tx.Value,
			Failed:      types.IsFailed(tx.IsError, tx.TxReceiptStatus),
			ExplorerURL: config.TxURL(chainID, tx.Hash),
		}
	})...)
	out = append(out, lo.Map(transfers, func(tr types.TokenTransfer, _ int) types.Activity {
		return types.Activity{
			Kind:            types.ActivityTokenTransfer,
			Hash:            tr.Hash,
			BlockNumber:     tr.BlockNumber,
			TimeStamp:       tr.TimeStamp,
			From:            tr.From,
			To:              tr.To,
			Value:           tr.Value,
			TokenSymbol:     tr.TokenSymbol,
			TokenDecimal:    tr.TokenDecimal,
			ContractAddress: tr.ContractAddress,
			Failed:          types.IsFailed(tr.IsError, tr.TxReceiptStatus),
			ExplorerURL:     config.TxURL(chainID, tr.Hash),
		}
	})...)

	sort.SliceStable(out, func(i, j int) bool {
		return unixSeconds(out[i].TimeStamp) > unixSeconds(out[j].TimeStamp)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func unixSeconds(ts string) int64 {
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
