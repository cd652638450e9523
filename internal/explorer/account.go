package explorer

import (
	"bytes"
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	jsoniter "github.com/json-iterator/go"

	"github.com/wallet-dashboard/internal/types"
)

// DefaultLimit is the page size used when a caller passes a non-positive limit
const DefaultLimit = 10

// DiscoverTokenAddresses returns every token contract that appears in the
// address's ERC-20 transfer history, checksummed and deduplicated in first-seen order.
// Tokens that never emitted a transfer touching the address are not found.
func (c *Client) DiscoverTokenAddresses(ctx context.Context, address string, chainID types.ChainID) []common.Address {
	cfg, ok := c.explorers.Lookup(chainID)
	if !ok || !types.IsAddress(address) {
		return []common.Address{}
	}

	params := url.Values{}
	params.Set("address", common.HexToAddress(address).Hex())
	params.Set("startblock", "0")
	params.Set("endblock", "99999999")
	params.Set("sort", "asc")

	records, err := c.fetch(ctx, cfg, "tokentx", params)
	if err != nil {
		c.logFailure("DiscoverTokenAddresses", chainID, address, err)
		return []common.Address{}
	}

	seen := make(map[string]struct{}, len(records))
	out := make([]common.Address, 0)
	for _, raw := range records {
		var rec struct {
			ContractAddress string `json:"contractAddress"`
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if !common.IsHexAddress(rec.ContractAddress) {
			continue
		}
		addr := common.HexToAddress(rec.ContractAddress)
		key := strings.ToLower(addr.Hex())
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, addr)
	}

	c.logger.WithFields(map[string]interface{}{
		"chainId":    int64(chainID),
		"address":    address,
		"transfers":  len(records),
		"candidates": len(out),
	}).Debug("Discovered token candidates")

	return out
}

// ListTransactions returns up to limit most recent native transactions, newest first.
func (c *Client) ListTransactions(ctx context.Context, address string, chainID types.ChainID, limit int) []types.Transaction {
	records, ok := c.history(ctx, "ListTransactions", "txlist", address, chainID, &limit)
	if !ok {
		return []types.Transaction{}
	}

	out := make([]types.Transaction, 0, limit)
	for _, raw := range records {
		if len(out) == limit {
			break
		}
		var tx types.Transaction
		if !decodeRecord(raw, &tx, "hash", "blockNumber") {
			continue
		}
		out = append(out, tx)
	}
	return out
}

// ListTokenTransfers returns up to limit most recent ERC-20 transfers, newest first.
func (c *Client) ListTokenTransfers(ctx context.Context, address string, chainID types.ChainID, limit int) []types.TokenTransfer {
	records, ok := c.history(ctx, "ListTokenTransfers", "tokentx", address, chainID, &limit)
	if !ok {
		return []types.TokenTransfer{}
	}

	out := make([]types.TokenTransfer, 0, limit)
	for _, raw := range records {
		if len(out) == limit {
			break
		}
		var tr types.TokenTransfer
		if !decodeRecord(raw, &tr, "contractAddress", "tokenSymbol", "value", "hash") {
			continue
		}
		out = append(out, tr)
	}
	return out
}

// history fetches one descending page; limit is normalized in place
func (c *Client) history(ctx context.Context, op, action, address string, chainID types.ChainID, limit *int) ([]jsoniter.RawMessage, bool) {
	if *limit <= 0 {
		*limit = DefaultLimit
	}
	cfg, ok := c.explorers.Lookup(chainID)
	if !ok || !types.IsAddress(address) {
		return nil, false
	}

	params := url.Values{}
	params.Set("address", common.HexToAddress(address).Hex())
	params.Set("page", "1")
	params.Set("offset", strconv.Itoa(*limit))
	params.Set("sort", "desc")

	records, err := c.fetch(ctx, cfg, action, params)
	if err != nil {
		c.logFailure(op, chainID, address, err)
		return nil, false
	}
	return records, true
}

// decodeRecord decodes raw into dst and reports whether every required key
// is present and neither null nor an empty string. Numeric values are
// accepted in place of the usual decimal strings.
func decodeRecord(raw jsoniter.RawMessage, dst interface{}, required ...string) bool {
	var fields map[string]jsoniter.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	for _, key := range required {
		v, ok := fields[key]
		if !ok || isEmptyJSON(v) {
			return false
		}
	}

	coerced := false
	for key, v := range fields {
		if t := bytes.TrimSpace(v); isJSONNumber(t) {
			fields[key] = jsoniter.RawMessage(strconv.Quote(string(t)))
			coerced = true
		}
	}
	if coerced {
		var err error
		if raw, err = json.Marshal(fields); err != nil {
			return false
		}
	}
	return json.Unmarshal(raw, dst) == nil
}

func isEmptyJSON(v jsoniter.RawMessage) bool {
	switch strings.TrimSpace(string(v)) {
	case "", "null", `""`:
		return true
	}
	return false
}

func isJSONNumber(v []byte) bool {
	return len(v) > 0 && (v[0] == '-' || (v[0] >= '0' && v[0] <= '9'))
}
