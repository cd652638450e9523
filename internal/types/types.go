// Package types provides common type definitions for the wallet dashboard.
package types

import (
	"math/big"
	"regexp"
	"strconv"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

var addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// IsAddress reports whether s is a 0x-prefixed 20-byte hex address
func IsAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// ChainID is the numeric identifier of an EVM network
type ChainID int64

const (
	// ChainEthereum represents the Ethereum mainnet
	ChainEthereum ChainID = 1
	// ChainOptimism represents the Optimism network
	ChainOptimism ChainID = 10
	// ChainBNB represents the BNB Chain (BSC)
	ChainBNB ChainID = 56
	// ChainPolygon represents the Polygon network
	ChainPolygon ChainID = 137
	// ChainBase represents the Base network
	ChainBase ChainID = 8453
	// ChainArbitrum represents the Arbitrum One network
	ChainArbitrum ChainID = 42161
	// ChainAvalanche represents the Avalanche C-Chain
	ChainAvalanche ChainID = 43114
)

// String returns the decimal form of the chain id
func (c ChainID) String() string {
	return strconv.FormatInt(int64(c), 10)
}

// ParseChainID parses a decimal chain id
func ParseChainID(s string) (ChainID, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return ChainID(id), nil
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// Token is one valued entry of a wallet portfolio.
// Balance is expressed in human units, Value is Price * Balance.
type Token struct {
	Symbol   string          `json:"symbol"`
	Name     string          `json:"name"`
	Balance  decimal.Decimal `json:"balance"`
	Price    decimal.Decimal `json:"price"`
	Value    decimal.Decimal `json:"value"`
	Address  string          `json:"address,omitempty"` // empty for the native token
	Decimals *uint8          `json:"decimals,omitempty"`
	IsNative bool            `json:"isNative"`
}

// WithPrice returns a copy of the token priced at the given USD unit price
func (t Token) WithPrice(price decimal.Decimal) Token {
	t.Price = price
	t.Value = price.Mul(t.Balance)
	return t
}

// TotalValue sums the value of every token
func TotalValue(tokens []Token) decimal.Decimal {
	return lo.Reduce(tokens, func(acc decimal.Decimal, t Token, _ int) decimal.Decimal {
		return acc.Add(t.Value)
	}, decimal.Zero)
}

// TokenBalance is the on-chain state of an ERC-20 contract for one owner
type TokenBalance struct {
	Address  string   `json:"address"` // checksummed contract address
	Name     string   `json:"name"`
	Symbol   string   `json:"symbol"`
	Decimals uint8    `json:"decimals"`
	Balance  *big.Int `json:"balance"` // raw balance in the smallest unit
}

// ToUnits converts a raw integer amount into human units
func ToUnits(raw *big.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}

// Transaction is a native transaction record as returned by the explorer
type Transaction struct {
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	Hash            string `json:"hash"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	Gas             string `json:"gas"`
	GasPrice        string `json:"gasPrice"`
	GasUsed         string `json:"gasUsed"`
	IsError         string `json:"isError"`
	TxReceiptStatus string `json:"txreceipt_status"`
}

// TokenTransfer is an ERC-20 transfer record as returned by the explorer
type TokenTransfer struct {
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	Hash            string `json:"hash"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	ContractAddress string `json:"contractAddress"`
	TokenName       string `json:"tokenName"`
	TokenSymbol     string `json:"tokenSymbol"`
	TokenDecimal    string `json:"tokenDecimal"`
	GasUsed         string `json:"gasUsed,omitempty"`
	GasPrice        string `json:"gasPrice,omitempty"`
	TxReceiptStatus string `json:"txreceipt_status,omitempty"`
	IsError         string `json:"isError,omitempty"`
}

// ActivityKind tells native transactions and token transfers apart in a feed
type ActivityKind string

const (
	ActivityTransaction   ActivityKind = "transaction"
	ActivityTokenTransfer ActivityKind = "token_transfer"
)

// Activity is one entry of a wallet's merged recent history
type Activity struct {
	Kind            ActivityKind `json:"kind"`
	Hash            string       `json:"hash"`
	BlockNumber     string       `json:"blockNumber"`
	TimeStamp       string       `json:"timeStamp"`
	From            string       `json:"from"`
	To              string       `json:"to"`
	Value           string       `json:"value"`
	TokenSymbol     string       `json:"tokenSymbol,omitempty"`
	TokenDecimal    string       `json:"tokenDecimal,omitempty"`
	ContractAddress string       `json:"contractAddress,omitempty"`
	Failed          bool         `json:"failed"`
	ExplorerURL     string       `json:"explorerUrl"`
}

// IsFailed reports whether the explorer flagged the transaction as reverted
func IsFailed(isError, receiptStatus string) bool {
	return isError == "1" || receiptStatus == "0"
}
