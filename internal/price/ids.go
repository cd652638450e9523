package price

import (
	"strings"

	"github.com/wallet-dashboard/internal/config"
	"github.com/wallet-dashboard/internal/types"
)

// nativeIDs maps a chain to the price id of its native currency
var nativeIDs = map[types.ChainID]string{
	types.ChainEthereum:  "ethereum",
	types.ChainPolygon:   "matic-network",
	types.ChainBNB:       "binancecoin",
	types.ChainAvalanche: "avalanche-2",
	types.ChainOptimism:  "ethereum",
	types.ChainArbitrum:  "ethereum",
	types.ChainBase:      "ethereum",
}

// symbolIDs maps upper-case token symbols to price ids
var symbolIDs = map[string]string{
	// native and majors
	"ETH":   "ethereum",
	"MATIC": "matic-network",
	"BNB":   "binancecoin",
	"AVAX":  "avalanche-2",
	"OP":    "optimism",
	"ARB":   "arbitrum",

	// stablecoins
	"USDC": "usd-coin",
	"USDT": "tether",
	"DAI":  "dai",
	"WBTC": "wrapped-bitcoin",

	// defi
	"LINK":  "chainlink",
	"UNI":   "uniswap",
	"AAVE":  "aave",
	"CRV":   "curve-dao-token",
	"MKR":   "maker",
	"SNX":   "havven",
	"COMP":  "compound-governance-token",
	"YFI":   "yearn-finance",
	"SUSHI": "sushi",
	"1INCH": "1inch",
	"BAL":   "balancer",

	// other erc-20
	"BAT":  "basic-attention-token",
	"ZRX":  "0x",
	"ENJ":  "enjincoin",
	"MANA": "decentraland",
	"SAND": "the-sandbox",
	"AXS":  "axie-infinity",
	"GALA": "gala",
	"CHZ":  "chiliz",

	// bridged or wrapped assets from other ecosystems
	"FTM":   "fantom",
	"NEAR":  "near",
	"SOL":   "solana",
	"ADA":   "cardano",
	"DOT":   "polkadot",
	"ATOM":  "cosmos",
	"ALGO":  "algorand",
	"XRP":   "ripple",
	"DOGE":  "dogecoin",
	"SHIB":  "shiba-inu",
	"PEPE":  "pepe",
	"FLOKI": "floki",
}

var nativeSymbols = map[string]struct{}{
	"ETH":   {},
	"MATIC": {},
	"BNB":   {},
	"AVAX":  {},
}

// PriceID returns the price id for symbol. When chainID is non-zero and the
// symbol is that chain's native currency, the chain-specific id wins.
func PriceID(symbol string, chainID types.ChainID) (string, bool) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" {
		return "", false
	}

	if chainID != 0 {
		if _, native := nativeSymbols[sym]; native && sym == config.NativeSymbol(chainID) {
			if id, ok := nativeIDs[chainID]; ok {
				return id, true
			}
		}
	}

	id, ok := symbolIDs[sym]
	return id, ok
}

// Known reports whether symbol has a price id
func Known(symbol string) bool {
	_, ok := PriceID(symbol, 0)
	return ok
}
