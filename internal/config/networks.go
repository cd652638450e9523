package config

import (
	"strings"

	"github.com/wallet-dashboard/internal/types"
)

// Network describes a supported EVM chain and its native currency
type Network struct {
	ChainID      types.ChainID
	Name         string // lowercase name used in ENABLED_CHAINS and env prefixes
	NativeSymbol string
	NativeName   string
	TxExplorer   string // transaction page prefix on the chain's block explorer
}

const (
	defaultNativeSymbol = "ETH"
	defaultNativeName   = "Ethereum"
	defaultTxExplorer   = "https://etherscan.io/tx/"
)

// networks is the static chain table. L2s settle in ETH.
var networks = map[types.ChainID]Network{
	types.ChainEthereum:  {ChainID: types.ChainEthereum, Name: "ethereum", NativeSymbol: "ETH", NativeName: "Ethereum", TxExplorer: "https://etherscan.io/tx/"},
	types.ChainPolygon:   {ChainID: types.ChainPolygon, Name: "polygon", NativeSymbol: "MATIC", NativeName: "Polygon", TxExplorer: "https://polygonscan.com/tx/"},
	types.ChainBNB:       {ChainID: types.ChainBNB, Name: "bnb", NativeSymbol: "BNB", NativeName: "BNB", TxExplorer: "https://bscscan.com/tx/"},
	types.ChainAvalanche: {ChainID: types.ChainAvalanche, Name: "avalanche", NativeSymbol: "AVAX", NativeName: "Avalanche", TxExplorer: "https://snowtrace.io/tx/"},
	types.ChainOptimism:  {ChainID: types.ChainOptimism, Name: "optimism", NativeSymbol: "ETH", NativeName: "Ethereum", TxExplorer: "https://optimistic.etherscan.io/tx/"},
	types.ChainArbitrum:  {ChainID: types.ChainArbitrum, Name: "arbitrum", NativeSymbol: "ETH", NativeName: "Ethereum", TxExplorer: "https://arbiscan.io/tx/"},
	types.ChainBase:      {ChainID: types.ChainBase, Name: "base", NativeSymbol: "ETH", NativeName: "Ethereum", TxExplorer: "https://basescan.org/tx/"},
}

// LookupNetwork returns the network entry for a chain id
func LookupNetwork(chainID types.ChainID) (Network, bool) {
	n, ok := networks[chainID]
	return n, ok
}

// NetworkByName resolves a network from its lowercase name
func NetworkByName(name string) (Network, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, n := range networks {
		if n.Name == name {
			return n, true
		}
	}
	return Network{}, false
}

// NativeSymbol returns the native currency symbol of a chain, ETH when unknown
func NativeSymbol(chainID types.ChainID) string {
	if n, ok := networks[chainID]; ok {
		return n.NativeSymbol
	}
	return defaultNativeSymbol
}

// NativeName returns the native currency name of a chain, Ethereum when unknown
func NativeName(chainID types.ChainID) string {
	if n, ok := networks[chainID]; ok {
		return n.NativeName
	}
	return defaultNativeName
}

// TxURL returns the block explorer page for a transaction hash. Unknown
// chains link to etherscan.
func TxURL(chainID types.ChainID, hash string) string {
	prefix := defaultTxExplorer
	if n, ok := networks[chainID]; ok && n.TxExplorer != "" {
		prefix = n.TxExplorer
	}
	return prefix + hash
}

// EnvPrefix returns the environment variable prefix for a network, e.g. POLYGON
func (n Network) EnvPrefix() string {
	return strings.ToUpper(n.Name)
}
