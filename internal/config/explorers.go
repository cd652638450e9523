package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/wallet-dashboard/internal/types"
	"gopkg.in/yaml.v3"
)

// DefaultExplorerBaseURL is the unified Etherscan v2 endpoint; the chain is
// selected with the chainid query parameter.
const DefaultExplorerBaseURL = "https://api.etherscan.io/v2/api"

// ExplorerConfig describes the block explorer API used for one chain
type ExplorerConfig struct {
	BaseURL string        `yaml:"baseUrl"`
	APIKey  string        `yaml:"apiKey"`
	Enabled bool          `yaml:"enabled"`
	ChainID types.ChainID `yaml:"chainId"`
}

// ExplorerRegistry is the static per-chain explorer table.
// It is built once at startup and only read afterwards.
type ExplorerRegistry map[types.ChainID]ExplorerConfig

// explorerChains are the chains served by the unified explorer endpoint
var explorerChains = []types.ChainID{
	types.ChainEthereum,
	types.ChainBase,
	types.ChainPolygon,
	types.ChainArbitrum,
	types.ChainOptimism,
}

// DefaultExplorerRegistry builds the explorer table for every supported chain
func DefaultExplorerRegistry(baseURL, apiKey string) ExplorerRegistry {
	if baseURL == "" {
		baseURL = DefaultExplorerBaseURL
	}

	registry := make(ExplorerRegistry, len(explorerChains))
	for _, id := range explorerChains {
		registry[id] = ExplorerConfig{
			BaseURL: baseURL,
			APIKey:  apiKey,
			Enabled: true,
			ChainID: id,
		}
	}
	return registry
}

// Lookup returns the explorer config for a chain if one exists and is enabled
func (r ExplorerRegistry) Lookup(chainID types.ChainID) (ExplorerConfig, bool) {
	cfg, ok := r[chainID]
	if !ok || !cfg.Enabled {
		return ExplorerConfig{}, false
	}
	return cfg, true
}

// ChainIDs returns the configured chain ids in ascending order
func (r ExplorerRegistry) ChainIDs() []types.ChainID {
	ids := make([]types.ChainID, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// explorerOverride is one entry of the optional explorers file.
// Unset fields keep the default value.
type explorerOverride struct {
	ChainID types.ChainID `yaml:"chainId"`
	BaseURL string        `yaml:"baseUrl"`
	APIKey  string        `yaml:"apiKey"`
	Enabled *bool         `yaml:"enabled"`
}

type explorersFile struct {
	Explorers []explorerOverride `yaml:"explorers"`
}

// ApplyExplorerOverrides merges a YAML explorers file into the registry.
//
//	explorers:
//	  - chainId: 137
//	    enabled: false
//	  - chainId: 56
//	    baseUrl: https://api.bscscan.com/api
//	    apiKey: XYZ
func (r ExplorerRegistry) ApplyExplorerOverrides(data []byte) error {
	var file explorersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse explorers file: %w", err)
	}

	for _, o := range file.Explorers {
		if o.ChainID <= 0 {
			return fmt.Errorf("explorers file: invalid chainId %d", o.ChainID)
		}

		cfg, exists := r[o.ChainID]
		if !exists {
			cfg = ExplorerConfig{ChainID: o.ChainID, BaseURL: DefaultExplorerBaseURL, Enabled: true}
		}
		if o.BaseURL != "" {
			cfg.BaseURL = o.BaseURL
		}
		if o.APIKey != "" {
			cfg.APIKey = o.APIKey
		}
		if o.Enabled != nil {
			cfg.Enabled = *o.Enabled
		}
		r[o.ChainID] = cfg
	}
	return nil
}

// loadExplorerRegistry builds the default table and applies the overrides file when present
func loadExplorerRegistry(cfg ExplorerSettings) (ExplorerRegistry, error) {
	registry := DefaultExplorerRegistry(cfg.BaseURL, cfg.APIKey)
	if cfg.OverridesFile == "" {
		return registry, nil
	}

	data, err := os.ReadFile(cfg.OverridesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read explorers file: %w", err)
	}
	if err := registry.ApplyExplorerOverrides(data); err != nil {
		return nil, err
	}
	return registry, nil
}
