package chain

import (
	"context"
	"fmt"
	"sort"

	"github.com/wallet-dashboard/internal/config"
	"github.com/wallet-dashboard/internal/types"
)

// Registry holds one Reader per configured chain
type Registry struct {
	readers map[types.ChainID]*Reader
	closers []func()
}

// NewRegistry builds a registry from already-constructed readers
func NewRegistry(readers ...*Reader) *Registry {
	r := &Registry{readers: make(map[types.ChainID]*Reader, len(readers))}
	for _, reader := range readers {
		r.readers[reader.ChainID()] = reader
	}
	return r
}

// DialRegistry connects to every chain with a primary RPC URL.
// Chains without one are left out.
func DialRegistry(ctx context.Context, chains config.ChainsConfig, opts ...ReaderOption) (*Registry, error) {
	r := &Registry{readers: make(map[types.ChainID]*Reader)}
	for chainID, cc := range chains.Chains {
		if cc.RPCPrimary == "" {
			continue
		}
		backend, err := Dial(ctx, cc.RPCPrimary, cc.RPCSecondary)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("chain %s: %w", cc.Network.Name, err)
		}
		r.readers[chainID] = NewReader(chainID, backend, opts...)
		r.closers = append(r.closers, backend.Close)
	}
	return r, nil
}

// Reader returns the reader for chainID
func (r *Registry) Reader(chainID types.ChainID) (*Reader, bool) {
	reader, ok := r.readers[chainID]
	return reader, ok
}

// ChainIDs lists the chains with a reader, ascending
func (r *Registry) ChainIDs() []types.ChainID {
	ids := make([]types.ChainID, 0, len(r.readers))
	for id := range r.readers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close releases every node connection
func (r *Registry) Close() {
	for _, closeFn := range r.closers {
		closeFn()
	}
}
