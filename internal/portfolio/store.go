package portfolio

import (
	"context"
	"time"

	"github.com/wallet-dashboard/internal/storage"
)

// JSONCache is the subset of storage.CacheService the snapshot store needs
type JSONCache interface {
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
}

// CachedStore keeps snapshots in a JSON cache under per-wallet keys
type CachedStore struct {
	cache JSONCache
	ttl   time.Duration
}

// NewCachedStore creates a snapshot store; ttl bounds how long another
// instance may reuse a snapshot
func NewCachedStore(cache JSONCache, ttl time.Duration) *CachedStore {
	return &CachedStore{cache: cache, ttl: ttl}
}

// Load implements SnapshotStore
func (s *CachedStore) Load(ctx context.Context, w Wallet) (*Snapshot, error) {
	var snap Snapshot
	found, err := s.cache.GetJSON(ctx, storage.GeneratePortfolioKey(w.Address, w.ChainID), &snap)
	if err != nil || !found {
		return nil, err
	}
	return &snap, nil
}

// Save implements SnapshotStore
func (s *CachedStore) Save(ctx context.Context, snap *Snapshot) error {
	return s.cache.SetJSON(ctx, storage.GeneratePortfolioKey(snap.Wallet.Address, snap.Wallet.ChainID), snap, s.ttl)
}
