package portfolio

import (
	"context"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/wallet-dashboard/internal/config"
	"github.com/wallet-dashboard/internal/logging"
	"github.com/wallet-dashboard/internal/metrics"
	"github.com/wallet-dashboard/internal/ratelimit"
	"github.com/wallet-dashboard/internal/types"
)

const (
	defaultCycleTimeout = 45 * time.Second
	storeTimeout        = 3 * time.Second
)

// SnapshotStore shares committed snapshots between processes
type SnapshotStore interface {
	// Load returns nil, nil on a miss
	Load(ctx context.Context, w Wallet) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
}

// Service keeps one tracker per wallet and serves snapshots under the
// staleness policy. Trackers that are not accessed for IdleTTL are dropped.
type Service struct {
	builder      Builder
	cfg          config.PortfolioConfig
	store        SnapshotStore
	metrics      *metrics.Metrics
	logger       *logging.Logger
	cycleTimeout time.Duration

	trackers *cache.Cache
	group    singleflight.Group
}

// ServiceOption customizes a Service
type ServiceOption func(*Service)

// WithStore shares snapshots through store
func WithStore(store SnapshotStore) ServiceOption {
	return func(s *Service) { s.store = store }
}

// WithServiceMetrics records cycle and tracking metrics
func WithServiceMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithServiceLogger sets the service logger
func WithServiceLogger(l *logging.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCycleTimeout bounds a single refresh cycle
func WithCycleTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.cycleTimeout = d
		}
	}
}

// NewService creates a portfolio service
func NewService(builder Builder, cfg config.PortfolioConfig, opts ...ServiceOption) *Service {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if cfg.LookupConcurrency <= 0 {
		cfg.LookupConcurrency = 8
	}

	s := &Service{
		builder:      builder,
		cfg:          cfg,
		logger:       logging.GetGlobalLogger(),
		cycleTimeout: defaultCycleTimeout,
		trackers:     cache.New(cfg.IdleTTL, cfg.IdleTTL/2),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("portfolio")
	s.trackers.OnEvicted(func(key string, _ interface{}) {
		s.logger.WithField("wallet", key).Debug("Dropped idle wallet")
		s.metrics.SetTrackedWallets(s.trackers.ItemCount())
	})
	return s
}

// GetPortfolio returns the wallet's snapshot, reusing one younger than the
// stale time and running a cycle otherwise
func (s *Service) GetPortfolio(ctx context.Context, w Wallet) (*Snapshot, error) {
	if !w.Ready() {
		return emptySnapshot(w), nil
	}

	t := s.tracker(w)
	if snap, ok := t.Fresh(s.cfg.StaleTime); ok {
		return snap, nil
	}

	if s.store != nil {
		snap, err := s.store.Load(ctx, w)
		if err != nil {
			s.logger.WithError(err).Warn("Snapshot store read failed")
		} else if snap != nil {
			t.Seed(snap)
			if fresh, ok := t.Fresh(s.cfg.StaleTime); ok {
				return fresh, nil
			}
		}
	}

	return s.refresh(ctx, t)
}

// Refresh runs a cycle for the wallet regardless of staleness
func (s *Service) Refresh(ctx context.Context, w Wallet) (*Snapshot, error) {
	if !w.Ready() {
		return emptySnapshot(w), nil
	}
	return s.refresh(ctx, s.tracker(w))
}

// Tracked returns the wallets currently kept warm
func (s *Service) Tracked() []Wallet {
	items := s.trackers.Items()
	wallets := make([]Wallet, 0, len(items))
	for _, item := range items {
		wallets = append(wallets, item.Object.(*Tracker).Wallet())
	}
	return wallets
}

// Run refreshes every tracked wallet on the refresh interval and polls native
// balances on the poll interval until ctx is done
func (s *Service) Run(ctx context.Context) {
	ctx = ratelimit.WithPriority(ctx, ratelimit.PriorityBackground)

	refreshEvery := s.cfg.RefreshInterval
	if refreshEvery <= 0 {
		refreshEvery = time.Minute
	}
	pollEvery := s.cfg.NativePollInterval
	if pollEvery <= 0 {
		pollEvery = 30 * time.Second
	}

	refresh := time.NewTicker(refreshEvery)
	defer refresh.Stop()
	poll := time.NewTicker(pollEvery)
	defer poll.Stop()

	s.logger.WithFields(map[string]interface{}{
		"refreshInterval": refreshEvery.String(),
		"pollInterval":    pollEvery.String(),
	}).Info("Portfolio refresher started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Portfolio refresher stopped")
			return
		case <-refresh.C:
			s.forEachTracker(ctx, func(ctx context.Context, t *Tracker) {
				if _, err := s.refresh(ctx, t); err != nil && ctx.Err() == nil {
					s.logger.WithError(err).WithField("wallet", t.Wallet().Key()).Warn("Background refresh failed")
				}
			})
		case <-poll.C:
			s.forEachTracker(ctx, s.pollNative)
		}
	}
}

func (s *Service) pollNative(ctx context.Context, t *Tracker) {
	w := t.Wallet()
	bal, err := s.builder.NativeBalance(ctx, w)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.WithError(err).WithField("wallet", w.Key()).Debug("Native balance poll failed")
		}
		return
	}
	if !t.NativeMoved(bal) {
		return
	}
	s.logger.WithField("wallet", w.Key()).Debug("Native balance moved, refreshing")
	if _, err := s.refresh(ctx, t); err != nil && ctx.Err() == nil {
		s.logger.WithError(err).WithField("wallet", w.Key()).Warn("Refresh after balance change failed")
	}
}

func (s *Service) forEachTracker(ctx context.Context, fn func(context.Context, *Tracker)) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.LookupConcurrency)
	for _, item := range s.trackers.Items() {
		t := item.Object.(*Tracker)
		g.Go(func() error {
			fn(gctx, t)
			return nil
		})
	}
	_ = g.Wait()
}

// tracker returns the wallet's tracker, creating it on first use and
// extending its idle expiry on every access
func (s *Service) tracker(w Wallet) *Tracker {
	key := w.Key()
	if v, ok := s.trackers.Get(key); ok {
		s.trackers.SetDefault(key, v)
		return v.(*Tracker)
	}

	t := NewTracker(s.builder, w,
		WithTrackerMetrics(s.metrics),
		WithTrackerLogger(s.logger),
		OnCommit(s.save),
	)
	if err := s.trackers.Add(key, t, cache.DefaultExpiration); err != nil {
		// lost a race with a concurrent request for the same wallet
		if v, ok := s.trackers.Get(key); ok {
			return v.(*Tracker)
		}
		s.trackers.SetDefault(key, t)
	}
	s.metrics.SetTrackedWallets(s.trackers.ItemCount())
	return t
}

// refresh collapses concurrent cycles for one wallet. The cycle itself is
// detached from the caller so an abandoned request still populates the cache.
func (s *Service) refresh(ctx context.Context, t *Tracker) (*Snapshot, error) {
	w := t.Wallet()
	ch := s.group.DoChan(w.Key(), func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cycleTimeout)
		defer cancel()
		return t.Refresh(cctx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if errors.Is(res.Err, ErrSuperseded) {
				if snap := t.Snapshot(); snap != nil {
					return snap, nil
				}
			}
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	}
}

func (s *Service) save(snap *Snapshot) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.Save(ctx, snap); err != nil {
		s.logger.WithError(err).WithField("wallet", snap.Wallet.Key()).Warn("Snapshot store write failed")
	}
}

func emptySnapshot(w Wallet) *Snapshot {
	return &Snapshot{
		Wallet:     w,
		Tokens:     []types.Token{},
		TotalValue: decimal.Zero,
		UpdatedAt:  time.Now(),
	}
}
