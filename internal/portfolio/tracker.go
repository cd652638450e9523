package portfolio

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wallet-dashboard/internal/logging"
	"github.com/wallet-dashboard/internal/metrics"
	"github.com/wallet-dashboard/internal/types"
)

// ErrSuperseded is returned by a cycle whose result was discarded because a
// newer cycle was started before it finished
var ErrSuperseded = errors.New("portfolio cycle superseded")

// Snapshot is an immutable, fully valued portfolio
type Snapshot struct {
	Wallet        Wallet          `json:"wallet"`
	Tokens        []types.Token   `json:"tokens"`
	TotalValue    decimal.Decimal `json:"totalValue"`
	NativeBalance *big.Int        `json:"nativeBalance,omitempty"`
	Generation    uint64          `json:"generation"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Age returns how long ago the snapshot was committed
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.UpdatedAt)
}

// Builder runs aggregation cycles
type Builder interface {
	Build(ctx context.Context, w Wallet) (Result, error)
	NativeBalance(ctx context.Context, w Wallet) (*big.Int, error)
}

// Tracker owns the published snapshot for one wallet connection.
// Every cycle takes a generation number when it starts and only commits if
// that number is still the latest, so the last triggered cycle wins.
type Tracker struct {
	builder Builder
	metrics *metrics.Metrics
	logger  *logging.Logger
	now     func() time.Time

	mu         sync.Mutex
	wallet     Wallet
	lastNative *big.Int
	onCommit   func(*Snapshot)

	gen     atomic.Uint64
	current atomic.Pointer[Snapshot]
}

// TrackerOption customizes a Tracker
type TrackerOption func(*Tracker)

// WithTrackerMetrics records cycle outcomes
func WithTrackerMetrics(m *metrics.Metrics) TrackerOption {
	return func(t *Tracker) { t.metrics = m }
}

// WithTrackerLogger sets the tracker's logger
func WithTrackerLogger(l *logging.Logger) TrackerOption {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// OnCommit registers a callback run after each committed snapshot
func OnCommit(fn func(*Snapshot)) TrackerOption {
	return func(t *Tracker) { t.onCommit = fn }
}

// NewTracker creates a tracker for w
func NewTracker(b Builder, w Wallet, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		builder: b,
		wallet:  w,
		logger:  logging.GetGlobalLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.Named("tracker")
	return t
}

// Wallet returns the wallet the tracker currently follows
func (t *Tracker) Wallet() Wallet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wallet
}

// SetWallet switches the tracked connection. It reports whether anything
// changed; on change every in-flight cycle is superseded and the previous
// snapshot stops being served.
func (t *Tracker) SetWallet(w Wallet) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w.Key() == t.wallet.Key() && w.Connected == t.wallet.Connected {
		return false
	}
	t.wallet = w
	t.lastNative = nil
	t.gen.Add(1)
	return true
}

// Snapshot returns the latest committed snapshot for the current wallet, or nil
func (t *Tracker) Snapshot() *Snapshot {
	snap := t.current.Load()
	if snap == nil {
		return nil
	}
	if snap.Wallet.Key() != t.Wallet().Key() {
		return nil
	}
	return snap
}

// Fresh returns the current snapshot when it is younger than staleTime
func (t *Tracker) Fresh(staleTime time.Duration) (*Snapshot, bool) {
	snap := t.Snapshot()
	if snap == nil || snap.Age(t.now()) >= staleTime {
		return snap, false
	}
	return snap, true
}

// Seed publishes a snapshot obtained elsewhere, such as a shared cache,
// unless a newer one is already in place
func (t *Tracker) Seed(snap *Snapshot) {
	if snap == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if snap.Wallet.Key() != t.wallet.Key() {
		return
	}
	if cur := t.current.Load(); cur != nil && !cur.UpdatedAt.Before(snap.UpdatedAt) {
		return
	}
	t.current.Store(snap)
	if t.lastNative == nil && snap.NativeBalance != nil {
		t.lastNative = new(big.Int).Set(snap.NativeBalance)
	}
}

// Refresh runs one cycle and commits it if no newer cycle started meanwhile
func (t *Tracker) Refresh(ctx context.Context) (*Snapshot, error) {
	t.mu.Lock()
	w := t.wallet
	gen := t.gen.Add(1)
	t.mu.Unlock()

	started := t.now()
	res, err := t.builder.Build(ctx, w)
	if err != nil {
		t.metrics.ObserveCycle("error", started)
		return nil, err
	}

	snap := &Snapshot{
		Wallet:        w,
		Tokens:        res.Tokens,
		TotalValue:    types.TotalValue(res.Tokens),
		NativeBalance: res.NativeBalance,
		Generation:    gen,
		UpdatedAt:     t.now(),
	}

	t.mu.Lock()
	if t.gen.Load() != gen {
		t.mu.Unlock()
		t.metrics.ObserveCycle("superseded", started)
		return nil, ErrSuperseded
	}
	t.current.Store(snap)
	t.lastNative = res.NativeBalance
	onCommit := t.onCommit
	t.mu.Unlock()

	t.metrics.ObserveCycle("committed", started)
	if onCommit != nil {
		onCommit(snap)
	}
	return snap, nil
}

// PollNative reads the native balance and runs a cycle when it moved since
// the last committed one. It reports whether a cycle was triggered.
func (t *Tracker) PollNative(ctx context.Context) (bool, error) {
	w := t.Wallet()
	if !w.Ready() {
		return false, nil
	}

	bal, err := t.builder.NativeBalance(ctx, w)
	if err != nil {
		return false, err
	}

	if !t.NativeMoved(bal) {
		return false, nil
	}

	_, err = t.Refresh(ctx)
	return true, err
}

// NativeMoved reports whether bal differs from the native balance of the
// last committed cycle. Before the first commit every balance counts as moved.
func (t *Tracker) NativeMoved(bal *big.Int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastNative == nil || bal == nil {
		return true
	}
	return t.lastNative.Cmp(bal) != 0
}

// Run refreshes immediately, then on every refresh tick and whenever the
// native balance changes, until ctx is done
func (t *Tracker) Run(ctx context.Context, refreshInterval, nativePoll time.Duration) {
	t.refreshLogged(ctx)

	refresh := time.NewTicker(refreshInterval)
	defer refresh.Stop()
	poll := time.NewTicker(nativePoll)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			t.refreshLogged(ctx)
		case <-poll.C:
			if _, err := t.PollNative(ctx); err != nil && !errors.Is(err, ErrSuperseded) && ctx.Err() == nil {
				t.logger.WithError(err).Warn("Native balance poll failed")
			}
		}
	}
}

func (t *Tracker) refreshLogged(ctx context.Context) {
	_, err := t.Refresh(ctx)
	switch {
	case err == nil, ctx.Err() != nil:
	case errors.Is(err, ErrSuperseded):
		t.logger.Debug("Cycle superseded by a newer one")
	default:
		t.logger.WithError(err).Warn("Portfolio refresh failed")
	}
}
