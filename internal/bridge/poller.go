package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Poller drives periodic state refreshes and slower inventory re-syncs.
// The cloud has no push channel, so polling is the only change source
// besides our own command echoes.
type Poller struct {
	bridge       *Bridge
	logger       *slog.Logger
	pollInterval time.Duration
	syncInterval time.Duration

	refreshCh chan struct{}
	syncCh    chan struct{}
	wg        sync.WaitGroup
}

// NewPoller creates a poller.
func NewPoller(b *Bridge, pollInterval, syncInterval time.Duration) *Poller {
	return &Poller{
		bridge:       b,
		logger:       b.logger.With("component", "poller"),
		pollInterval: pollInterval,
		syncInterval: syncInterval,
		refreshCh:    make(chan struct{}, 1),
		syncCh:       make(chan struct{}, 1),
	}
}

// Start launches the poll loop. It runs until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop waits for the poll loop to exit.
func (p *Poller) Stop() {
	p.wg.Wait()
}

// RequestRefresh queues an immediate state refresh pass. Non-blocking;
// requests coalesce while a pass is pending.
func (p *Poller) RequestRefresh() {
	select {
	case p.refreshCh <- struct{}{}:
	default:
	}
}

// RequestSync queues an immediate inventory re-sync.
func (p *Poller) RequestSync() {
	select {
	case p.syncCh <- struct{}{}:
	default:
	}
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	pollTicker := time.NewTicker(p.pollInterval)
	defer pollTicker.Stop()
	syncTicker := time.NewTicker(p.syncInterval)
	defer syncTicker.Stop()

	p.logger.Info("poller started", "poll_interval", p.pollInterval, "sync_interval", p.syncInterval)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return
		case <-pollTicker.C:
			p.refreshPass(ctx)
		case <-p.refreshCh:
			p.refreshPass(ctx)
		case <-syncTicker.C:
			p.syncPass(ctx)
		case <-p.syncCh:
			p.syncPass(ctx)
		}
	}
}

func (p *Poller) refreshPass(ctx context.Context) {
	start := time.Now()
	failed := p.bridge.Devices().RefreshAll(ctx)
	if failed > 0 {
		p.logger.Warn("refresh pass had failures", "failed", failed, "took", time.Since(start).Round(time.Millisecond))
		return
	}
	p.logger.Debug("refresh pass complete", "took", time.Since(start).Round(time.Millisecond))
}

func (p *Poller) syncPass(ctx context.Context) {
	if err := p.bridge.Devices().Sync(ctx); err != nil {
		p.logger.Error("inventory sync failed", "err", err)
	}
}
