package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Poller periodically reconciles settlements that are not yet terminal,
// covering clients that stop polling and payout claims left behind by a
// crashed process.
type Poller struct {
	service  *Service
	interval time.Duration
	batch    int
	workers  int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewPoller creates a background reconciler.
func NewPoller(service *Service, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		service:  service,
		interval: interval,
		batch:    200,
		workers:  8,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the poll loop is actively running.
func (p *Poller) Running() bool {
	return p.running.Load()
}

// Start begins the poll loop. Call in a goroutine.
func (p *Poller) Start(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.safeRunOnce(ctx)
		}
	}
}

// Stop signals the poller to stop.
func (p *Poller) Stop() {
	select {
	case p.stop <- struct{}{}:
	default:
	}
}

func (p *Poller) safeRunOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in settlement poller", "panic", fmt.Sprint(r))
		}
	}()
	p.RunOnce(ctx)
}

// RunOnce reconciles one batch of active settlements and returns how many
// were attempted. Individual failures are logged and do not stop the batch.
func (p *Poller) RunOnce(ctx context.Context) int {
	active, err := p.service.store.ListActive(ctx, p.batch)
	if err != nil {
		p.logger.Warn("failed to list active settlements", "error", err)
		return 0
	}
	pollerBatch.Set(float64(len(active)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, st := range active {
		ref := st.Reference
		g.Go(func() error {
			view, err := p.service.Reconcile(gctx, ref)
			switch {
			case err == nil:
				p.logger.Debug("reconciled settlement", "reference_id", ref, "stage", view.Stage)
			case errors.Is(err, ErrGatewayUnavailable):
				p.logger.Debug("gateway unavailable during poll", "reference_id", ref, "error", err)
			default:
				p.logger.Warn("failed to reconcile settlement", "reference_id", ref, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(active)
}
