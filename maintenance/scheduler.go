package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/caasmo/threatguard/config"
)

var ErrInvalidInterval = errors.New("maintenance: interval must be positive")

// ExpiredRemover drops lapsed blocks. Implemented by ledger.Ledger.
type ExpiredRemover interface {
	RemoveExpired() int
}

// IdleEvictor forgets clients without recent activity. Implemented by
// activity.Tracker.
type IdleEvictor interface {
	EvictIdle(maxIdle time.Duration) int
}

// Result reports what one sweep removed.
type Result struct {
	ExpiredBlocks int `json:"expired_blocks"`
	IdleClients   int `json:"idle_clients"`
}

// Scheduler periodically removes expired blocks and idle activity.
type Scheduler struct {
	cfg     config.Maintenance
	ledger  ExpiredRemover
	tracker IdleEvictor
	logger  *slog.Logger

	ctx          context.Context
	cancel       context.CancelFunc
	started      atomic.Bool
	shutdownDone chan struct{}
	sweeps       atomic.Uint64
}

func NewScheduler(cfg config.Maintenance, ledger ExpiredRemover, tracker IdleEvictor, logger *slog.Logger) *Scheduler {
	if ledger == nil || tracker == nil {
		panic("maintenance: ledger and tracker are required")
	}
	if logger == nil {
		panic("maintenance: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:          cfg,
		ledger:       ledger,
		tracker:      tracker,
		logger:       logger.With("component", "maintenance"),
		ctx:          ctx,
		cancel:       cancel,
		shutdownDone: make(chan struct{}),
	}
}

// Sweep runs one maintenance pass synchronously.
func (s *Scheduler) Sweep() Result {
	r := Result{
		ExpiredBlocks: s.ledger.RemoveExpired(),
		IdleClients:   s.tracker.EvictIdle(s.cfg.IdleTimeout.Duration),
	}
	s.sweeps.Add(1)
	if r.ExpiredBlocks > 0 || r.IdleClients > 0 {
		s.logger.Info("maintenance sweep", "expired_blocks", r.ExpiredBlocks, "idle_clients", r.IdleClients)
	} else {
		s.logger.Debug("maintenance sweep, nothing to remove")
	}
	return r
}

// Sweeps returns the number of completed sweeps.
func (s *Scheduler) Sweeps() uint64 {
	return s.sweeps.Load()
}

// Name identifies the scheduler in server logs.
func (s *Scheduler) Name() string { return "maintenance-scheduler" }

// Start launches the ticker goroutine.
func (s *Scheduler) Start() error {
	if s.cfg.Interval.Duration <= 0 {
		return ErrInvalidInterval
	}
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	go func() {
		defer close(s.shutdownDone)
		s.logger.Info("starting maintenance scheduler", "interval", s.cfg.Interval.Duration, "idle_timeout", s.cfg.IdleTimeout.Duration)
		ticker := time.NewTicker(s.cfg.Interval.Duration)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				s.logger.Info("maintenance scheduler received shutdown signal")
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
	return nil
}

// Stop signals the scheduler to stop and waits for the running sweep to
// finish or the context to be canceled, whichever comes first.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.logger.Info("stopping maintenance scheduler")
	s.cancel()
	if !s.started.Load() {
		return nil
	}

	select {
	case <-s.shutdownDone:
		s.logger.Info("maintenance scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Info("maintenance scheduler shutdown timed out")
		return ctx.Err()
	}
}
