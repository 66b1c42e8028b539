package alert

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caasmo/threatguard/cache"
	"github.com/caasmo/threatguard/config"
	"github.com/caasmo/threatguard/notify"
)

// Counters are cumulative dispatcher statistics.
type Counters struct {
	Sent       uint64 `json:"sent"`
	Failed     uint64 `json:"failed"`
	Dropped    uint64 `json:"dropped"`
	Suppressed uint64 `json:"suppressed"`
}

// Dispatcher delivers alerts in the background. Dispatch never blocks the
// caller: alerts go to a bounded queue consumed by a single worker, and are
// dropped when the queue is full. Repeat alerts for the same client inside
// the cool-down are suppressed.
type Dispatcher struct {
	cfg      config.Alert
	notifier notify.Notifier
	cooldown cache.Cache[string, time.Time]
	logger   *slog.Logger

	queue        chan Alert
	ctx          context.Context
	cancel       context.CancelFunc
	started      atomic.Bool
	shutdownDone chan struct{}

	// mu orders enqueues before Stop: once stopped is set under the write
	// lock no alert can enter the queue after the worker drained it.
	mu      sync.RWMutex
	stopped bool

	sent       atomic.Uint64
	failed     atomic.Uint64
	dropped    atomic.Uint64
	suppressed atomic.Uint64
}

// NewDispatcher creates a dispatcher. cooldown may be nil, which disables
// suppression of repeat alerts.
func NewDispatcher(cfg config.Alert, notifier notify.Notifier, cooldown cache.Cache[string, time.Time], logger *slog.Logger) *Dispatcher {
	if notifier == nil {
		panic("alert: notifier cannot be nil")
	}
	if logger == nil {
		panic("alert: logger cannot be nil")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.SendTimeout.Duration <= 0 {
		cfg.SendTimeout.Duration = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:          cfg,
		notifier:     notifier,
		cooldown:     cooldown,
		logger:       logger.With("component", "alert"),
		queue:        make(chan Alert, cfg.QueueSize),
		ctx:          ctx,
		cancel:       cancel,
		shutdownDone: make(chan struct{}),
	}
}

// Dispatch enqueues a. It returns false when the alert was dropped.
func (d *Dispatcher) Dispatch(a Alert) bool {
	a.Normalize()

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		d.dropped.Add(1)
		return false
	}
	select {
	case d.queue <- a:
		return true
	default:
		d.dropped.Add(1)
		d.logger.Warn("alert queue full, dropping alert", "client", a.ClientID, "queue_size", cap(d.queue))
		return false
	}
}

// Name identifies the dispatcher in server logs.
func (d *Dispatcher) Name() string { return "alert-dispatcher" }

// Start launches the worker goroutine. Calling Start twice is a no-op.
func (d *Dispatcher) Start() error {
	if !d.started.CompareAndSwap(false, true) {
		return nil
	}
	go func() {
		d.logger.Info("starting alert dispatcher", "queue_size", cap(d.queue), "cooldown", d.cfg.Cooldown.Duration)
		defer close(d.shutdownDone)
		for {
			select {
			case <-d.ctx.Done():
				d.drain()
				return
			case a := <-d.queue:
				d.deliver(a)
			}
		}
	}()
	return nil
}

// drain delivers whatever was queued before shutdown.
func (d *Dispatcher) drain() {
	for {
		select {
		case a := <-d.queue:
			d.deliver(a)
		default:
			return
		}
	}
}

// Stop stops accepting alerts, delivers the queued ones and waits for the
// worker, or for ctx, whichever comes first.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.logger.Info("stopping alert dispatcher")
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.cancel()
	if !d.started.Load() {
		return nil
	}

	select {
	case <-d.shutdownDone:
		d.logger.Info("alert dispatcher stopped gracefully")
		return nil
	case <-ctx.Done():
		d.logger.Info("alert dispatcher shutdown timed out")
		return ctx.Err()
	}
}

func (d *Dispatcher) deliver(a Alert) {
	if d.coolingDown(a.ClientID) {
		d.suppressed.Add(1)
		d.logger.Debug("alert suppressed by cooldown", "client", a.ClientID)
		return
	}

	n := a.Notification(d.cfg.Source)
	d.logger.Warn("security alert",
		"client", a.ClientID,
		"severity", a.Severity,
		"score", a.Score,
		"block_duration", a.BlockDuration,
		"reason", a.Reason,
		"path", a.Path)

	// Sends are not tied to d.ctx so queued alerts still go out while stopping.
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout.Duration)
	defer cancel()
	if err := d.notifier.Send(ctx, n); err != nil {
		d.failed.Add(1)
		d.logger.Error("failed to send alert", "client", a.ClientID, "err", err)
		return
	}
	d.sent.Add(1)
}

// coolingDown reports whether an alert for clientID went out within the
// cool-down, and starts a new one otherwise. Only the worker calls it.
func (d *Dispatcher) coolingDown(clientID string) bool {
	if d.cooldown == nil || d.cfg.Cooldown.Duration <= 0 {
		return false
	}
	if _, found := d.cooldown.Get(clientID); found {
		return true
	}
	d.cooldown.SetWithTTL(clientID, time.Now(), 1, d.cfg.Cooldown.Duration)
	d.cooldown.Wait()
	return false
}

// Counters returns a snapshot of the dispatcher statistics.
func (d *Dispatcher) Counters() Counters {
	return Counters{
		Sent:       d.sent.Load(),
		Failed:     d.failed.Load(),
		Dropped:    d.dropped.Load(),
		Suppressed: d.suppressed.Load(),
	}
}
