package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"clinicbook/backend/internal/metrics"
)

var (
	ErrQueueFull = errors.New("notification queue is full")
	ErrStopped   = errors.New("notification dispatcher stopped")
)

type DispatcherConfig struct {
	Workers      int
	QueueSize    int
	MaxAttempts  int
	RetryBackoff time.Duration
	SendTimeout  time.Duration
}

// Dispatcher queues events and delivers them from a fixed worker pool.
type Dispatcher struct {
	sender  Sender
	cfg     DispatcherConfig
	logger  *slog.Logger
	metrics *metrics.Collector

	queue chan Event

	mu      sync.RWMutex
	stopped bool
}

func NewDispatcher(sender Sender, cfg DispatcherConfig, logger *slog.Logger, m *metrics.Collector) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sender:  sender,
		cfg:     cfg,
		logger:  logger.With("component", "notify"),
		metrics: m,
		queue:   make(chan Event, cfg.QueueSize),
	}
}

// Notify enqueues ev without waiting for delivery. A full queue drops the
// event and returns ErrQueueFull.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	select {
	case d.queue <- ev:
		d.metrics.SetQueueDepth(len(d.queue))
		return nil
	default:
		d.metrics.NotificationDropped()
		return ErrQueueFull
	}
}

// Run delivers queued events until ctx is cancelled, then drains what is left
// in the queue with a bounded deadline per event.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}
	<-ctx.Done()

	d.mu.Lock()
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	wg.Wait()
	return nil
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case ev, ok := <-d.queue:
			if !ok {
				return
			}
			d.deliver(ctx, ev)
		case <-ctx.Done():
			for ev := range d.queue {
				d.deliver(context.WithoutCancel(ctx), ev)
			}
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	d.metrics.SetQueueDepth(len(d.queue))
	log := d.logger.With("event", ev.Type, "appointment_id", ev.AppointmentID.String())

	var err error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		err = d.sender.Send(sendCtx, ev)
		cancel()
		if err == nil {
			d.metrics.ObserveNotification(string(ev.Type), "delivered")
			return
		}
		log.Warn("notification attempt failed", "attempt", attempt, "error", err)
		if attempt == d.cfg.MaxAttempts {
			break
		}
		if !sleep(ctx, d.cfg.RetryBackoff<<(attempt-1)) {
			break
		}
	}
	d.metrics.ObserveNotification(string(ev.Type), "failed")
	log.Error("notification delivery failed", "attempts", d.cfg.MaxAttempts, "error", err)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
