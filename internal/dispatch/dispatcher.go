// Package dispatch delivers committed lifecycle events to subscribers. It runs
// strictly after the record write; nothing a subscriber does can change the
// record that produced the event.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lumenpay/lumenpay/internal/domain/event"
	"github.com/lumenpay/lumenpay/internal/metrics"
)

const (
	DefaultQueueSize       = 1024
	DefaultDeliveryTimeout = 10 * time.Second
)

// Subscriber handles one event. Returned errors are logged and counted.
type Subscriber interface {
	Name() string
	Handle(ctx context.Context, ev event.Lifecycle) error
}

type Config struct {
	QueueSize       int
	DeliveryTimeout time.Duration
}

// Dispatcher fans events out to subscribers, each behind its own queue and
// worker so a slow subscriber cannot stall another.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger
	lanes  []*lane

	// mu orders Publish against shutdown: once closed is closed under the
	// write lock, no event can reach a lane the workers already drained.
	mu      sync.RWMutex
	closed  chan struct{}
	stopped bool
}

type lane struct {
	sub   Subscriber
	queue chan event.Lifecycle
}

func New(cfg Config, logger *slog.Logger, subs ...Subscriber) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultDeliveryTimeout
	}
	d := &Dispatcher{
		cfg:    cfg,
		logger: logger.With("component", "dispatch"),
		closed: make(chan struct{}),
	}
	for _, s := range subs {
		d.lanes = append(d.lanes, &lane{sub: s, queue: make(chan event.Lifecycle, cfg.QueueSize)})
	}
	return d
}

// Publish enqueues ev for every subscriber without blocking. A full lane
// drops the event for that subscriber only.
func (d *Dispatcher) Publish(ev event.Lifecycle) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		metrics.DispatchDropped.WithLabelValues(string(ev.Kind)).Inc()
		d.logger.Debug("dispatcher stopped, event dropped", "kind", ev.Kind, "record_id", ev.RecordID)
		return
	}
	for _, l := range d.lanes {
		select {
		case l.queue <- ev:
		default:
			metrics.DispatchDropped.WithLabelValues(string(ev.Kind)).Inc()
			d.logger.Warn("dispatch queue full, event dropped",
				"subscriber", l.sub.Name(),
				"kind", ev.Kind,
				"record_id", ev.RecordID,
			)
		}
	}
}

// Run starts one worker per subscriber and blocks until ctx is cancelled.
// Events already queued are drained before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, l := range d.lanes {
		wg.Add(1)
		go func(l *lane) {
			defer wg.Done()
			d.work(ctx, l)
		}(l)
	}
	d.logger.Info("dispatcher started", "subscribers", len(d.lanes))

	<-ctx.Done()
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.closed)
	}
	d.mu.Unlock()
	wg.Wait()
	d.logger.Info("dispatcher stopped")
	return ctx.Err()
}

func (d *Dispatcher) work(ctx context.Context, l *lane) {
	for {
		select {
		case ev := <-l.queue:
			d.deliver(context.WithoutCancel(ctx), l.sub, ev)
		case <-d.closed:
			for {
				select {
				case ev := <-l.queue:
					d.deliver(context.WithoutCancel(ctx), l.sub, ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sub Subscriber, ev event.Lifecycle) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()

	err := safeHandle(ctx, sub, ev)
	if err != nil {
		metrics.DispatchDeliveriesTotal.WithLabelValues(sub.Name(), "failed").Inc()
		d.logger.Warn("event delivery failed",
			"subscriber", sub.Name(),
			"kind", ev.Kind,
			"record_id", ev.RecordID,
			"error", err,
		)
		return
	}
	metrics.DispatchDeliveriesTotal.WithLabelValues(sub.Name(), "ok").Inc()
}

func safeHandle(ctx context.Context, sub Subscriber, ev event.Lifecycle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber %s panicked: %v", sub.Name(), r)
		}
	}()
	return sub.Handle(ctx, ev)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc struct {
	Label string
	Fn    func(ctx context.Context, ev event.Lifecycle) error
}

func (f SubscriberFunc) Name() string { return f.Label }

func (f SubscriberFunc) Handle(ctx context.Context, ev event.Lifecycle) error {
	return f.Fn(ctx, ev)
}
