package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xtrntr/matchbook/internal/logging"
	"github.com/xtrntr/matchbook/internal/metrics"
)

const sendTimeout = 5 * time.Second

// Publisher accepts events once the state change behind them has committed
type Publisher interface {
	Publish(e Event)
}

// Discard is a Publisher that drops everything
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Dispatcher fans events out to every sink from a single goroutine, so sinks
// see events in publish order. Publish never blocks: when the queue is full
// the event is dropped and counted.
type Dispatcher struct {
	log         *logging.Logger
	metrics     *metrics.Metrics
	sinks       []Sink
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time

	mu      sync.RWMutex
	closed  bool
	queue   chan Event
	wg      sync.WaitGroup
	started atomic.Bool
	dropped atomic.Int64
}

// DispatcherOption customises a Dispatcher
type DispatcherOption func(d *Dispatcher)

// WithBackoff sets the base delay between attempts on one sink
func WithBackoff(b time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.backoff = b }
}

func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(log *logging.Logger, bufferSize, maxAttempts int, sinks []Sink, opts ...DispatcherOption) *Dispatcher {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	d := &Dispatcher{
		log:         log.Named("dispatcher"),
		sinks:       sinks,
		maxAttempts: maxAttempts,
		backoff:     100 * time.Millisecond,
		now:         time.Now,
		queue:       make(chan Event, bufferSize),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the delivery goroutine
func (d *Dispatcher) Start() {
	if d.started.Swap(true) {
		return
	}
	d.wg.Add(1)
	go d.run()
}

// Publish queues e for delivery
func (d *Dispatcher) Publish(e Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(e, "dispatcher closed")
		return
	}
	select {
	case d.queue <- e:
	default:
		d.drop(e, "queue full")
	}
}

// Dropped returns how many events were never queued
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting events, delivers what is queued and closes every
// sink.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	if !d.started.Load() {
		d.Start()
	}
	d.wg.Wait()

	var firstErr error
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			d.log.Warn("failed to close sink", zap.String("sink", s.Name()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (d *Dispatcher) drop(e Event, reason string) {
	d.dropped.Add(1)
	d.metrics.EventDropped()
	d.log.Warn("dropping event", zap.String("event", e.Name()), zap.String("reason", reason))
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for e := range d.queue {
		envs, err := Envelopes(e, d.now())
		if err != nil {
			d.log.Error("failed to build envelopes", zap.String("event", e.Name()), zap.Error(err))
			continue
		}
		for _, env := range envs {
			for _, s := range d.sinks {
				d.deliver(s, env)
			}
		}
	}
}

func (d *Dispatcher) deliver(s Sink, env Envelope) {
	var err error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err = s.Send(ctx, env)
		cancel()
		if err == nil {
			d.metrics.EventPublished(s.Name())
			return
		}
		if attempt < d.maxAttempts {
			time.Sleep(d.backoff * time.Duration(attempt))
		}
	}
	d.metrics.EventPublishError(s.Name())
	d.log.Error("failed to publish event",
		zap.String("sink", s.Name()),
		zap.String("id", env.ID),
		zap.String("event", env.Event),
		zap.String("channel", env.Channel),
		zap.Int("attempts", d.maxAttempts),
		zap.Error(err),
	)
}
