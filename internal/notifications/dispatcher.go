package notifications

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skillbridge/api/internal/services"
)

var (
	// ErrQueueFull is returned when the dispatcher cannot accept another event.
	ErrQueueFull = errors.New("notifications: queue full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("notifications: dispatcher closed")
)

const (
	defaultQueueSize   = 256
	defaultWorkers     = 2
	defaultSendTimeout = 10 * time.Second
)

// DispatcherOptions tunes the asynchronous fan-out.
type DispatcherOptions struct {
	QueueSize   int
	Workers     int
	SendTimeout time.Duration
	Logger      *zap.Logger
}

// Dispatcher queues notifications and delivers them to every sink on background workers.
// Notify never blocks on delivery.
type Dispatcher struct {
	sinks   []Sink
	queue   chan services.Notification
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

var _ services.Notifier = (*Dispatcher)(nil)

// NewDispatcher starts the workers. Nil sinks are skipped.
func NewDispatcher(opts DispatcherOptions, sinks ...Sink) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	d := &Dispatcher{
		queue:   make(chan services.Notification, opts.QueueSize),
		timeout: opts.SendTimeout,
		logger:  opts.Logger,
	}
	for _, sink := range sinks {
		if sink != nil {
			d.sinks = append(d.sinks, sink)
		}
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// Notify enqueues event for delivery.
func (d *Dispatcher) Notify(_ context.Context, event services.Notification) error {
	if d == nil || len(d.sinks) == 0 {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for queued ones to drain or ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for event := range d.queue {
		for _, sink := range d.sinks {
			d.deliver(sink, event)
		}
	}
}

func (d *Dispatcher) deliver(sink Sink, event services.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := sink.Send(ctx, event); err != nil {
		d.logger.Warn("notification delivery failed",
			zap.String("sink", sink.Name()),
			zap.String("type", event.Type),
			zap.String("orderId", event.OrderID),
			zap.Error(err),
		)
		return
	}
	d.logger.Debug("notification delivered",
		zap.String("sink", sink.Name()),
		zap.String("type", event.Type),
		zap.String("orderId", event.OrderID),
	)
}
