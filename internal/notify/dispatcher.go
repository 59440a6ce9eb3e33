package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/pitabwire/assetflow/internal/observability"
	"github.com/pitabwire/assetflow/model"
)

// Notification results used as the "result" metric label.
const (
	ResultDelivered = "delivered"
	ResultFailed    = "failed"
	ResultDropped   = "dropped"
)

// Options tunes a Dispatcher.
type Options struct {
	Workers        int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// BreakerThreshold is the number of consecutive failed events after
	// which deliveries are dropped without trying the sink. Zero disables
	// the breaker.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func (o *Options) defaults() {
	if o.Workers < 1 {
		o.Workers = 16
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 4
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 200 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Second
	}
}

// Dispatcher hands events to a sink on a bounded worker pool. Dispatch never
// blocks and never fails: events that cannot be scheduled or delivered are
// logged and counted.
type Dispatcher struct {
	sink    Sink
	pool    *ants.Pool
	breaker *breaker
	opts    Options
	metrics *observability.Metrics
	logger  *zap.Logger

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewDispatcher creates a dispatcher with its own worker pool.
func NewDispatcher(sink Sink, opts Options, metrics *observability.Metrics, logger *zap.Logger) (*Dispatcher, error) {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := ants.NewPool(opts.Workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			logger.Error("notification worker panic", zap.Any("panic", p))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: create worker pool: %w", err)
	}
	d := &Dispatcher{sink: sink, pool: pool, opts: opts, metrics: metrics, logger: logger}
	if opts.BreakerThreshold > 0 {
		d.breaker = newBreaker(opts.BreakerThreshold, 1, opts.BreakerCooldown)
	}
	return d, nil
}

// Dispatch schedules delivery of events. Events without recipients are
// dropped. The request context's cancellation does not reach delivery; its
// trace does.
func (d *Dispatcher) Dispatch(ctx context.Context, events ...model.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	detached := context.WithoutCancel(ctx)
	for _, e := range events {
		if len(e.Recipients) == 0 {
			d.metrics.RecordNotification(string(e.Kind), ResultDropped)
			d.logger.Debug("notification without recipients dropped",
				zap.String("kind", string(e.Kind)), zap.String("asset_id", e.AssetID))
			continue
		}
		if d.closed {
			d.drop(e, errors.New("dispatcher closed"))
			continue
		}

		e := e
		d.wg.Add(1)
		d.metrics.AddNotificationsInFlight(1)
		err := d.pool.Submit(func() {
			defer d.wg.Done()
			defer d.metrics.AddNotificationsInFlight(-1)
			d.deliver(detached, e)
		})
		if err != nil {
			d.wg.Done()
			d.metrics.AddNotificationsInFlight(-1)
			d.drop(e, err)
		}
	}
}

func (d *Dispatcher) drop(e model.Event, err error) {
	d.metrics.RecordNotification(string(e.Kind), ResultDropped)
	d.logger.Warn("notification dropped",
		zap.String("event_id", e.ID),
		zap.String("kind", string(e.Kind)),
		zap.String("asset_id", e.AssetID),
		zap.Error(err),
	)
}

func (d *Dispatcher) deliver(ctx context.Context, e model.Event) {
	if d.breaker != nil {
		if err := d.breaker.Allow(); err != nil {
			d.drop(e, err)
			return
		}
	}

	ctx, span := observability.StartSpan(ctx, "notify.deliver",
		observability.AttrEventKind.String(string(e.Kind)),
		observability.AttrAssetID.String(e.AssetID),
	)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.InitialBackoff
	b.MaxInterval = d.opts.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.opts.MaxAttempts-1)), ctx)

	err := backoff.RetryNotify(
		func() error { return d.sink.Deliver(ctx, e) },
		policy,
		func(err error, wait time.Duration) {
			d.metrics.RecordNotificationRetry()
			d.logger.Debug("notification delivery retry",
				zap.String("event_id", e.ID), zap.Duration("wait", wait), zap.Error(err))
		},
	)
	observability.EndSpanWithError(span, err)
	if d.breaker != nil {
		if err != nil {
			d.breaker.RecordFailure()
		} else {
			d.breaker.RecordSuccess()
		}
	}

	if err != nil {
		d.metrics.RecordNotification(string(e.Kind), ResultFailed)
		d.logger.Warn("notification delivery failed",
			zap.String("event_id", e.ID),
			zap.String("kind", string(e.Kind)),
			zap.String("asset_id", e.AssetID),
			zap.Int("attempts", d.opts.MaxAttempts),
			zap.Error(err),
		)
		return
	}
	d.metrics.RecordNotification(string(e.Kind), ResultDelivered)
	if !e.OccurredAt.IsZero() {
		d.metrics.RecordNotificationDelay(time.Since(e.OccurredAt))
	}
}

// Close stops accepting events and waits for in-flight deliveries until ctx
// ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("notify: drain: %w", ctx.Err())
	}
	d.pool.Release()
	return err
}
