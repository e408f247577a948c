// Package notify delivers committed outbox messages to downstream consumers.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"escrowflow/outbox"
)

// Sender delivers a single message. Implementations are expected to be safe
// for concurrent use; messages may be redelivered after a failure, so
// consumers must tolerate duplicates.
type Sender interface {
	Send(ctx context.Context, topic string, payload []byte) error
}

// Dispatcher polls the outbox and fans claimed messages out to workers.
type Dispatcher struct {
	store       *outbox.Store
	sender      Sender
	log         *zap.Logger
	interval    time.Duration
	batchSize   int
	workers     int
	maxAttempts int
}

// Options tunes the dispatcher loop.
type Options struct {
	Interval    time.Duration
	BatchSize   int
	Workers     int
	MaxAttempts int
}

func NewDispatcher(store *outbox.Store, sender Sender, log *zap.Logger, opts Options) *Dispatcher {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	return &Dispatcher{
		store:       store,
		sender:      sender,
		log:         log,
		interval:    opts.Interval,
		batchSize:   opts.BatchSize,
		workers:     opts.Workers,
		maxAttempts: opts.MaxAttempts,
	}
}

// Run polls until ctx is cancelled. Delivery errors are logged and retried;
// only ctx cancellation stops the loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.drain(ctx); err != nil && ctx.Err() == nil {
				d.log.Warn("outbox drain failed", zap.Error(err))
			}
		}
	}
}

// drain claims one batch and delivers it, repeating until the queue is empty.
func (d *Dispatcher) drain(ctx context.Context) error {
	for {
		msgs, err := d.store.ClaimPending(ctx, d.batchSize)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.workers)
		for _, m := range msgs {
			m := m
			g.Go(func() error {
				d.deliver(gctx, m)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if len(msgs) < d.batchSize {
			return nil
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, m outbox.Message) {
	if err := d.sender.Send(ctx, m.Topic, m.Payload); err != nil {
		d.log.Warn("delivery failed",
			zap.String("message_id", m.ID),
			zap.String("topic", m.Topic),
			zap.Int("attempts", m.Attempts),
			zap.Error(err),
		)
		if err := d.store.MarkFailed(ctx, m.ID, d.maxAttempts); err != nil {
			d.log.Error("mark failed", zap.String("message_id", m.ID), zap.Error(err))
		}
		return
	}
	if err := d.store.MarkProcessed(ctx, m.ID); err != nil {
		d.log.Error("mark processed", zap.String("message_id", m.ID), zap.Error(err))
		return
	}
	d.log.Debug("delivered", zap.String("message_id", m.ID), zap.String("topic", m.Topic))
}

// LogSender is the default Sender when no broker is configured; it logs the
// message and reports success.
type LogSender struct {
	Log *zap.Logger
}

func (s *LogSender) Send(ctx context.Context, topic string, payload []byte) error {
	s.Log.Info("event", zap.String("topic", topic), zap.ByteString("payload", payload))
	return nil
}
