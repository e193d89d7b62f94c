// Package outbound delivers queued replies through an SMTP relay.
package outbound

import (
	"context"
	"sync"
	"time"

	"github.com/mikey/mail-triage/internal/core"
	"go.uber.org/zap"
)

const batchSize = 50

// DispatcherOptions configures a Dispatcher
type DispatcherOptions struct {
	PollInterval time.Duration
	MaxAttempts  int
}

// Dispatcher periodically relays queued replies and records their delivery state
type Dispatcher struct {
	repo        core.OutboundRepository
	sender      Sender
	interval    time.Duration
	maxAttempts int
	logger      *zap.Logger
	now         func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(repo core.OutboundRepository, sender Sender, opts DispatcherOptions, logger *zap.Logger) *Dispatcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Dispatcher{
		repo:        repo,
		sender:      sender,
		interval:    opts.PollInterval,
		maxAttempts: opts.MaxAttempts,
		logger:      logger,
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the delivery loop
func (d *Dispatcher) Start() error {
	d.wg.Add(1)
	go d.run()
	d.logger.Info("Outbound dispatcher started", zap.Duration("poll_interval", d.interval))
	return nil
}

// Stop stops the delivery loop and waits for an in-flight batch to finish
func (d *Dispatcher) Stop() error {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	d.wg.Wait()
	return nil
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-d.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
			if _, err := d.Flush(ctx); err != nil {
				d.logger.Error("Failed to flush outbound queue", zap.Error(err))
			}
		case <-d.stopCh:
			return
		}
	}
}

// Flush attempts delivery of every queued reply once and returns how many were sent
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	pending, err := d.repo.PendingOutbound(ctx, batchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, msg := range pending {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if d.deliver(ctx, msg) {
			sent++
		}
	}
	return sent, nil
}

func (d *Dispatcher) deliver(ctx context.Context, msg *core.OutboundMessage) bool {
	err := d.sender.Send(ctx, msg)
	msg.Attempts++

	if err == nil {
		sentAt := d.now().UTC()
		msg.Status = core.OutboundSent
		msg.SentAt = &sentAt
		msg.LastError = ""
		d.logger.Info("Reply delivered",
			zap.String("message_id", msg.ID),
			zap.String("email_id", msg.EmailID),
			zap.String("to", msg.To))
	} else {
		msg.LastError = err.Error()
		if msg.Attempts >= d.maxAttempts {
			msg.Status = core.OutboundFailed
			d.logger.Error("Giving up on reply delivery",
				zap.String("message_id", msg.ID),
				zap.Int("attempts", msg.Attempts),
				zap.Error(err))
		} else {
			d.logger.Warn("Reply delivery failed, will retry",
				zap.String("message_id", msg.ID),
				zap.Int("attempts", msg.Attempts),
				zap.Error(err))
		}
	}

	if updateErr := d.repo.UpdateOutbound(ctx, msg); updateErr != nil {
		d.logger.Error("Failed to record delivery state",
			zap.String("message_id", msg.ID),
			zap.Error(updateErr))
	}
	return err == nil
}
