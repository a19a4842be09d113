package store

import (
	"context"
	"log/slog"
	"time"
)

// OutboxSendFunc performs the actual channel send for one queued message.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// Defaults for the outbox sender.
const (
	DefaultOutboxPollInterval   = 2 * time.Second
	DefaultOutboxStaleThreshold = 5 * time.Minute
	DefaultOutboxClaimLimit     = 10
	DefaultOutboxBaseBackoff    = 10 * time.Second
)

// SenderOpts configures an OutboxSender.
type SenderOpts struct {
	PollInterval   time.Duration
	StaleThreshold time.Duration
	ClaimLimit     int
	BaseBackoff    time.Duration
}

// SenderOption configures an OutboxSender.
type SenderOption func(*SenderOpts)

// WithPollInterval sets how often due messages are claimed.
func WithPollInterval(d time.Duration) SenderOption {
	return func(o *SenderOpts) { o.PollInterval = d }
}

// WithStaleThreshold sets how long a message may stay in sending before it is requeued.
func WithStaleThreshold(d time.Duration) SenderOption {
	return func(o *SenderOpts) { o.StaleThreshold = d }
}

// WithClaimLimit sets the batch size of one poll.
func WithClaimLimit(n int) SenderOption {
	return func(o *SenderOpts) { o.ClaimLimit = n }
}

// WithBaseBackoff sets the first retry delay; later retries double it.
func WithBaseBackoff(d time.Duration) SenderOption {
	return func(o *SenderOpts) { o.BaseBackoff = d }
}

// OutboxSender periodically claims due outbox messages and attempts to send them.
type OutboxSender struct {
	repo     OutboxRepo
	sendFunc OutboxSendFunc
	opts     SenderOpts
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, opts ...SenderOption) *OutboxSender {
	o := SenderOpts{
		PollInterval:   DefaultOutboxPollInterval,
		StaleThreshold: DefaultOutboxStaleThreshold,
		ClaimLimit:     DefaultOutboxClaimLimit,
		BaseBackoff:    DefaultOutboxBaseBackoff,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultOutboxPollInterval
	}
	if o.ClaimLimit <= 0 {
		o.ClaimLimit = DefaultOutboxClaimLimit
	}
	return &OutboxSender{repo: repo, sendFunc: sendFunc, opts: o}
}

// RecoverStaleMessages requeues messages stuck in sending state. Call once at startup.
func (s *OutboxSender) RecoverStaleMessages() error {
	n, err := s.repo.RequeueStaleSendingMessages(time.Now().Add(-s.opts.StaleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.opts.PollInterval)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll sends one batch of due messages and returns how many were sent.
func (s *OutboxSender) Poll(ctx context.Context) int {
	now := time.Now()
	msgs, err := s.repo.ClaimDueOutboxMessages(now, s.opts.ClaimLimit)
	if err != nil {
		slog.Error("OutboxSender.Poll: claim failed", "error", err)
		return 0
	}

	sent := 0
	for _, msg := range msgs {
		if err := s.sendFunc(ctx, msg); err != nil {
			next := now.Add(s.backoff(msg.Attempts))
			slog.Warn("OutboxSender.Poll: send failed, rescheduling", "id", msg.ID, "attempts", msg.Attempts+1, "next", next, "error", err)
			if err := s.repo.FailOutboxMessage(msg.ID, err.Error(), next); err != nil {
				slog.Error("OutboxSender.Poll: fail message error", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
			slog.Error("OutboxSender.Poll: mark sent error", "id", msg.ID, "error", err)
			continue
		}
		sent++
		slog.Debug("OutboxSender.Poll: message sent", "id", msg.ID, "recipient", msg.Recipient)
	}
	return sent
}

func (s *OutboxSender) backoff(attempts int) time.Duration {
	if attempts > 10 {
		attempts = 10
	}
	return s.opts.BaseBackoff * time.Duration(1<<attempts)
}
