package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Outbox is the durable queue of confirmations waiting to be published.
type Outbox interface {
	PendingConfirmations(ctx context.Context, limit int) ([]Confirmation, error)
	MarkSent(ctx context.Context, localIDs []string) error
	// MarkAttempt records a failed publish; rows reaching maxAttempts become FAILED.
	MarkAttempt(ctx context.Context, localIDs []string, maxAttempts int, reason string) error
}

type Report struct {
	Sent   int
	Failed int
}

// Syncer drains the outbox to a Publisher. It never touches the recognition state.
type Syncer struct {
	outbox    Outbox
	pub       Publisher
	interval  time.Duration
	batchSize int
	log       *slog.Logger
}

func NewSyncer(outbox Outbox, pub Publisher, interval time.Duration, batchSize int, log *slog.Logger) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Syncer{
		outbox:    outbox,
		pub:       pub,
		interval:  interval,
		batchSize: batchSize,
		log:       log.With("component", "syncer"),
	}
}

// Run syncs immediately and then on every tick until ctx is done.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if r, err := s.SyncOnce(ctx); err != nil {
			s.log.Warn("sync failed", "err", err)
		} else if r.Sent+r.Failed > 0 {
			s.log.Info("sync finished", "sent", r.Sent, "failed", r.Failed)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SyncOnce publishes one batch of pending confirmations, one message per session.
func (s *Syncer) SyncOnce(ctx context.Context) (Report, error) {
	var r Report
	pending, err := s.outbox.PendingConfirmations(ctx, s.batchSize)
	if err != nil {
		return r, fmt.Errorf("failed to read outbox: %w", err)
	}
	if len(pending) == 0 {
		return r, nil
	}

	var order []string
	bySession := make(map[string][]Confirmation)
	for _, c := range pending {
		if _, ok := bySession[c.SessionID]; !ok {
			order = append(order, c.SessionID)
		}
		bySession[c.SessionID] = append(bySession[c.SessionID], c)
	}

	for _, sessionID := range order {
		items := bySession[sessionID]
		ids := make([]string, len(items))
		for i, c := range items {
			ids[i] = c.LocalID
		}

		if err := s.pub.Publish(ctx, sessionID, items); err != nil {
			s.log.Warn("publish failed", "session", sessionID, "items", len(items), "err", err)
			if merr := s.outbox.MarkAttempt(ctx, ids, MaxAttempts, err.Error()); merr != nil {
				return r, fmt.Errorf("failed to record attempt: %w", merr)
			}
			r.Failed += len(items)
			continue
		}
		if err := s.outbox.MarkSent(ctx, ids); err != nil {
			// Published but not marked; the next run republishes and receivers drop the duplicates.
			return r, fmt.Errorf("failed to mark sent: %w", err)
		}
		r.Sent += len(items)
	}
	return r, nil
}
