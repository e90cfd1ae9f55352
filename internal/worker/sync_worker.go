package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"finsync/internal/amqp"
	"finsync/internal/core"
	applog "finsync/internal/log"
	"finsync/internal/services"
)

// Syncer runs sync passes.
type Syncer interface {
	SyncKinds(ctx context.Context, userID string, kinds []core.EntityKind) (services.SyncReport, error)
}

// ResultPublisher announces pass outcomes.
type ResultPublisher interface {
	PublishSyncResult(ctx context.Context, msg *amqp.SyncResultMessage) error
}

// SyncWorker turns sync requests from the trigger bus into coordinator passes.
type SyncWorker struct {
	syncer  Syncer
	results ResultPublisher
}

// NewSyncWorker creates a worker. results may be nil.
func NewSyncWorker(syncer Syncer, results ResultPublisher) *SyncWorker {
	return &SyncWorker{
		syncer:  syncer,
		results: results,
	}
}

// HandleSyncRequest runs one pass for the requested user and kinds and
// publishes its result. Failures a redelivery cannot fix (guest mode, a
// missing or expired session, an unknown kind) are wrapped in amqp.ErrReject.
func (w *SyncWorker) HandleSyncRequest(ctx context.Context, msg *amqp.SyncRequestMessage) error {
	kinds, err := msg.EntityKinds()
	if err != nil {
		return fmt.Errorf("%w: %w", amqp.ErrReject, err)
	}

	logger := applog.FromContext(ctx).WithComponent(applog.ComponentWorker)
	logger.InfoContext(ctx, "Processing sync request",
		applog.FieldUserID, msg.UserID,
		applog.FieldReason, msg.Reason,
		"kinds", kinds)

	start := time.Now()
	report, syncErr := w.syncer.SyncKinds(ctx, msg.UserID, kinds)
	result := resultMessage(msg, report, syncErr, time.Since(start))

	if w.results != nil {
		if err := w.results.PublishSyncResult(ctx, result); err != nil {
			logger.WarnContext(ctx, "Failed to publish sync result",
				applog.FieldUserID, msg.UserID,
				applog.FieldError, err)
		}
	}

	switch {
	case syncErr == nil:
		return nil
	case errors.Is(syncErr, core.ErrGuestMode), errors.Is(syncErr, core.ErrAuth):
		return fmt.Errorf("%w: %w", amqp.ErrReject, syncErr)
	default:
		return fmt.Errorf("sync for %s: %w", msg.UserID, syncErr)
	}
}

func resultMessage(req *amqp.SyncRequestMessage, report services.SyncReport, err error, d time.Duration) *amqp.SyncResultMessage {
	totals := report.Totals()
	msg := &amqp.SyncResultMessage{
		UserID:     req.UserID,
		Reason:     req.Reason,
		Synced:     totals.Synced,
		Requeued:   totals.Requeued,
		Failed:     totals.Failed,
		Conflicted: totals.Conflicted,
		Skipped:    totals.Skipped,
		Deleted:    totals.Deleted,
		DurationMs: d.Milliseconds(),
		Timestamp:  time.Now(),
	}
	if err != nil {
		msg.Error = err.Error()
	}
	return msg
}
