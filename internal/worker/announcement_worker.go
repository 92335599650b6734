package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"matebot/internal/amqp"
	"matebot/internal/cache"
	"matebot/internal/core"
	applog "matebot/internal/log"
	"matebot/internal/metrics"
	"matebot/internal/notify"
	"matebot/internal/sheets"
)

// NameResolver maps user ids to display names.
type NameResolver interface {
	Names(ctx context.Context, ids ...int64) core.Names
}

// AnnouncementWorker handles announcements consumed from AMQP: every
// transaction is mirrored as a sheet row and the announcement is forwarded
// to the application callbacks.
type AnnouncementWorker struct {
	mirror    sheets.TransactionMirror
	names     NameResolver
	callbacks notify.Announcer
	metrics   *metrics.Metrics
	logger    *applog.Logger
	done      *cache.LRU[uuid.UUID, struct{}]
}

// NewAnnouncementWorker creates a worker. mirror and callbacks may be nil to
// skip that delivery.
func NewAnnouncementWorker(mirror sheets.TransactionMirror, names NameResolver, callbacks notify.Announcer, m *metrics.Metrics, logger *applog.Logger) *AnnouncementWorker {
	return &AnnouncementWorker{
		mirror:    mirror,
		names:     names,
		callbacks: callbacks,
		metrics:   m,
		logger:    logger.WithComponent(applog.ComponentWorker),
		done:      cache.NewLRU[uuid.UUID, struct{}](4096, 24*time.Hour),
	}
}

// Processed exposes the handled-announcement cache for the janitor.
func (w *AnnouncementWorker) Processed() cache.Cleaner {
	return w.done
}

// HandleAnnouncement processes a single announcement message from AMQP.
// Redeliveries of a handled announcement are dropped and rows already in
// the sheet are not written twice, so a requeue after a partial failure
// only repeats the missing work.
func (w *AnnouncementWorker) HandleAnnouncement(ctx context.Context, msg *amqp.AnnouncementMessage) error {
	a := msg.Announcement
	if _, ok := w.done.Get(a.ID); ok {
		w.logger.DebugContext(ctx, "Skipping handled announcement", applog.FieldAnnouncement, a.ID.String())
		return nil
	}

	w.logger.InfoContext(ctx, "Processing announcement",
		applog.FieldAnnouncement, a.ID.String(),
		applog.FieldOperationID, a.OperationID,
		applog.FieldTxCount, len(a.Transactions),
		applog.FieldAttempt, msg.Attempt)

	if err := w.mirrorTransactions(ctx, a); err != nil {
		return fmt.Errorf("mirror transactions: %w", err)
	}
	if w.callbacks != nil {
		if err := w.callbacks.Announce(ctx, a); err != nil {
			return fmt.Errorf("deliver callbacks: %w", err)
		}
	}

	w.done.Set(a.ID, struct{}{})
	w.metrics.IncAnnouncementSynced()
	w.logger.InfoContext(ctx, "Successfully processed announcement",
		applog.FieldAnnouncement, a.ID.String(),
		applog.FieldOperationID, a.OperationID)
	return nil
}

type monthKey struct {
	year  int
	month time.Month
}

func (w *AnnouncementWorker) mirrorTransactions(ctx context.Context, a notify.Announcement) error {
	if w.mirror == nil || len(a.Transactions) == 0 {
		return nil
	}

	ids := make([]int64, 0, 2*len(a.Transactions))
	for _, t := range a.Transactions {
		ids = append(ids, t.Sender, t.Receiver)
	}
	names := w.names.Names(ctx, ids...)

	existing := make(map[monthKey]map[int64]bool)
	written := 0
	for _, t := range a.Transactions {
		date := t.CreatedAt.UTC()
		if date.IsZero() {
			date = a.CreatedAt.UTC()
		}
		key := monthKey{date.Year(), date.Month()}
		seen, ok := existing[key]
		if !ok {
			var err error
			seen, err = w.listMonth(ctx, key)
			if err != nil {
				return err
			}
			existing[key] = seen
		}
		if seen[t.ID] {
			continue
		}

		row := sheets.TransactionRow{
			TransactionID: t.ID,
			OperationID:   a.OperationID,
			Date:          date,
			Sender:        nameOf(names, t.Sender),
			Receiver:      nameOf(names, t.Receiver),
			Amount:        core.Money{Cents: t.Amount},
			Reason:        t.Reason,
			Type:          t.Type,
		}
		ref, err := w.mirror.Append(ctx, row)
		if err != nil {
			return fmt.Errorf("append transaction %d: %w", t.ID, err)
		}
		seen[t.ID] = true
		written++
		w.logger.DebugContext(ctx, "Mirrored transaction",
			"transaction_id", t.ID,
			"sheets_ref", ref,
			applog.FieldAmountCents, t.Amount)
	}

	if written > 0 {
		w.logger.InfoContext(ctx, "Transactions mirrored",
			applog.FieldOperationID, a.OperationID,
			"written", written,
			"skipped", len(a.Transactions)-written)
	}
	return nil
}

func (w *AnnouncementWorker) listMonth(ctx context.Context, key monthKey) (map[int64]bool, error) {
	rows, err := w.mirror.ListTransactions(ctx, key.year, int(key.month))
	if err != nil {
		return nil, fmt.Errorf("list %d-%02d: %w", key.year, key.month, err)
	}
	seen := make(map[int64]bool, len(rows))
	for _, r := range rows {
		seen[r.TransactionID] = true
	}
	return seen, nil
}

func nameOf(names core.Names, id int64) string {
	if n, ok := names[id]; ok {
		return n
	}
	return fmt.Sprintf("user#%d", id)
}
