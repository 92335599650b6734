// Package ledger records zero-sum balance transfers. It is the only writer
// of user balances.
package ledger

import (
	"context"
	"fmt"
	"time"

	"matebot/internal/core"
	applog "matebot/internal/log"
	"matebot/internal/metrics"
	"matebot/internal/storage"
)

// Store is the persistence the ledger needs.
type Store interface {
	storage.LedgerStore
	GetUser(ctx context.Context, id int64) (core.User, error)
}

type Ledger struct {
	store   Store
	logger  *applog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Ledger)

func WithLogger(l *applog.Logger) Option {
	return func(lg *Ledger) { lg.logger = l.WithComponent(applog.ComponentLedger) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(lg *Ledger) { lg.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) { lg.now = now }
}

func New(store Store, opts ...Option) *Ledger {
	lg := &Ledger{
		store:  store,
		logger: applog.New(applog.DefaultConfig()).WithComponent(applog.ComponentLedger),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(lg)
	}
	return lg
}

// Record applies a single transfer.
func (l *Ledger) Record(ctx context.Context, tr core.Transfer) (core.Transaction, error) {
	txs, err := l.RecordBatch(ctx, []core.Transfer{tr})
	if err != nil {
		return core.Transaction{}, err
	}
	return txs[0], nil
}

// RecordBatch applies all transfers as one atomic unit. When ctx already
// carries a store transaction the batch joins it, so callers can commit the
// batch together with their own writes. Either every transaction and
// balance change is stored or none is.
func (l *Ledger) RecordBatch(ctx context.Context, transfers []core.Transfer) ([]core.Transaction, error) {
	if len(transfers) == 0 {
		return nil, nil
	}
	var total int64
	for i, tr := range transfers {
		if err := tr.Validate(); err != nil {
			return nil, fmt.Errorf("transfer %d: %w", i, err)
		}
		total += tr.Amount
	}

	at := l.now().UTC()
	out := make([]core.Transaction, 0, len(transfers))
	err := l.store.RunInTx(ctx, func(ctx context.Context) error {
		for _, tr := range transfers {
			t, err := l.store.InsertTransaction(ctx, tr, at)
			if err != nil {
				return err
			}
			if err := l.store.AdjustBalance(ctx, tr.Sender, -tr.Amount); err != nil {
				return err
			}
			if err := l.store.AdjustBalance(ctx, tr.Receiver, tr.Amount); err != nil {
				return err
			}
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record batch: %w", err)
	}

	// Metrics and logs describe the batch as written; an outer transaction
	// may still roll it back.
	l.metrics.AddTransfers(len(out), total)
	l.logger.DebugContext(ctx, "Ledger batch recorded",
		applog.FieldTxCount, len(out),
		applog.FieldAmountCents, total)
	return out, nil
}

// BalanceOf returns the current balance of a user.
func (l *Ledger) BalanceOf(ctx context.Context, userID int64) (int64, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return u.Balance, nil
}

// History lists the newest transactions involving a user. A limit of 0
// returns all of them.
func (l *Ledger) History(ctx context.Context, userID int64, limit int) ([]core.Transaction, error) {
	if _, err := l.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return l.store.ListTransactions(ctx, userID, limit)
}

// Total returns the sum of all balances, which is zero unless the store was
// modified outside the ledger.
func (l *Ledger) Total(ctx context.Context) (int64, error) {
	return l.store.SumBalances(ctx)
}
