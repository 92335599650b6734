package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matebot/internal/core"
	"matebot/internal/metrics"
	"matebot/internal/storage/memory"
)

func setup(t *testing.T, names ...string) (*Ledger, *memory.Store, []core.User) {
	t.Helper()
	store := memory.New()
	users := make([]core.User, len(names))
	for i, n := range names {
		u, err := store.CreateUser(context.Background(), core.User{Name: n, Active: true})
		require.NoError(t, err)
		users[i] = u
	}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	lg := New(store, WithClock(func() time.Time { return fixed }), WithMetrics(metrics.New(prometheus.NewRegistry())))
	return lg, store, users
}

func TestRecord(t *testing.T) {
	lg, _, u := setup(t, "alice", "bob")
	ctx := context.Background()

	tx, err := lg.Record(ctx, core.Transfer{Sender: u[0].ID, Receiver: u[1].ID, Amount: 150, Reason: "mate", Type: core.TransferDirect})
	require.NoError(t, err)
	assert.Equal(t, int64(150), tx.Amount)
	assert.Equal(t, 2026, tx.CreatedAt.Year())

	a, _ := lg.BalanceOf(ctx, u[0].ID)
	b, _ := lg.BalanceOf(ctx, u[1].ID)
	assert.Equal(t, int64(-150), a)
	assert.Equal(t, int64(150), b)
}

func TestRecordRejectsInvalidTransfers(t *testing.T) {
	lg, _, u := setup(t, "alice", "bob")
	ctx := context.Background()

	cases := []struct {
		name string
		tr   core.Transfer
	}{
		{"zero amount", core.Transfer{Sender: u[0].ID, Receiver: u[1].ID, Amount: 0}},
		{"negative amount", core.Transfer{Sender: u[0].ID, Receiver: u[1].ID, Amount: -1}},
		{"self transfer", core.Transfer{Sender: u[0].ID, Receiver: u[0].ID, Amount: 10}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := lg.Record(ctx, tc.tr)
			assert.ErrorIs(t, err, core.ErrInvalidTransfer)
		})
	}
}

func TestBatchIsAtomic(t *testing.T) {
	lg, _, u := setup(t, "alice", "bob", "carol")
	ctx := context.Background()

	// second transfer targets an unknown user: nothing from the batch may stick
	_, err := lg.RecordBatch(ctx, []core.Transfer{
		{Sender: u[1].ID, Receiver: u[0].ID, Amount: 50, Type: core.TransferCommunism},
		{Sender: 999, Receiver: u[0].ID, Amount: 50, Type: core.TransferCommunism},
	})
	require.ErrorIs(t, err, core.ErrNotFound)

	for _, user := range u {
		bal, err := lg.BalanceOf(ctx, user.ID)
		require.NoError(t, err)
		assert.Zero(t, bal, "balance of %s", user.Name)
	}
	history, err := lg.History(ctx, u[0].ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestBatchValidatesBeforeWriting(t *testing.T) {
	lg, _, u := setup(t, "alice", "bob")
	_, err := lg.RecordBatch(context.Background(), []core.Transfer{
		{Sender: u[1].ID, Receiver: u[0].ID, Amount: 50},
		{Sender: u[1].ID, Receiver: u[1].ID, Amount: 50},
	})
	require.ErrorIs(t, err, core.ErrInvalidTransfer)
	total, _ := lg.Total(context.Background())
	assert.Zero(t, total)
	history, _ := lg.History(context.Background(), u[1].ID, 0)
	assert.Empty(t, history)
}

func TestBatchJoinsOuterTransaction(t *testing.T) {
	lg, store, u := setup(t, "alice", "bob")
	ctx := context.Background()
	boom := errors.New("status write failed")

	err := store.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := lg.Record(ctx, core.Transfer{Sender: u[0].ID, Receiver: u[1].ID, Amount: 10}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	bal, _ := lg.BalanceOf(ctx, u[1].ID)
	assert.Zero(t, bal)
}

func TestConcurrentBatchesConserveTotal(t *testing.T) {
	lg, _, u := setup(t, "a", "b", "c", "d")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = lg.RecordBatch(ctx, []core.Transfer{
				{Sender: u[i%4].ID, Receiver: u[(i+1)%4].ID, Amount: int64(i + 1)},
				{Sender: u[(i+2)%4].ID, Receiver: u[(i+3)%4].ID, Amount: int64(i + 2)},
			})
		}(i)
	}
	wg.Wait()

	total, err := lg.Total(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)

	history, err := lg.History(ctx, u[0].ID, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, history)
}

func TestHistoryUnknownUser(t *testing.T) {
	lg, _, _ := setup(t)
	_, err := lg.History(context.Background(), 42, 10)
	assert.ErrorIs(t, err, core.ErrNotFound)
}
