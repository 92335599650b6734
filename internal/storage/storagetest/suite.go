// Package storagetest holds the behavior every storage.Store backend must
// share. Backend packages run it from their own tests.
package storagetest

import (
	"context"
	"errors"
	"time"

	"github.com/stretchr/testify/suite"

	"matebot/internal/core"
	"matebot/internal/storage"
)

// StoreSuite exercises a storage.Store. NewStore must return an empty store.
type StoreSuite struct {
	suite.Suite
	NewStore func() storage.Store

	ctx   context.Context
	store storage.Store
	now   time.Time
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.NewStore()
	s.now = time.Date(2026, 5, 4, 18, 30, 0, 0, time.UTC)
}

func (s *StoreSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func (s *StoreSuite) user(name string) core.User {
	u, err := s.store.CreateUser(s.ctx, core.User{Name: name, Active: true, CreatedAt: s.now})
	s.Require().NoError(err)
	return u
}

func (s *StoreSuite) TestUsers() {
	s.Run("create and get", func() {
		u := s.user("alice")
		got, err := s.store.GetUser(s.ctx, u.ID)
		s.Require().NoError(err)
		s.Equal("alice", got.Name)
		s.True(got.Active)
		s.Zero(got.Balance)
		s.True(got.CreatedAt.Equal(s.now))
	})

	s.Run("unknown user", func() {
		_, err := s.store.GetUser(s.ctx, 9999)
		s.ErrorIs(err, core.ErrNotFound)
	})

	s.Run("update flags", func() {
		u := s.user("bob")
		voucher := s.user("carol")
		u.Permission = true
		u.External = true
		u.VoucherID = &voucher.ID
		s.Require().NoError(s.store.UpdateUser(s.ctx, u))

		got, err := s.store.GetUser(s.ctx, u.ID)
		s.Require().NoError(err)
		s.True(got.Permission)
		s.True(got.External)
		s.Require().NotNil(got.VoucherID)
		s.Equal(voucher.ID, *got.VoucherID)
	})

	s.Run("single community user", func() {
		_, err := s.store.GetCommunityUser(s.ctx)
		s.ErrorIs(err, core.ErrNotFound)

		c, err := s.store.CreateUser(s.ctx, core.User{Name: "Community", Active: true, Special: true})
		s.Require().NoError(err)
		_, err = s.store.CreateUser(s.ctx, core.User{Name: "Community 2", Active: true, Special: true})
		s.ErrorIs(err, core.ErrConflict)

		got, err := s.store.GetCommunityUser(s.ctx)
		s.Require().NoError(err)
		s.Equal(c.ID, got.ID)
	})
}

func (s *StoreSuite) TestAliases() {
	app, err := s.store.EnsureApplication(s.ctx, "telegram")
	s.Require().NoError(err)
	again, err := s.store.EnsureApplication(s.ctx, "telegram")
	s.Require().NoError(err)
	s.Equal(app.ID, again.ID)

	alice := s.user("alice")
	bob := s.user("bob")

	a, err := s.store.CreateAlias(s.ctx, core.Alias{UserID: alice.ID, ApplicationID: app.ID, AppUserID: "42"})
	s.Require().NoError(err)
	s.NotZero(a.ID)

	_, err = s.store.CreateAlias(s.ctx, core.Alias{UserID: bob.ID, ApplicationID: app.ID, AppUserID: "42"})
	s.ErrorIs(err, core.ErrConflict, "external id already taken")

	_, err = s.store.CreateAlias(s.ctx, core.Alias{UserID: alice.ID, ApplicationID: app.ID, AppUserID: "43"})
	s.ErrorIs(err, core.ErrConflict, "one alias per application")

	found, err := s.store.FindAlias(s.ctx, app.ID, "42")
	s.Require().NoError(err)
	s.Equal(alice.ID, found.UserID)

	_, err = s.store.FindAlias(s.ctx, app.ID, "nope")
	s.ErrorIs(err, core.ErrNotFound)

	list, err := s.store.ListAliases(s.ctx, alice.ID)
	s.Require().NoError(err)
	s.Len(list, 1)
}

func (s *StoreSuite) TestLedgerTransaction() {
	alice := s.user("alice")
	bob := s.user("bob")

	err := s.store.RunInTx(s.ctx, func(ctx context.Context) error {
		if _, err := s.store.InsertTransaction(ctx, core.Transfer{
			Sender: alice.ID, Receiver: bob.ID, Amount: 250, Reason: "beer", Type: core.TransferDirect,
		}, s.now); err != nil {
			return err
		}
		if err := s.store.AdjustBalance(ctx, alice.ID, -250); err != nil {
			return err
		}
		return s.store.AdjustBalance(ctx, bob.ID, 250)
	})
	s.Require().NoError(err)

	a, _ := s.store.GetUser(s.ctx, alice.ID)
	b, _ := s.store.GetUser(s.ctx, bob.ID)
	s.Equal(int64(-250), a.Balance)
	s.Equal(int64(250), b.Balance)

	sum, err := s.store.SumBalances(s.ctx)
	s.Require().NoError(err)
	s.Zero(sum)

	history, err := s.store.ListTransactions(s.ctx, bob.ID, 10)
	s.Require().NoError(err)
	s.Require().Len(history, 1)
	s.Equal("beer", history[0].Reason)
	s.Equal(core.TransferDirect, history[0].Type)
	s.True(history[0].CreatedAt.Equal(s.now))
}

func (s *StoreSuite) TestRollback() {
	alice := s.user("alice")
	bob := s.user("bob")
	boom := errors.New("boom")

	err := s.store.RunInTx(s.ctx, func(ctx context.Context) error {
		if _, err := s.store.InsertTransaction(ctx, core.Transfer{
			Sender: alice.ID, Receiver: bob.ID, Amount: 100, Type: core.TransferDirect,
		}, s.now); err != nil {
			return err
		}
		if err := s.store.AdjustBalance(ctx, alice.ID, -100); err != nil {
			return err
		}
		return boom
	})
	s.ErrorIs(err, boom)

	a, _ := s.store.GetUser(s.ctx, alice.ID)
	s.Zero(a.Balance)
	history, err := s.store.ListTransactions(s.ctx, alice.ID, 0)
	s.Require().NoError(err)
	s.Empty(history)
}

func (s *StoreSuite) TestTransactionConstraints() {
	alice := s.user("alice")
	_, err := s.store.InsertTransaction(s.ctx, core.Transfer{
		Sender: alice.ID, Receiver: alice.ID, Amount: 100, Type: core.TransferDirect,
	}, s.now)
	s.ErrorIs(err, core.ErrInvalidTransfer)

	err = s.store.AdjustBalance(s.ctx, 9999, 1)
	s.ErrorIs(err, core.ErrNotFound)
}

func (s *StoreSuite) TestHistoryOrderAndLimit() {
	alice := s.user("alice")
	bob := s.user("bob")
	for i := 1; i <= 3; i++ {
		_, err := s.store.InsertTransaction(s.ctx, core.Transfer{
			Sender: alice.ID, Receiver: bob.ID, Amount: int64(i), Type: core.TransferDirect,
		}, s.now.Add(time.Duration(i)*time.Minute))
		s.Require().NoError(err)
	}
	history, err := s.store.ListTransactions(s.ctx, alice.ID, 2)
	s.Require().NoError(err)
	s.Require().Len(history, 2)
	s.Equal(int64(3), history[0].Amount)
	s.Equal(int64(2), history[1].Amount)
}

func (s *StoreSuite) TestOperations() {
	alice := s.user("alice")
	bob := s.user("bob")

	op, err := core.NewCommunism(alice.ID, 1000, "pizza", s.now)
	s.Require().NoError(err)
	op, err = s.store.CreateOperation(s.ctx, op)
	s.Require().NoError(err)
	s.NotZero(op.ID)

	s.Run("duplicate open operation of same kind", func() {
		dup, _ := core.NewCommunism(alice.ID, 500, "again", s.now)
		_, err := s.store.CreateOperation(s.ctx, dup)
		s.ErrorIs(err, core.ErrDuplicateActiveOperation)
	})

	s.Run("open ballot alongside communism", func() {
		b, _ := core.NewBallot(alice.ID, "fridge?", false, 0, core.TallySum, 1, s.now)
		_, err := s.store.CreateOperation(s.ctx, b)
		s.NoError(err)
	})

	s.Run("save replaces members", func() {
		later := s.now.Add(time.Minute)
		_, err := op.ToggleMembership(bob.ID, later)
		s.Require().NoError(err)
		s.Require().NoError(op.SetQuantity(bob.ID, 2, later))
		s.Require().NoError(op.AdjustExternals(1, later))
		s.Require().NoError(s.store.SaveOperation(s.ctx, op))

		got, err := s.store.GetOperation(s.ctx, op.ID)
		s.Require().NoError(err)
		s.Equal(1, got.Externals)
		s.Require().Len(got.Participants, 2)
		s.Equal(alice.ID, got.Participants[0].UserID)
		s.Equal(bob.ID, got.Participants[1].UserID)
		s.Equal(2, got.Participants[1].Quantity)
		s.True(got.UpdatedAt.Equal(later))
	})

	s.Run("list open for participant", func() {
		open, err := s.store.ListOpenFor(s.ctx, bob.ID)
		s.Require().NoError(err)
		s.Require().Len(open, 1)
		s.Equal(op.ID, open[0].ID)

		open, err = s.store.ListOpenFor(s.ctx, alice.ID)
		s.Require().NoError(err)
		s.Len(open, 2)
	})

	s.Run("idle operations", func() {
		ids, err := s.store.ListIdleOperations(s.ctx, s.now.Add(30*time.Second))
		s.Require().NoError(err)
		s.Len(ids, 1, "only the untouched ballot is idle")
		s.NotContains(ids, op.ID)
	})

	s.Run("closed operation frees the creator slot", func() {
		s.Require().NoError(op.Close(core.StatusCancelled, core.OutcomeCancelled, s.now.Add(2*time.Minute)))
		s.Require().NoError(s.store.SaveOperation(s.ctx, op))

		got, err := s.store.GetOperation(s.ctx, op.ID)
		s.Require().NoError(err)
		s.Equal(core.StatusCancelled, got.Status)
		s.Equal(core.OutcomeCancelled, got.Outcome)
		s.Require().NotNil(got.ClosedAt)

		next, _ := core.NewCommunism(alice.ID, 200, "next", s.now)
		_, err = s.store.CreateOperation(s.ctx, next)
		s.NoError(err)
	})

	s.Run("unknown operation", func() {
		_, err := s.store.GetOperation(s.ctx, 9999)
		s.ErrorIs(err, core.ErrNotFound)
	})
}

func (s *StoreSuite) TestVotesUpsert() {
	alice := s.user("alice")
	bob := s.user("bob")

	b, _ := core.NewBallot(alice.ID, "coffee?", true, 300, core.TallyMajority, 2, s.now)
	b, err := s.store.CreateOperation(s.ctx, b)
	s.Require().NoError(err)

	s.Require().NoError(b.CastVote(bob.ID, -1, s.now))
	s.Require().NoError(s.store.SaveOperation(s.ctx, b))
	s.Require().NoError(b.CastVote(bob.ID, 1, s.now))
	s.Require().NoError(s.store.SaveOperation(s.ctx, b))

	got, err := s.store.GetOperation(s.ctx, b.ID)
	s.Require().NoError(err)
	s.Require().Len(got.Votes, 1)
	s.Equal(1, got.Votes[0].Value)
	s.True(got.Restricted)
	s.Equal(core.TallyMajority, got.TallyMode)
	s.Equal(2, got.Threshold)
	s.Equal(int64(300), got.Amount)
}

func (s *StoreSuite) TestMessagesAndCallbacks() {
	alice := s.user("alice")
	op, _ := core.NewCommunism(alice.ID, 100, "x", s.now)
	op, err := s.store.CreateOperation(s.ctx, op)
	s.Require().NoError(err)

	s.Require().NoError(s.store.AddOperationMessage(s.ctx, storage.MessageRef{OperationID: op.ID, ChatID: 1, MessageID: 10}))
	s.Require().NoError(s.store.AddOperationMessage(s.ctx, storage.MessageRef{OperationID: op.ID, ChatID: 1, MessageID: 11}))
	s.Require().NoError(s.store.AddOperationMessage(s.ctx, storage.MessageRef{OperationID: op.ID, ChatID: 2, MessageID: 20}))

	refs, err := s.store.ListOperationMessages(s.ctx, op.ID)
	s.Require().NoError(err)
	s.Require().Len(refs, 2)
	s.Equal(11, refs[0].MessageID)

	app, err := s.store.EnsureApplication(s.ctx, "accounting")
	s.Require().NoError(err)
	_, err = s.store.AddCallback(s.ctx, core.Callback{ApplicationID: app.ID, URL: "http://example.test/hook"})
	s.Require().NoError(err)
	_, err = s.store.AddCallback(s.ctx, core.Callback{ApplicationID: app.ID, URL: "http://example.test/hook"})
	s.ErrorIs(err, core.ErrConflict)

	cbs, err := s.store.ListCallbacks(s.ctx)
	s.Require().NoError(err)
	s.Len(cbs, 1)
}
