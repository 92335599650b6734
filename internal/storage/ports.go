package storage

import (
	"context"
	"time"

	"matebot/internal/core"
)

// Transactor runs fn inside a single atomic unit. Calls made with the
// context handed to fn join that unit; nested RunInTx calls reuse it.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// UserStore persists users, applications and aliases.
type UserStore interface {
	Transactor
	EnsureApplication(ctx context.Context, name string) (core.Application, error)
	CreateUser(ctx context.Context, u core.User) (core.User, error)
	GetUser(ctx context.Context, id int64) (core.User, error)
	UpdateUser(ctx context.Context, u core.User) error
	GetCommunityUser(ctx context.Context) (core.User, error)
	CreateAlias(ctx context.Context, a core.Alias) (core.Alias, error)
	FindAlias(ctx context.Context, applicationID int64, appUserID string) (core.Alias, error)
	ListAliases(ctx context.Context, userID int64) ([]core.Alias, error)
}

// LedgerStore persists transactions and balances.
type LedgerStore interface {
	Transactor
	InsertTransaction(ctx context.Context, tr core.Transfer, at time.Time) (core.Transaction, error)
	AdjustBalance(ctx context.Context, userID int64, delta int64) error
	ListTransactions(ctx context.Context, userID int64, limit int) ([]core.Transaction, error)
	SumBalances(ctx context.Context) (int64, error)
}

// OperationStore persists collective operations with their participants
// and votes.
type OperationStore interface {
	Transactor
	CreateOperation(ctx context.Context, op core.Operation) (core.Operation, error)
	GetOperation(ctx context.Context, id int64) (core.Operation, error)
	SaveOperation(ctx context.Context, op core.Operation) error
	ListOpenFor(ctx context.Context, userID int64) ([]core.Operation, error)
	ListIdleOperations(ctx context.Context, before time.Time) ([]int64, error)
}

// MessageRef points at a chat message that displays an operation.
type MessageRef struct {
	OperationID int64
	ChatID      int64
	MessageID   int
}

// MessageStore remembers which chat messages display an operation.
type MessageStore interface {
	AddOperationMessage(ctx context.Context, ref MessageRef) error
	ListOperationMessages(ctx context.Context, operationID int64) ([]MessageRef, error)
}

// CallbackStore persists application callback URLs.
type CallbackStore interface {
	AddCallback(ctx context.Context, cb core.Callback) (core.Callback, error)
	ListCallbacks(ctx context.Context) ([]core.Callback, error)
}

// Store is the full persistence contract implemented by each backend.
type Store interface {
	UserStore
	LedgerStore
	OperationStore
	MessageStore
	CallbackStore
	Ping(ctx context.Context) error
	Close() error
}
