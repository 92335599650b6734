package sheets

import (
	"context"
	"time"

	"matebot/internal/core"
)

// TransactionRow is a ledger transaction as mirrored into a spreadsheet.
// Sender and Receiver hold display names; the ids identify the row.
type TransactionRow struct {
	TransactionID int64
	OperationID   int64
	Date          time.Time
	Sender        string
	Receiver      string
	Amount        core.Money
	Reason        string
	Type          string
}

// Validate checks the fields every mirrored row must carry.
func (r TransactionRow) Validate() error {
	if r.TransactionID <= 0 {
		return core.ErrInvalidTransfer
	}
	return r.Amount.Validate()
}

// Ports for outbound adapters.
type (
	TransactionWriter interface {
		Append(ctx context.Context, row TransactionRow) (rowRef string, err error)
	}

	// TransactionLister returns the rows already mirrored for a month.
	TransactionLister interface {
		ListTransactions(ctx context.Context, year int, month int) ([]TransactionRow, error)
	}

	TransactionMirror interface {
		TransactionWriter
		TransactionLister
	}
)
