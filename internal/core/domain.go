package core

import (
	"strconv"
	"strings"
	"time"
)

const (
	TransferCommunism TransferType = "communism"
	TransferRefund    TransferType = "refund"
	TransferDirect    TransferType = "direct"
)

type (
	TransferType string

	// User is an internal account. Balance changes only through ledger
	// transactions.
	User struct {
		ID         int64
		Name       string
		Balance    int64
		Active     bool
		Special    bool // community account, at most one exists
		Permission bool
		External   bool
		VoucherID  *int64
		CreatedAt  time.Time
		AccessedAt time.Time
	}

	// Application is a frontend (chat bot, REST client) owning user aliases.
	Application struct {
		ID        int64
		Name      string
		CreatedAt time.Time
	}

	// Alias binds an external user id of an application to an internal user.
	Alias struct {
		ID            int64
		UserID        int64
		ApplicationID int64
		AppUserID     string
	}

	// Callback is an URL notified with announcements of finalized operations.
	Callback struct {
		ID            int64
		ApplicationID int64
		URL           string
	}

	// Transfer is a requested balance movement, not yet recorded.
	Transfer struct {
		Sender      int64
		Receiver    int64
		Amount      int64
		Reason      string
		Type        TransferType
		OperationID *int64
	}

	// Transaction is an immutable ledger entry.
	Transaction struct {
		ID          int64
		Sender      int64
		Receiver    int64
		Amount      int64
		Reason      string
		Type        TransferType
		OperationID *int64
		CreatedAt   time.Time
	}
)

// Validate checks the ledger invariants of a single transfer.
func (t Transfer) Validate() error {
	if t.Amount <= 0 {
		return ErrInvalidTransfer
	}
	if t.Sender == t.Receiver {
		return ErrInvalidTransfer
	}
	if t.Sender <= 0 || t.Receiver <= 0 {
		return ErrInvalidTransfer
	}
	return nil
}

// CanParticipate reports whether the user may join operations and vote.
// External users need an active voucher.
func (u User) CanParticipate() bool {
	if !u.Active || u.Special {
		return false
	}
	if u.External && u.VoucherID == nil {
		return false
	}
	return true
}

// DisplayName returns a printable name for the user.
func (u User) DisplayName() string {
	if name := strings.TrimSpace(u.Name); name != "" {
		return name
	}
	return "user #" + strconv.FormatInt(u.ID, 10)
}
