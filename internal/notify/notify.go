// Package notify delivers rendered operation views and finalize
// announcements to chat transports and external applications. Delivery
// happens after the state change is committed and never feeds back into it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"matebot/internal/core"
)

// Renderer shows the current state of an operation to its audience.
type Renderer interface {
	Render(ctx context.Context, v core.View) error
}

// Announcer publishes the ledger effect of a finalized operation.
type Announcer interface {
	Announce(ctx context.Context, a Announcement) error
}

// Sink is the notification contract the collective engine writes to.
type Sink interface {
	Renderer
	Announcer
}

// AnnouncedTransaction is the wire form of a ledger transaction.
type AnnouncedTransaction struct {
	ID        int64     `json:"id"`
	Sender    int64     `json:"sender"`
	Receiver  int64     `json:"receiver"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// Announcement describes a finalized operation and the transactions it
// produced. ID is unique per announcement so consumers can deduplicate.
type Announcement struct {
	ID           uuid.UUID              `json:"id"`
	OperationID  int64                  `json:"operation_id"`
	Kind         core.Kind              `json:"kind"`
	Outcome      core.Outcome           `json:"outcome"`
	Description  string                 `json:"description"`
	Amount       int64                  `json:"amount"`
	CreatorID    int64                  `json:"creator_id"`
	Transactions []AnnouncedTransaction `json:"transactions"`
	CreatedAt    time.Time              `json:"created_at"`
}

// NewAnnouncement builds the announcement of a closed operation.
func NewAnnouncement(op core.Operation, txs []core.Transaction, now time.Time) Announcement {
	a := Announcement{
		ID:           uuid.New(),
		OperationID:  op.ID,
		Kind:         op.Kind,
		Outcome:      op.Outcome,
		Description:  op.Description,
		Amount:       op.Amount,
		CreatorID:    op.CreatorID,
		Transactions: make([]AnnouncedTransaction, 0, len(txs)),
		CreatedAt:    now.UTC(),
	}
	for _, t := range txs {
		a.Transactions = append(a.Transactions, AnnouncedTransaction{
			ID:        t.ID,
			Sender:    t.Sender,
			Receiver:  t.Receiver,
			Amount:    t.Amount,
			Reason:    t.Reason,
			Type:      string(t.Type),
			CreatedAt: t.CreatedAt,
		})
	}
	return a
}

// Total returns the cents moved by the announced transactions.
func (a Announcement) Total() int64 {
	var total int64
	for _, t := range a.Transactions {
		total += t.Amount
	}
	return total
}

// ToJSON serializes the announcement.
func (a Announcement) ToJSON() ([]byte, error) {
	return json.Marshal(a)
}

// AnnouncementFromJSON parses an announcement.
func AnnouncementFromJSON(data []byte) (Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return Announcement{}, fmt.Errorf("unmarshal announcement: %w", err)
	}
	if a.ID == uuid.Nil || a.OperationID == 0 {
		return Announcement{}, fmt.Errorf("announcement without id or operation")
	}
	return a, nil
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Render(context.Context, core.View) error { return nil }
func (Nop) Announce(context.Context, Announcement) error { return nil }
