package http

import (
	"time"

	"matebot/internal/core"
	"matebot/internal/services"
)

type userResponse struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Balance      int64     `json:"balance"`
	BalanceText  string    `json:"balance_text"`
	Active       bool      `json:"active"`
	Special      bool      `json:"special"`
	Permission   bool      `json:"permission"`
	External     bool      `json:"external"`
	VoucherID    *int64    `json:"voucher_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"accessed_at"`
}

func toUser(u core.User) userResponse {
	return userResponse{
		ID:           u.ID,
		Name:         u.DisplayName(),
		Balance:      u.Balance,
		BalanceText:  core.Money{Cents: u.Balance}.String(),
		Active:       u.Active,
		Special:      u.Special,
		Permission:   u.Permission,
		External:     u.External,
		VoucherID:    u.VoucherID,
		CreatedAt:    u.CreatedAt,
		LastAccessed: u.AccessedAt,
	}
}

type transactionResponse struct {
	ID          int64     `json:"id"`
	Sender      int64     `json:"sender"`
	Receiver    int64     `json:"receiver"`
	Amount      int64     `json:"amount"`
	AmountText  string    `json:"amount_text"`
	Reason      string    `json:"reason"`
	Type        string    `json:"type"`
	OperationID *int64    `json:"operation_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func toTransactions(txs []core.Transaction) []transactionResponse {
	out := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, transactionResponse{
			ID:          tx.ID,
			Sender:      tx.Sender,
			Receiver:    tx.Receiver,
			Amount:      tx.Amount,
			AmountText:  core.Money{Cents: tx.Amount}.String(),
			Reason:      tx.Reason,
			Type:        string(tx.Type),
			OperationID: tx.OperationID,
			CreatedAt:   tx.CreatedAt,
		})
	}
	return out
}

type participantResponse struct {
	UserID   int64 `json:"user_id"`
	Quantity int   `json:"quantity"`
}

type voteResponse struct {
	UserID int64 `json:"user_id"`
	Value  int   `json:"value"`
}

type tallyResponse struct {
	Yes     int `json:"yes"`
	No      int `json:"no"`
	Abstain int `json:"abstain"`
	Sum     int `json:"sum"`
}

type operationResponse struct {
	ID           int64                 `json:"id"`
	Kind         string                `json:"kind"`
	CreatorID    int64                 `json:"creator_id"`
	Status       string                `json:"status"`
	Outcome      string                `json:"outcome,omitempty"`
	Amount       int64                 `json:"amount"`
	AmountText   string                `json:"amount_text"`
	Description  string                `json:"description"`
	Externals    int                   `json:"externals"`
	Restricted   bool                  `json:"restricted,omitempty"`
	TallyMode    string                `json:"tally_mode,omitempty"`
	Threshold    int                   `json:"threshold,omitempty"`
	Participants []participantResponse `json:"participants"`
	Votes        []voteResponse        `json:"votes,omitempty"`
	Tally        *tallyResponse        `json:"tally,omitempty"`
	Text         string                `json:"text"`
	Transactions []transactionResponse `json:"transactions,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
	ClosedAt     *time.Time            `json:"closed_at,omitempty"`
}

func toOperation(s services.Snapshot) operationResponse {
	op := s.Operation
	resp := operationResponse{
		ID:           op.ID,
		Kind:         string(op.Kind),
		CreatorID:    op.CreatorID,
		Status:       string(op.Status),
		Outcome:      string(op.Outcome),
		Amount:       op.Amount,
		AmountText:   core.Money{Cents: op.Amount}.String(),
		Description:  op.Description,
		Externals:    op.Externals,
		Restricted:   op.Restricted,
		Participants: make([]participantResponse, 0, len(op.Participants)),
		Text:         s.View.Text,
		CreatedAt:    op.CreatedAt,
		UpdatedAt:    op.UpdatedAt,
		ClosedAt:     op.ClosedAt,
	}
	for _, p := range op.Participants {
		resp.Participants = append(resp.Participants, participantResponse{UserID: p.UserID, Quantity: p.Quantity})
	}
	if op.Kind == core.KindBallot {
		resp.TallyMode = string(op.TallyMode)
		resp.Threshold = op.Threshold
		for _, v := range op.Votes {
			resp.Votes = append(resp.Votes, voteResponse{UserID: v.UserID, Value: v.Value})
		}
		t := s.Tally
		resp.Tally = &tallyResponse{Yes: t.Yes, No: t.No, Abstain: t.Abstain, Sum: t.Sum}
	}
	if len(s.Transactions) > 0 {
		resp.Transactions = toTransactions(s.Transactions)
	}
	return resp
}

func toOperations(snaps []services.Snapshot) []operationResponse {
	out := make([]operationResponse, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, toOperation(s))
	}
	return out
}
