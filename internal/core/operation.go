package core

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	KindCommunism Kind = "communism"
	KindBallot    Kind = "ballot"

	StatusOpen      Status = "open"
	StatusFinalized Status = "finalized"
	StatusCancelled Status = "cancelled"

	TallySum      TallyMode = "sum"
	TallyMajority TallyMode = "majority"

	OutcomeNone      Outcome = ""
	OutcomeSettled   Outcome = "settled"
	OutcomePassed    Outcome = "passed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeAbandoned Outcome = "abandoned"
	OutcomeExpired   Outcome = "expired"
)

const maxDescriptionLength = 255

type (
	Kind      string
	Status    string
	TallyMode string
	Outcome   string

	// Participant is a member of a communism. Quantity weights the member's
	// share; JoinedSeq orders members for remainder assignment.
	Participant struct {
		UserID    int64
		Quantity  int
		JoinedSeq int64
	}

	// Vote is the latest value a user cast on a ballot.
	Vote struct {
		UserID    int64
		Value     int
		UpdatedAt time.Time
	}

	// Operation is a collective operation: a communism splitting Amount among
	// its participants and externals, or a ballot deciding on Description and
	// optionally paying Amount to its creator from the community account.
	Operation struct {
		ID           int64
		Kind         Kind
		CreatorID    int64
		Status       Status
		Outcome      Outcome
		Amount       int64
		Description  string
		Externals    int
		Restricted   bool
		TallyMode    TallyMode
		Threshold    int
		Participants []Participant
		Votes        []Vote
		CreatedAt    time.Time
		UpdatedAt    time.Time
		ClosedAt     *time.Time
	}

	// Tally summarizes the votes of a ballot.
	Tally struct {
		Yes     int
		No      int
		Abstain int
		Sum     int
	}
)

func (k Kind) IsValid() bool {
	return k == KindCommunism || k == KindBallot
}

func (m TallyMode) IsValid() bool {
	return m == TallySum || m == TallyMajority
}

func (s Status) IsTerminal() bool {
	return s == StatusFinalized || s == StatusCancelled
}

// NewCommunism builds an open communism with the creator as sole participant.
func NewCommunism(creatorID, amount int64, reason string, now time.Time) (Operation, error) {
	reason = strings.TrimSpace(reason)
	if err := (Money{Cents: amount}).Validate(); err != nil {
		return Operation{}, err
	}
	if reason == "" {
		return Operation{}, ErrEmptyReason
	}
	reason = truncate(reason, maxDescriptionLength)
	return Operation{
		Kind:         KindCommunism,
		CreatorID:    creatorID,
		Status:       StatusOpen,
		Amount:       amount,
		Description:  reason,
		Participants: []Participant{{UserID: creatorID, Quantity: 1, JoinedSeq: 1}},
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// NewBallot builds an open ballot. A positive payout is transferred from the
// community account to the creator when the ballot passes.
func NewBallot(creatorID int64, question string, restricted bool, payout int64, mode TallyMode, threshold int, now time.Time) (Operation, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Operation{}, ErrEmptyQuestion
	}
	question = truncate(question, maxDescriptionLength)
	if payout < 0 {
		return Operation{}, ErrInvalidAmount
	}
	if !mode.IsValid() {
		mode = TallySum
	}
	if threshold < 1 {
		threshold = 1
	}
	return Operation{
		Kind:        KindBallot,
		CreatorID:   creatorID,
		Status:      StatusOpen,
		Amount:      payout,
		Description: question,
		Restricted:  restricted,
		TallyMode:   mode,
		Threshold:   threshold,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (o *Operation) ensureOpen() error {
	if o.Status != StatusOpen {
		return ErrAlreadyClosed
	}
	return nil
}

func (o *Operation) ensureKind(k Kind) error {
	if o.Kind != k {
		return ErrWrongKind
	}
	return nil
}

// CanAdminister reports whether actor may finalize or cancel the operation:
// the creator, or any user holding the permission flag.
func (o *Operation) CanAdminister(actor User) bool {
	if !actor.Active {
		return false
	}
	return actor.ID == o.CreatorID || actor.Permission
}

// IsParticipant reports whether the user is a member of the communism.
func (o *Operation) IsParticipant(userID int64) bool {
	return o.participantIndex(userID) >= 0
}

func (o *Operation) participantIndex(userID int64) int {
	for i, p := range o.Participants {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}

func (o *Operation) nextSeq() int64 {
	var seq int64
	for _, p := range o.Participants {
		if p.JoinedSeq > seq {
			seq = p.JoinedSeq
		}
	}
	return seq + 1
}

// ToggleMembership adds the user with quantity 1 or removes an existing
// member. It reports whether the user is a member afterwards.
func (o *Operation) ToggleMembership(userID int64, now time.Time) (bool, error) {
	if err := o.ensureKind(KindCommunism); err != nil {
		return false, err
	}
	if err := o.ensureOpen(); err != nil {
		return false, err
	}
	if i := o.participantIndex(userID); i >= 0 {
		o.Participants = append(o.Participants[:i:i], o.Participants[i+1:]...)
		o.UpdatedAt = now
		return false, nil
	}
	o.Participants = append(o.Participants, Participant{UserID: userID, Quantity: 1, JoinedSeq: o.nextSeq()})
	o.UpdatedAt = now
	return true, nil
}

// SetQuantity sets the weight of a member, joining the user if needed.
func (o *Operation) SetQuantity(userID int64, quantity int, now time.Time) error {
	if err := o.ensureKind(KindCommunism); err != nil {
		return err
	}
	if err := o.ensureOpen(); err != nil {
		return err
	}
	if quantity < 1 {
		return ErrInvalidQuantity
	}
	if i := o.participantIndex(userID); i >= 0 {
		o.Participants[i].Quantity = quantity
	} else {
		o.Participants = append(o.Participants, Participant{UserID: userID, Quantity: quantity, JoinedSeq: o.nextSeq()})
	}
	o.UpdatedAt = now
	return nil
}

// AdjustExternals changes the external count by exactly one.
func (o *Operation) AdjustExternals(delta int, now time.Time) error {
	if err := o.ensureKind(KindCommunism); err != nil {
		return err
	}
	if err := o.ensureOpen(); err != nil {
		return err
	}
	if delta != 1 && delta != -1 {
		return ErrInvalidDelta
	}
	if o.Externals+delta < 0 {
		return ErrNegativeExternalCount
	}
	o.Externals += delta
	o.UpdatedAt = now
	return nil
}

// CastVote records or overwrites the vote of a user.
func (o *Operation) CastVote(userID int64, value int, now time.Time) error {
	if err := o.ensureKind(KindBallot); err != nil {
		return err
	}
	if err := o.ensureOpen(); err != nil {
		return err
	}
	if value < -1 || value > 1 {
		return ErrInvalidVote
	}
	for i := range o.Votes {
		if o.Votes[i].UserID == userID {
			o.Votes[i].Value = value
			o.Votes[i].UpdatedAt = now
			o.UpdatedAt = now
			return nil
		}
	}
	o.Votes = append(o.Votes, Vote{UserID: userID, Value: value, UpdatedAt: now})
	o.UpdatedAt = now
	return nil
}

// Tally counts the current votes.
func (o *Operation) Tally() Tally {
	var t Tally
	for _, v := range o.Votes {
		switch {
		case v.Value > 0:
			t.Yes++
		case v.Value < 0:
			t.No++
		default:
			t.Abstain++
		}
		t.Sum += v.Value
	}
	return t
}

// Close moves the operation into a terminal state.
func (o *Operation) Close(status Status, outcome Outcome, now time.Time) error {
	if err := o.ensureOpen(); err != nil {
		return err
	}
	if !status.IsTerminal() {
		return fmt.Errorf("close with non-terminal status %q", status)
	}
	o.Status = status
	o.Outcome = outcome
	o.UpdatedAt = now
	o.ClosedAt = &now
	return nil
}

// Settle computes the split of a communism without changing its state.
func (o *Operation) Settle() (Settlement, error) {
	if err := o.ensureKind(KindCommunism); err != nil {
		return Settlement{}, err
	}
	if err := o.ensureOpen(); err != nil {
		return Settlement{}, err
	}
	s, err := Split(o.Amount, o.Participants, o.Externals)
	if err != nil {
		return Settlement{}, err
	}
	id := o.ID
	for _, sh := range s.Shares {
		if sh.UserID == o.CreatorID || sh.Amount == 0 {
			continue
		}
		s.Transfers = append(s.Transfers, Transfer{
			Sender:      sh.UserID,
			Receiver:    o.CreatorID,
			Amount:      sh.Amount,
			Reason:      "communism: " + o.Description,
			Type:        TransferCommunism,
			OperationID: &id,
		})
	}
	return s, nil
}
