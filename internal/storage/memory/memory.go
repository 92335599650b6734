package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"matebot/internal/core"
	"matebot/internal/storage"
)

// Store is an in-process storage.Store. A transaction holds the store mutex
// for its whole duration and restores a snapshot when fn fails.
type Store struct {
	mu sync.Mutex
	st state
}

type state struct {
	nextID       int64
	applications map[int64]core.Application
	users        map[int64]core.User
	aliases      map[int64]core.Alias
	transactions []core.Transaction
	operations   map[int64]core.Operation
	messages     map[int64][]storage.MessageRef
	callbacks    []core.Callback
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{st: state{
		applications: map[int64]core.Application{},
		users:        map[int64]core.User{},
		aliases:      map[int64]core.Alias{},
		operations:   map[int64]core.Operation{},
		messages:     map[int64][]storage.MessageRef{},
	}}
}

type txKey struct{}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// lock acquires the store mutex unless ctx already runs inside a
// transaction of this store.
func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) id() int64 {
	s.st.nextID++
	return s.st.nextID
}

// RunInTx implements storage.Transactor.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transaction aborted: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

func (st state) clone() state {
	out := state{
		nextID:       st.nextID,
		applications: make(map[int64]core.Application, len(st.applications)),
		users:        make(map[int64]core.User, len(st.users)),
		aliases:      make(map[int64]core.Alias, len(st.aliases)),
		transactions: slices.Clone(st.transactions),
		operations:   make(map[int64]core.Operation, len(st.operations)),
		messages:     make(map[int64][]storage.MessageRef, len(st.messages)),
		callbacks:    slices.Clone(st.callbacks),
	}
	for k, v := range st.applications {
		out.applications[k] = v
	}
	for k, v := range st.users {
		out.users[k] = v
	}
	for k, v := range st.aliases {
		out.aliases[k] = v
	}
	for k, v := range st.operations {
		out.operations[k] = cloneOperation(v)
	}
	for k, v := range st.messages {
		out.messages[k] = slices.Clone(v)
	}
	return out
}

func cloneOperation(op core.Operation) core.Operation {
	op.Participants = slices.Clone(op.Participants)
	op.Votes = slices.Clone(op.Votes)
	if op.ClosedAt != nil {
		t := *op.ClosedAt
		op.ClosedAt = &t
	}
	return op
}

// --- applications, users, aliases ---

func (s *Store) EnsureApplication(ctx context.Context, name string) (core.Application, error) {
	defer s.lock(ctx)()
	for _, app := range s.st.applications {
		if app.Name == name {
			return app, nil
		}
	}
	app := core.Application{ID: s.id(), Name: name, CreatedAt: time.Now().UTC()}
	s.st.applications[app.ID] = app
	return app, nil
}

func (s *Store) CreateUser(ctx context.Context, u core.User) (core.User, error) {
	defer s.lock(ctx)()
	if u.Special {
		for _, other := range s.st.users {
			if other.Special {
				return core.User{}, fmt.Errorf("community user exists: %w", core.ErrConflict)
			}
		}
	}
	if u.VoucherID != nil {
		if _, ok := s.st.users[*u.VoucherID]; !ok {
			return core.User{}, fmt.Errorf("voucher %d: %w", *u.VoucherID, core.ErrNotFound)
		}
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.AccessedAt.IsZero() {
		u.AccessedAt = u.CreatedAt
	}
	u.ID = s.id()
	u.Balance = 0
	s.st.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (core.User, error) {
	defer s.lock(ctx)()
	u, ok := s.st.users[id]
	if !ok {
		return core.User{}, fmt.Errorf("user %d: %w", id, core.ErrNotFound)
	}
	return u, nil
}

func (s *Store) UpdateUser(ctx context.Context, u core.User) error {
	defer s.lock(ctx)()
	cur, ok := s.st.users[u.ID]
	if !ok {
		return fmt.Errorf("user %d: %w", u.ID, core.ErrNotFound)
	}
	if u.VoucherID != nil {
		if _, ok := s.st.users[*u.VoucherID]; !ok {
			return fmt.Errorf("voucher %d: %w", *u.VoucherID, core.ErrNotFound)
		}
	}
	cur.Name = u.Name
	cur.Active = u.Active
	cur.Permission = u.Permission
	cur.External = u.External
	cur.VoucherID = u.VoucherID
	cur.AccessedAt = u.AccessedAt
	s.st.users[u.ID] = cur
	return nil
}

func (s *Store) GetCommunityUser(ctx context.Context) (core.User, error) {
	defer s.lock(ctx)()
	for _, u := range s.st.users {
		if u.Special {
			return u, nil
		}
	}
	return core.User{}, fmt.Errorf("community user: %w", core.ErrNotFound)
}

func (s *Store) CreateAlias(ctx context.Context, a core.Alias) (core.Alias, error) {
	defer s.lock(ctx)()
	if _, ok := s.st.users[a.UserID]; !ok {
		return core.Alias{}, fmt.Errorf("user %d: %w", a.UserID, core.ErrNotFound)
	}
	for _, other := range s.st.aliases {
		if other.ApplicationID != a.ApplicationID {
			continue
		}
		if other.AppUserID == a.AppUserID || other.UserID == a.UserID {
			return core.Alias{}, fmt.Errorf("alias %q: %w", a.AppUserID, core.ErrConflict)
		}
	}
	a.ID = s.id()
	s.st.aliases[a.ID] = a
	return a, nil
}

func (s *Store) FindAlias(ctx context.Context, applicationID int64, appUserID string) (core.Alias, error) {
	defer s.lock(ctx)()
	for _, a := range s.st.aliases {
		if a.ApplicationID == applicationID && a.AppUserID == appUserID {
			return a, nil
		}
	}
	return core.Alias{}, fmt.Errorf("alias %q: %w", appUserID, core.ErrNotFound)
}

func (s *Store) ListAliases(ctx context.Context, userID int64) ([]core.Alias, error) {
	defer s.lock(ctx)()
	var out []core.Alias
	for _, a := range s.st.aliases {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b core.Alias) int { return int(a.ID - b.ID) })
	return out, nil
}

// --- ledger ---

func (s *Store) InsertTransaction(ctx context.Context, tr core.Transfer, at time.Time) (core.Transaction, error) {
	defer s.lock(ctx)()
	if err := tr.Validate(); err != nil {
		return core.Transaction{}, err
	}
	for _, id := range []int64{tr.Sender, tr.Receiver} {
		if _, ok := s.st.users[id]; !ok {
			return core.Transaction{}, fmt.Errorf("user %d: %w", id, core.ErrNotFound)
		}
	}
	t := core.Transaction{
		ID:          s.id(),
		Sender:      tr.Sender,
		Receiver:    tr.Receiver,
		Amount:      tr.Amount,
		Reason:      tr.Reason,
		Type:        tr.Type,
		OperationID: tr.OperationID,
		CreatedAt:   at.UTC(),
	}
	s.st.transactions = append(s.st.transactions, t)
	return t, nil
}

func (s *Store) AdjustBalance(ctx context.Context, userID int64, delta int64) error {
	defer s.lock(ctx)()
	u, ok := s.st.users[userID]
	if !ok {
		return fmt.Errorf("user %d: %w", userID, core.ErrNotFound)
	}
	u.Balance += delta
	s.st.users[userID] = u
	return nil
}

func (s *Store) ListTransactions(ctx context.Context, userID int64, limit int) ([]core.Transaction, error) {
	defer s.lock(ctx)()
	var out []core.Transaction
	for i := len(s.st.transactions) - 1; i >= 0; i-- {
		t := s.st.transactions[i]
		if t.Sender != userID && t.Receiver != userID {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) SumBalances(ctx context.Context) (int64, error) {
	defer s.lock(ctx)()
	var sum int64
	for _, u := range s.st.users {
		sum += u.Balance
	}
	return sum, nil
}

// --- operations ---

func (s *Store) CreateOperation(ctx context.Context, op core.Operation) (core.Operation, error) {
	defer s.lock(ctx)()
	if _, ok := s.st.users[op.CreatorID]; !ok {
		return core.Operation{}, fmt.Errorf("creator %d: %w", op.CreatorID, core.ErrNotFound)
	}
	if op.Status == core.StatusOpen {
		for _, other := range s.st.operations {
			if other.Status == core.StatusOpen && other.CreatorID == op.CreatorID && other.Kind == op.Kind {
				return core.Operation{}, fmt.Errorf("operation %d: %w", other.ID, core.ErrDuplicateActiveOperation)
			}
		}
	}
	op.ID = s.id()
	s.st.operations[op.ID] = cloneOperation(op)
	return op, nil
}

func (s *Store) GetOperation(ctx context.Context, id int64) (core.Operation, error) {
	defer s.lock(ctx)()
	op, ok := s.st.operations[id]
	if !ok {
		return core.Operation{}, fmt.Errorf("operation %d: %w", id, core.ErrNotFound)
	}
	return cloneOperation(op), nil
}

func (s *Store) SaveOperation(ctx context.Context, op core.Operation) error {
	defer s.lock(ctx)()
	if _, ok := s.st.operations[op.ID]; !ok {
		return fmt.Errorf("operation %d: %w", op.ID, core.ErrNotFound)
	}
	if op.Externals < 0 {
		return core.ErrNegativeExternalCount
	}
	ps := slices.Clone(op.Participants)
	slices.SortStableFunc(ps, func(a, b core.Participant) int { return int(a.JoinedSeq - b.JoinedSeq) })
	op.Participants = ps
	s.st.operations[op.ID] = cloneOperation(op)
	return nil
}

func (s *Store) ListOpenFor(ctx context.Context, userID int64) ([]core.Operation, error) {
	defer s.lock(ctx)()
	var out []core.Operation
	for _, op := range s.st.operations {
		if op.Status != core.StatusOpen {
			continue
		}
		if op.CreatorID == userID || op.IsParticipant(userID) || hasVoted(op, userID) {
			out = append(out, cloneOperation(op))
		}
	}
	slices.SortFunc(out, func(a, b core.Operation) int { return int(a.ID - b.ID) })
	return out, nil
}

func hasVoted(op core.Operation, userID int64) bool {
	for _, v := range op.Votes {
		if v.UserID == userID {
			return true
		}
	}
	return false
}

func (s *Store) ListIdleOperations(ctx context.Context, before time.Time) ([]int64, error) {
	defer s.lock(ctx)()
	var idle []core.Operation
	for _, op := range s.st.operations {
		if op.Status == core.StatusOpen && op.UpdatedAt.Before(before) {
			idle = append(idle, op)
		}
	}
	slices.SortFunc(idle, func(a, b core.Operation) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	ids := make([]int64, len(idle))
	for i, op := range idle {
		ids[i] = op.ID
	}
	return ids, nil
}

// --- chat messages and callbacks ---

func (s *Store) AddOperationMessage(ctx context.Context, ref storage.MessageRef) error {
	defer s.lock(ctx)()
	if _, ok := s.st.operations[ref.OperationID]; !ok {
		return fmt.Errorf("operation %d: %w", ref.OperationID, core.ErrNotFound)
	}
	refs := s.st.messages[ref.OperationID]
	for i := range refs {
		if refs[i].ChatID == ref.ChatID {
			refs[i].MessageID = ref.MessageID
			return nil
		}
	}
	s.st.messages[ref.OperationID] = append(refs, ref)
	return nil
}

func (s *Store) ListOperationMessages(ctx context.Context, operationID int64) ([]storage.MessageRef, error) {
	defer s.lock(ctx)()
	return slices.Clone(s.st.messages[operationID]), nil
}

func (s *Store) AddCallback(ctx context.Context, cb core.Callback) (core.Callback, error) {
	defer s.lock(ctx)()
	if _, ok := s.st.applications[cb.ApplicationID]; !ok {
		return core.Callback{}, fmt.Errorf("application %d: %w", cb.ApplicationID, core.ErrNotFound)
	}
	for _, other := range s.st.callbacks {
		if other.ApplicationID == cb.ApplicationID && other.URL == cb.URL {
			return core.Callback{}, fmt.Errorf("callback %q: %w", cb.URL, core.ErrConflict)
		}
	}
	cb.ID = s.id()
	s.st.callbacks = append(s.st.callbacks, cb)
	return cb, nil
}

func (s *Store) ListCallbacks(ctx context.Context) ([]core.Callback, error) {
	defer s.lock(ctx)()
	return slices.Clone(s.st.callbacks), nil
}
