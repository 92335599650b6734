package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"matebot/internal/core"
	"matebot/internal/ledger"
	applog "matebot/internal/log"
	"matebot/internal/metrics"
	"matebot/internal/notify"
	"matebot/internal/registry"
	"matebot/internal/storage"
	"matebot/internal/users"
)

const tracerName = "matebot/internal/services"

// SystemActor identifies mutations not triggered by a user, such as idle
// expiry.
const SystemActor int64 = 0

// CollectiveConfig holds the ballot settings applied at creation time
type CollectiveConfig struct {
	// TallyMode decides how votes are counted (default: sum)
	TallyMode core.TallyMode

	// Threshold is the sum or quorum a ballot must reach (default: 1)
	Threshold int
}

// DefaultCollectiveConfig returns sensible defaults
func DefaultCollectiveConfig() CollectiveConfig {
	return CollectiveConfig{
		TallyMode: core.TallySum,
		Threshold: 1,
	}
}

// Snapshot is an operation as returned to transports.
type Snapshot struct {
	Operation    core.Operation
	View         core.View
	Tally        core.Tally
	Transactions []core.Transaction
}

// CollectiveService runs communisms and ballots. Every mutation holds the
// per-operation slot of the registry and commits its state change and
// ledger batch in one store transaction. Notifications go out after the
// commit, once the slot is released.
type CollectiveService struct {
	store    storage.OperationStore
	ledger   *ledger.Ledger
	users    *users.Registry
	registry *registry.Registry
	sink     notify.Sink
	config   CollectiveConfig
	metrics  *metrics.Metrics
	logger   *applog.Logger
	events   *applog.StructuredLogger
	tracer   trace.Tracer
	now      func() time.Time
}

type CollectiveOption func(*CollectiveService)

func WithCollectiveConfig(c CollectiveConfig) CollectiveOption {
	return func(s *CollectiveService) {
		if !c.TallyMode.IsValid() {
			c.TallyMode = core.TallySum
		}
		if c.Threshold < 1 {
			c.Threshold = 1
		}
		s.config = c
	}
}

func WithCollectiveLogger(l *applog.Logger) CollectiveOption {
	return func(s *CollectiveService) {
		s.logger = l.WithComponent(applog.ComponentCollective)
		s.events = applog.NewStructuredLogger(l)
	}
}

func WithCollectiveMetrics(m *metrics.Metrics) CollectiveOption {
	return func(s *CollectiveService) { s.metrics = m }
}

func WithCollectiveClock(now func() time.Time) CollectiveOption {
	return func(s *CollectiveService) { s.now = now }
}

func WithTracer(t trace.Tracer) CollectiveOption {
	return func(s *CollectiveService) { s.tracer = t }
}

func NewCollectiveService(
	store storage.OperationStore,
	ledger *ledger.Ledger,
	users *users.Registry,
	registry *registry.Registry,
	sink notify.Sink,
	opts ...CollectiveOption,
) *CollectiveService {
	logger := applog.New(applog.DefaultConfig())
	if sink == nil {
		sink = notify.Nop{}
	}
	s := &CollectiveService{
		store:    store,
		ledger:   ledger,
		users:    users,
		registry: registry,
		sink:     sink,
		config:   DefaultCollectiveConfig(),
		logger:   logger.WithComponent(applog.ComponentCollective),
		events:   applog.NewStructuredLogger(logger),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *CollectiveService) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "collective."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// participant loads a user allowed to join operations and vote.
func (s *CollectiveService) participant(ctx context.Context, id int64) (core.User, error) {
	u, err := s.users.Get(ctx, id)
	if err != nil {
		return core.User{}, fmt.Errorf("user %d: %w", id, err)
	}
	if !u.CanParticipate() {
		return core.User{}, fmt.Errorf("user %d: %w: %w", id, core.ErrForbidden, core.ErrInactiveUser)
	}
	return u, nil
}

// CreateCommunism opens a communism with the creator as sole participant.
func (s *CollectiveService) CreateCommunism(ctx context.Context, creatorID, amount int64, reason string) (_ Snapshot, err error) {
	ctx, span := s.startSpan(ctx, applog.OpCreate,
		attribute.String("operation.kind", string(core.KindCommunism)),
		attribute.Int64("actor.id", creatorID))
	defer func() { endSpan(span, err) }()

	if _, err := s.participant(ctx, creatorID); err != nil {
		return Snapshot{}, err
	}
	op, err := core.NewCommunism(creatorID, amount, reason, s.now().UTC())
	if err != nil {
		return Snapshot{}, err
	}
	return s.create(ctx, op)
}

// CreateBallot opens a ballot. A positive payout is paid from the
// community account to the creator if the ballot passes.
func (s *CollectiveService) CreateBallot(ctx context.Context, creatorID int64, question string, restricted bool, payout int64) (_ Snapshot, err error) {
	ctx, span := s.startSpan(ctx, applog.OpCreate,
		attribute.String("operation.kind", string(core.KindBallot)),
		attribute.Int64("actor.id", creatorID))
	defer func() { endSpan(span, err) }()

	if _, err := s.participant(ctx, creatorID); err != nil {
		return Snapshot{}, err
	}
	op, err := core.NewBallot(creatorID, question, restricted, payout, s.config.TallyMode, s.config.Threshold, s.now().UTC())
	if err != nil {
		return Snapshot{}, err
	}
	return s.create(ctx, op)
}

func (s *CollectiveService) create(ctx context.Context, op core.Operation) (Snapshot, error) {
	var created core.Operation
	err := s.registry.WithCreator(ctx, op.CreatorID, op.Kind, func(ctx context.Context) error {
		open, err := s.registry.HasOpen(ctx, op.CreatorID, op.Kind)
		if err != nil {
			return err
		}
		if open {
			return core.ErrDuplicateActiveOperation
		}
		created, err = s.store.CreateOperation(ctx, op)
		return err
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("create %s: %w", op.Kind, err)
	}

	s.registry.Open(created.ID, created.Kind)
	s.metrics.IncOperationCreated(string(created.Kind))
	s.logger.InfoContext(ctx, "Collective operation created",
		applog.NewFields().
			WithCollective(created.ID, string(created.Kind), created.CreatorID).
			WithOperation(applog.OpCreate).
			ToSlice()...)

	snap := s.snapshot(ctx, created)
	s.render(ctx, snap.View)
	return snap, nil
}

// JoinOrLeave toggles the membership of a user. When the last participant
// leaves, the communism is cancelled as abandoned without any transfer.
func (s *CollectiveService) JoinOrLeave(ctx context.Context, id, userID int64) (_ Snapshot, err error) {
	ctx, span := s.startSpan(ctx, applog.OpJoin, attribute.Int64("operation.id", id), attribute.Int64("actor.id", userID))
	defer func() { endSpan(span, err) }()

	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("user %d: %w", userID, err)
	}
	snap, err := s.mutate(ctx, id, userID, func(ctx context.Context, op *core.Operation, _ *commit) error {
		if op.Status != core.StatusOpen {
			return core.ErrAlreadyClosed
		}
		if !op.IsParticipant(userID) && !user.CanParticipate() {
			return fmt.Errorf("user %d: %w", userID, core.ErrForbidden)
		}
		now := s.now().UTC()
		if _, err := op.ToggleMembership(userID, now); err != nil {
			return err
		}
		if op.Kind == core.KindCommunism && len(op.Participants) == 0 {
			return op.Close(core.StatusCancelled, core.OutcomeAbandoned, now)
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("join or leave %d: %w", id, err)
	}
	return snap, nil
}

// SetQuantity changes how many shares a participant pays for.
func (s *CollectiveService) SetQuantity(ctx context.Context, id, userID int64, quantity int) (_ Snapshot, err error) {
	ctx, span := s.startSpan(ctx, applog.OpQuantity, attribute.Int64("operation.id", id), attribute.Int64("actor.id", userID))
	defer func() { endSpan(span, err) }()

	if _, err := s.participant(ctx, userID); err != nil {
		return Snapshot{}, err
	}
	snap, err := s.mutate(ctx, id, userID, func(ctx context.Context, op *core.Operation, _ *commit) error {
		return op.SetQuantity(userID, quantity, s.now().UTC())
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("set quantity %d: %w", id, err)
	}
	return snap, nil
}

// AdjustExternals adds or removes one external participant. Externals
// lower every member's share, so only the creator or a permission holder
// may change them.
func (s *CollectiveService) AdjustExternals(ctx context.Context, id, actorID int64, delta int) (_ Snapshot, err error) {
	ctx, span := s.startSpan(ctx, applog.OpExternal, attribute.Int64("operation.id", id), attribute.Int64("actor.id", actorID))
	defer func() { endSpan(span, err) }()

	actor, err := s.users.Get(ctx, actorID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("user %d: %w", actorID, err)
	}
	snap, err := s.mutate(ctx, id, actorID, func(ctx context.Context, op *core.Operation, _ *commit) error {
		if op.Status != core.StatusOpen {
			return core.ErrAlreadyClosed
		}
		if !op.CanAdminister(actor) {
			return fmt.Errorf("user %d may not change externals: %w", actorID, core.ErrForbidden)
		}
		return op.AdjustExternals(delta, s.now().UTC())
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("adjust externals %d: %w", id, err)
	}
	return snap, nil
}

// CastVote records or replaces the vote of a user. Restricted ballots only
// accept votes from users holding the permission flag.
func (s *CollectiveService) CastVote(ctx context.Context, id, userID int64, value int) (_ Snapshot, err error) {
	ctx, span := s.startSpan(ctx, applog.OpVote, attribute.Int64("operation.id", id), attribute.Int64("actor.id", userID))
	defer func() { endSpan(span, err) }()

	user, err := s.participant(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	snap, err := s.mutate(ctx, id, userID, func(ctx context.Context, op *core.Operation, _ *commit) error {
		if op.Restricted && !user.Permission {
			return fmt.Errorf("restricted ballot: %w", core.ErrForbidden)
		}
		return op.CastVote(userID, value, s.now().UTC())
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("cast vote %d: %w", id, err)
	}
	return snap, nil
}

// Finalize closes the operation and applies its ledger effect atomically.
// A communism charges every paying participant their share; a passing
// ballot with a payout refunds its creator from the community account.
func (s *CollectiveService) Finalize(ctx context.Context, id, actorID int64) (_ Snapshot, err error) {
	ctx, span := s.startSpan(ctx, applog.OpFinalize, attribute.Int64("operation.id", id), attribute.Int64("actor.id", actorID))
	defer func() { endSpan(span, err) }()
	start := time.Now()

	actor, err := s.users.Get(ctx, actorID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("user %d: %w", actorID, err)
	}

	snap, err := s.mutate(ctx, id, actorID, func(ctx context.Context, op *core.Operation, c *commit) error {
		if !op.CanAdminister(actor) {
			return fmt.Errorf("user %d may not finalize: %w", actorID, core.ErrForbidden)
		}
		if op.Status != core.StatusOpen {
			return core.ErrAlreadyClosed
		}
		now := s.now().UTC()
		switch op.Kind {
		case core.KindBallot:
			outcome, transfers, err := s.decide(ctx, op)
			if err != nil {
				return err
			}
			if c.txs, err = s.ledger.RecordBatch(ctx, transfers); err != nil {
				return err
			}
			return op.Close(core.StatusFinalized, outcome, now)
		default:
			st, err := op.Settle()
			if err != nil {
				return err
			}
			if c.txs, err = s.ledger.RecordBatch(ctx, st.Transfers); err != nil {
				return err
			}
			c.settlement = &st
			return op.Close(core.StatusFinalized, core.OutcomeSettled, now)
		}
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("finalize %d: %w", id, err)
	}
	s.metrics.ObserveFinalize(start)
	return snap, nil
}

// decide tallies a ballot and returns its outcome with the refund, if any.
func (s *CollectiveService) decide(ctx context.Context, op *core.Operation) (core.Outcome, []core.Transfer, error) {
	strategy, err := GetTallyStrategy(op.TallyMode)
	if err != nil {
		return core.OutcomeNone, nil, err
	}
	if !strategy.Passes(op.Tally(), op.Threshold) {
		return core.OutcomeRejected, nil, nil
	}
	if op.Amount == 0 {
		return core.OutcomePassed, nil, nil
	}
	community, err := s.users.EnsureCommunity(ctx)
	if err != nil {
		return core.OutcomeNone, nil, err
	}
	opID := op.ID
	return core.OutcomePassed, []core.Transfer{{
		Sender:      community.ID,
		Receiver:    op.CreatorID,
		Amount:      op.Amount,
		Reason:      "refund: " + op.Description,
		Type:        core.TransferRefund,
		OperationID: &opID,
	}}, nil
}

// Cancel closes the operation without any ledger effect.
func (s *CollectiveService) Cancel(ctx context.Context, id, actorID int64) (_ Snapshot, err error) {
	ctx, span := s.startSpan(ctx, applog.OpCancel, attribute.Int64("operation.id", id), attribute.Int64("actor.id", actorID))
	defer func() { endSpan(span, err) }()

	actor, err := s.users.Get(ctx, actorID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("user %d: %w", actorID, err)
	}
	snap, err := s.mutate(ctx, id, actorID, func(ctx context.Context, op *core.Operation, _ *commit) error {
		if !op.CanAdminister(actor) {
			return fmt.Errorf("user %d may not cancel: %w", actorID, core.ErrForbidden)
		}
		return op.Close(core.StatusCancelled, core.OutcomeCancelled, s.now().UTC())
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("cancel %d: %w", id, err)
	}
	return snap, nil
}

// Expire cancels an operation that has not changed since cutoff. It
// reports false when the operation was touched or closed in the meantime.
func (s *CollectiveService) Expire(ctx context.Context, id int64, cutoff time.Time) (_ bool, err error) {
	ctx, span := s.startSpan(ctx, applog.OpCancel, attribute.Int64("operation.id", id), attribute.Bool("expire", true))
	defer func() { endSpan(span, err) }()

	errSkip := errors.New("not idle")
	_, err = s.mutate(ctx, id, SystemActor, func(ctx context.Context, op *core.Operation, _ *commit) error {
		if op.Status != core.StatusOpen || op.UpdatedAt.After(cutoff) {
			return errSkip
		}
		return op.Close(core.StatusCancelled, core.OutcomeExpired, s.now().UTC())
	})
	if errors.Is(err, errSkip) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("expire %d: %w", id, err)
	}
	return true, nil
}

// Get returns an operation with its current view.
func (s *CollectiveService) Get(ctx context.Context, id int64) (Snapshot, error) {
	op, err := s.registry.Lookup(ctx, id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get operation %d: %w", id, err)
	}
	return s.snapshot(ctx, op), nil
}

// ListOpenFor returns the open operations a user created or takes part in.
func (s *CollectiveService) ListOpenFor(ctx context.Context, userID int64) ([]Snapshot, error) {
	if _, err := s.users.Get(ctx, userID); err != nil {
		return nil, fmt.Errorf("user %d: %w", userID, err)
	}
	ops, err := s.registry.ListOpenFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list open operations: %w", err)
	}
	out := make([]Snapshot, 0, len(ops))
	for _, op := range ops {
		out = append(out, s.snapshot(ctx, op))
	}
	return out, nil
}

// commit is the ledger effect of a mutation, filled in by the mutation.
type commit struct {
	settlement *core.Settlement
	txs        []core.Transaction
}

// mutate loads, changes and saves an operation while holding its slot.
// fn runs inside the store transaction and must use the ctx it receives.
// The result is published after the commit but before the slot is
// released, so views reach the sink in commit order.
func (s *CollectiveService) mutate(ctx context.Context, id, actorID int64, fn func(ctx context.Context, op *core.Operation, c *commit) error) (Snapshot, error) {
	var snap Snapshot
	err := s.registry.WithOperation(ctx, id, func(ctx context.Context) error {
		var (
			out core.Operation
			c   commit
		)
		err := s.store.RunInTx(ctx, func(ctx context.Context) error {
			c = commit{}
			op, err := s.store.GetOperation(ctx, id)
			if err != nil {
				return err
			}
			if err := fn(ctx, &op, &c); err != nil {
				return err
			}
			if err := s.store.SaveOperation(ctx, op); err != nil {
				return err
			}
			out = op
			return nil
		})
		if err != nil {
			return err
		}
		snap = s.publish(ctx, out, actorID, c.settlement, c.txs)
		return nil
	})
	return snap, err
}

// publish runs after commit with the slot still held: it updates the live
// set, metrics and logs and hands the new view to the sink. Sinks are
// expected to queue, not deliver, so the slot is not held across network
// calls.
func (s *CollectiveService) publish(ctx context.Context, op core.Operation, actorID int64, settlement *core.Settlement, txs []core.Transaction) Snapshot {
	snap := s.snapshot(ctx, op)
	snap.Transactions = txs

	if op.Status.IsTerminal() {
		s.registry.Close(op.ID)
		s.metrics.IncOperationClosed(string(op.Kind), string(op.Outcome))
		s.events.LogOperationClosed(ctx, op.ID, string(op.Kind), actorID, string(op.Outcome), len(txs))
		if settlement != nil {
			snap.View = core.RenderSettlement(op, *settlement, s.names(ctx, op))
		}
	}
	s.render(ctx, snap.View)

	if op.Status == core.StatusFinalized {
		a := notify.NewAnnouncement(op, txs, s.now())
		if err := s.sink.Announce(ctx, a); err != nil {
			s.logger.WarnContext(ctx, "Announcement not delivered",
				applog.FieldOperationID, op.ID,
				applog.FieldAnnouncement, a.ID.String(),
				applog.FieldError, err)
		}
	}
	return snap
}

func (s *CollectiveService) render(ctx context.Context, v core.View) {
	if err := s.sink.Render(ctx, v); err != nil {
		s.logger.WarnContext(ctx, "View not delivered",
			applog.FieldOperationID, v.OperationID,
			applog.FieldError, err)
	}
}

func (s *CollectiveService) snapshot(ctx context.Context, op core.Operation) Snapshot {
	return Snapshot{
		Operation: op,
		View:      core.Render(op, s.names(ctx, op)),
		Tally:     op.Tally(),
	}
}

func (s *CollectiveService) names(ctx context.Context, op core.Operation) core.Names {
	ids := make([]int64, 0, 1+len(op.Participants)+len(op.Votes))
	ids = append(ids, op.CreatorID)
	for _, p := range op.Participants {
		ids = append(ids, p.UserID)
	}
	for _, v := range op.Votes {
		ids = append(ids, v.UserID)
	}
	return s.users.Names(ctx, ids...)
}
