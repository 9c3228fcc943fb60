package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"bountyflow/deadline"
	"bountyflow/escrow"
	"bountyflow/logging"
	"bountyflow/metrics"
	"bountyflow/proof"
	"bountyflow/rejection"
	"bountyflow/reputation"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ReputationStore writes reputation inside the transition's transaction.
type ReputationStore interface {
	LoadForUpdate(ctx context.Context, tx pgx.Tx, identity string) (reputation.Record, error)
	Save(ctx context.Context, tx pgx.Tx, rec reputation.Record) error
	SaveFeedback(ctx context.Context, tx pgx.Tx, fb reputation.Feedback) error
}

// Service runs every task operation as one transaction: lock the row, evaluate
// the transition, settle, write the row with its timeline event, outbox
// message and settlement records, commit. A rejection or failure anywhere
// rolls everything back.
type Service struct {
	pool        TxBeginner
	repo        Repository
	reputation  ReputationStore
	machine     *Machine
	settler     *escrow.Settler
	logger      logging.Logger
	now         func() time.Time
	idGenerator func() string
}

func NewService(pool TxBeginner, repo Repository, rep ReputationStore, ledger escrow.Ledger, policy Policy) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		reputation:  rep,
		machine:     NewMachine(policy, nil),
		settler:     escrow.NewSettler(ledger),
		logger:      logging.NewNop(),
		now:         time.Now,
		idGenerator: func() string { return uuid.NewString() },
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithLogger(logger logging.Logger) *Service {
	s.logger = logger.With("component", "task")
	return s
}

func (s *Service) WithValidator(v proof.Validator) *Service {
	s.machine = NewMachine(s.machine.policy, v)
	return s
}

// Create opens a new task owned by params.Authority. A positive inventory is
// transferred into the task's escrow in the same call. The row is written
// before any value moves, and the transfer is reversed if the commit fails.
func (s *Service) Create(ctx context.Context, params CreateParams) (Task, error) {
	now := s.now().UTC()
	t, eff, err := s.machine.NewTask(s.idGenerator(), params, now)
	if err != nil {
		return Task{}, s.reject(OpCreate, "", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, fmt.Errorf("task: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Insert(ctx, tx, t)
	if err != nil {
		return Task{}, err
	}

	if opt, ok := s.settler.Ledger().(escrow.OptInner); ok {
		if err := opt.OptIn(ctx, escrow.AccountFor(created.ID), created.AssetID); err != nil {
			return Task{}, s.reject(OpCreate, created.ID, rejection.Wrap(rejection.TransferRejected, "", err, "escrow opt-in to %s", created.AssetID))
		}
	}

	holdings, records, err := s.settler.Apply(ctx, escrow.Batch{TaskID: created.ID, AssetID: created.AssetID, Seq: created.SettlementSeq, Legs: eff.Legs}, created.Escrow)
	if err != nil {
		return Task{}, s.reject(OpCreate, created.ID, err)
	}
	done := false
	defer func() {
		if !done {
			s.compensate(ctx, OpCreate, created.ID, records)
		}
	}()

	if len(records) > 0 {
		created.Escrow = holdings
		created.SettlementSeq++
		if err := s.repo.Update(ctx, tx, created); err != nil {
			return Task{}, err
		}
	}
	if err := s.record(ctx, tx, OpCreate, params.Authority, created, "", eff, records); err != nil {
		return Task{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Task{}, fmt.Errorf("task: commit create: %w", err)
	}
	done = true

	s.committed(OpCreate, params.Authority, "", created, eff, records)
	return created, nil
}

func (s *Service) Fund(ctx context.Context, taskID, caller string, amount int64) (Task, error) {
	return s.apply(ctx, OpFund, taskID, caller, func(t *Task, _ time.Time) (Effects, error) {
		return s.machine.Fund(t, caller, amount)
	})
}

// Claim takes an open task. group carries the optional companion payment.
func (s *Service) Claim(ctx context.Context, taskID, caller string, quantity int64, group escrow.Group) (Task, error) {
	return s.apply(ctx, OpClaim, taskID, caller, func(t *Task, now time.Time) (Effects, error) {
		return s.machine.Claim(t, caller, now, quantity, group)
	})
}

func (s *Service) Submit(ctx context.Context, taskID, caller, ref string) (Task, error) {
	return s.apply(ctx, OpSubmit, taskID, caller, func(t *Task, now time.Time) (Effects, error) {
		return s.machine.Submit(t, caller, now, ref)
	})
}

func (s *Service) Approve(ctx context.Context, taskID, caller string) (Task, error) {
	return s.apply(ctx, OpApprove, taskID, caller, func(t *Task, _ time.Time) (Effects, error) {
		return s.machine.Approve(t, caller)
	})
}

func (s *Service) Dispute(ctx context.Context, taskID, caller string) (Task, error) {
	return s.apply(ctx, OpDispute, taskID, caller, func(t *Task, now time.Time) (Effects, error) {
		return s.machine.OpenDispute(t, caller, now)
	})
}

func (s *Service) Vote(ctx context.Context, taskID, caller string, support bool) (Task, error) {
	return s.apply(ctx, OpVote, taskID, caller, func(t *Task, _ time.Time) (Effects, error) {
		return s.machine.Vote(t, caller, support)
	})
}

func (s *Service) FinalizeVote(ctx context.Context, taskID, caller string) (Task, error) {
	return s.apply(ctx, OpFinalizeVote, taskID, caller, func(t *Task, _ time.Time) (Effects, error) {
		return s.machine.FinalizeVote(t, caller)
	})
}

func (s *Service) ForceResolve(ctx context.Context, taskID, caller string) (Task, error) {
	return s.apply(ctx, OpForceResolve, taskID, caller, func(t *Task, now time.Time) (Effects, error) {
		return s.machine.ForceResolve(t, now)
	})
}

func (s *Service) Expire(ctx context.Context, taskID, caller string) (Task, error) {
	return s.apply(ctx, OpExpire, taskID, caller, func(t *Task, now time.Time) (Effects, error) {
		return s.machine.Expire(t, now)
	})
}

func (s *Service) AutoReopen(ctx context.Context, taskID, caller string) (Task, error) {
	return s.apply(ctx, OpAutoReopen, taskID, caller, func(t *Task, now time.Time) (Effects, error) {
		return s.machine.AutoReopen(t, now)
	})
}

func (s *Service) Reassign(ctx context.Context, taskID, caller string) (Task, error) {
	return s.apply(ctx, OpReassign, taskID, caller, func(t *Task, now time.Time) (Effects, error) {
		return s.machine.Reassign(t, now)
	})
}

func (s *Service) Cancel(ctx context.Context, taskID, caller string) (Task, error) {
	return s.apply(ctx, OpCancel, taskID, caller, func(t *Task, _ time.Time) (Effects, error) {
		return s.machine.Cancel(t, caller)
	})
}

// ProposeCancellation starts a cancellation vote with the caller's vote.
func (s *Service) ProposeCancellation(ctx context.Context, taskID, caller string) (Task, error) {
	return s.apply(ctx, OpProposeCancel, taskID, caller, func(t *Task, now time.Time) (Effects, error) {
		return s.machine.ProposeCancellation(t, caller, now)
	})
}

func (s *Service) VoteCancellation(ctx context.Context, taskID, caller string) (Task, error) {
	return s.apply(ctx, OpVoteCancel, taskID, caller, func(t *Task, _ time.Time) (Effects, error) {
		return s.machine.VoteCancellation(t, caller)
	})
}

// Close returns everything left in escrow to the authority and retires the task.
func (s *Service) Close(ctx context.Context, taskID, caller string) (Task, error) {
	return s.apply(ctx, OpClose, taskID, caller, func(t *Task, _ time.Time) (Effects, error) {
		return s.machine.Close(t, caller)
	})
}

func (s *Service) PenalizeClaimer(ctx context.Context, taskID, caller string, amount int64) (Task, error) {
	return s.apply(ctx, OpPenalize, taskID, caller, func(t *Task, _ time.Time) (Effects, error) {
		return s.machine.Penalize(t, caller, amount)
	})
}

func (s *Service) WithdrawAssets(ctx context.Context, taskID, caller string, amount int64) (Task, error) {
	return s.apply(ctx, OpWithdraw, taskID, caller, func(t *Task, _ time.Time) (Effects, error) {
		return s.machine.Withdraw(t, caller, amount)
	})
}

func (s *Service) SetPrice(ctx context.Context, taskID, caller string, price int64) (Task, error) {
	return s.apply(ctx, OpSetPrice, taskID, caller, func(t *Task, _ time.Time) (Effects, error) {
		return s.machine.SetPrice(t, caller, price)
	})
}

func (s *Service) SetDeadline(ctx context.Context, taskID, caller string, next time.Time) (Task, error) {
	return s.apply(ctx, OpSetDeadline, taskID, caller, func(t *Task, _ time.Time) (Effects, error) {
		return s.machine.SetDeadline(t, caller, next)
	})
}

// ExtendDeadline moves the deadline forward by d.
func (s *Service) ExtendDeadline(ctx context.Context, taskID, caller string, d time.Duration) (Task, error) {
	return s.apply(ctx, OpSetDeadline, taskID, caller, func(t *Task, _ time.Time) (Effects, error) {
		if d <= 0 {
			return Effects{}, rejection.New(rejection.InvalidArgument, "", "extension must be positive, got %s", d)
		}
		return s.machine.SetDeadline(t, caller, t.Deadline.Add(d))
	})
}

func (s *Service) VoteExtendDeadline(ctx context.Context, taskID, caller string) (Task, error) {
	return s.apply(ctx, OpVoteExtend, taskID, caller, func(t *Task, now time.Time) (Effects, error) {
		return s.machine.VoteExtend(t, caller, now)
	})
}

func (s *Service) RateClaimer(ctx context.Context, taskID, caller string, stars int) (Task, error) {
	return s.apply(ctx, OpRateClaimer, taskID, caller, func(t *Task, _ time.Time) (Effects, error) {
		return s.machine.Rate(t, caller, stars)
	})
}

func (s *Service) LeaveFeedback(ctx context.Context, taskID, caller, body string) (Task, error) {
	return s.apply(ctx, OpLeaveFeedback, taskID, caller, func(t *Task, _ time.Time) (Effects, error) {
		return s.machine.LeaveFeedback(t, caller, body)
	})
}

// Get returns the task snapshot.
func (s *Service) Get(ctx context.Context, taskID string) (Task, error) {
	t, err := s.repo.Get(ctx, taskID)
	if errors.Is(err, ErrNotFound) {
		return Task{}, rejection.New(rejection.NotFound, "get_task", "task %s does not exist", taskID)
	}
	return t, err
}

func (s *Service) Status(ctx context.Context, taskID string) (Status, error) {
	t, err := s.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

func (s *Service) Summary(ctx context.Context, taskID string) (Summary, error) {
	t, err := s.Get(ctx, taskID)
	if err != nil {
		return Summary{}, err
	}
	return t.Summary(), nil
}

func (s *Service) Price(ctx context.Context, taskID string) (int64, error) {
	t, err := s.Get(ctx, taskID)
	if err != nil {
		return 0, err
	}
	return t.UnitaryPrice, nil
}

func (s *Service) IsExpired(ctx context.Context, taskID string) (bool, error) {
	t, err := s.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	return deadline.IsExpired(s.now(), t.Deadline), nil
}

// IsRefundEligible reports a claim that ran past its deadline without proof.
func (s *Service) IsRefundEligible(ctx context.Context, taskID string) (bool, error) {
	t, err := s.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	return t.Status == StatusClaimed && t.Proof == "" && deadline.IsExpired(s.now(), t.Deadline), nil
}

func (s *Service) List(ctx context.Context, filters Filters) ([]Task, int, error) {
	return s.repo.List(ctx, filters)
}

type transition func(t *Task, now time.Time) (Effects, error)

func (s *Service) apply(ctx context.Context, op, taskID, caller string, fn transition) (Task, error) {
	if taskID == "" {
		return Task{}, s.reject(op, taskID, rejection.New(rejection.InvalidArgument, "", "task id is required"))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, fmt.Errorf("task: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now().UTC()
	current, err := s.repo.GetForUpdate(ctx, tx, taskID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Task{}, s.reject(op, taskID, rejection.New(rejection.NotFound, "", "task %s does not exist", taskID))
		}
		return Task{}, err
	}

	next := current.Clone()
	eff, err := fn(&next, now)
	if err != nil {
		return Task{}, s.reject(op, taskID, err)
	}

	if err := s.applyReputation(ctx, tx, &eff); err != nil {
		return Task{}, s.reject(op, taskID, err)
	}

	holdings, records, err := s.settler.Apply(ctx, escrow.Batch{
		TaskID:  current.ID,
		AssetID: current.AssetID,
		Seq:     current.SettlementSeq,
		Legs:    eff.Legs,
	}, current.Escrow)
	if err != nil {
		return Task{}, s.reject(op, taskID, err)
	}
	done := false
	defer func() {
		if !done {
			s.compensate(ctx, op, taskID, records)
		}
	}()
	next.Escrow = holdings
	if len(records) > 0 {
		next.SettlementSeq = current.SettlementSeq + 1
	}
	next.UpdatedAt = now

	if err := s.repo.Update(ctx, tx, next); err != nil {
		return Task{}, err
	}
	if err := s.record(ctx, tx, op, caller, next, current.Status, eff, records); err != nil {
		return Task{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Task{}, fmt.Errorf("task: commit %s: %w", op, err)
	}
	done = true

	s.committed(op, caller, current.Status, next, eff, records)
	return next, nil
}

// applyReputation loads and updates the subject's record. A completion that
// earns the streak bonus appends the bonus payment to the settlement.
func (s *Service) applyReputation(ctx context.Context, tx pgx.Tx, eff *Effects) error {
	if eff.Reputation == RepNone || eff.Subject == "" {
		return nil
	}
	if eff.Reputation == RepFeedback {
		if eff.Feedback == nil {
			return nil
		}
		return s.reputation.SaveFeedback(ctx, tx, *eff.Feedback)
	}

	rec, err := s.reputation.LoadForUpdate(ctx, tx, eff.Subject)
	if err != nil {
		return err
	}
	switch eff.Reputation {
	case RepClaim:
		rec.OnClaim()
	case RepBreak:
		rec.BreakStreak()
	case RepRate:
		if err := rec.AddRating(eff.Stars); err != nil {
			return err
		}
	case RepComplete:
		policy := s.machine.policy.Reputation
		if rec.OnCompletion(policy) {
			treasury := policy.Treasury
			if treasury == "" {
				treasury = reputation.DefaultTreasury
			}
			eff.Legs = append(eff.Legs, escrow.Leg{
				Name:   escrow.LegStreakBonus,
				Kind:   escrow.LegPayment,
				From:   treasury,
				To:     eff.Subject,
				Amount: policy.StreakBonus,
			})
			eff.Payload["streak_bonus"] = policy.StreakBonus
		}
	}
	return s.reputation.Save(ctx, tx, rec)
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, op, caller string, t Task, from Status, eff Effects, records []escrow.Record) error {
	payload := map[string]any{
		"previous_status": from,
		"next_status":     t.Status,
	}
	for k, v := range eff.Payload {
		payload[k] = v
	}
	if len(records) > 0 {
		payload["settlements"] = records
	}

	if err := s.repo.AppendEvent(ctx, tx, Event{TaskID: t.ID, Type: eff.Event, ActorID: caller, Payload: payload}); err != nil {
		return err
	}

	outboxPayload := map[string]any{
		"task_id":  t.ID,
		"op":       op,
		"previous": from,
		"next":     t.Status,
	}
	if eff.Outcome != "" {
		outboxPayload["outcome"] = eff.Outcome
	}
	if err := s.repo.Enqueue(ctx, tx, OutboxTopic(op), outboxPayload); err != nil {
		return err
	}

	if len(records) > 0 {
		if err := s.repo.InsertSettlements(ctx, tx, t.ID, records); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) committed(op, caller string, from Status, t Task, eff Effects, records []escrow.Record) {
	metrics.ObserveTransition(op, string(from), string(t.Status))
	for _, rec := range records {
		metrics.ObserveSettlement(rec.Leg, string(rec.Kind), rec.Amount)
	}
	if eff.Outcome != "" {
		forced, _ := eff.Payload["forced"].(bool)
		metrics.ObserveDisputeOutcome(string(eff.Outcome), forced)
	}
	s.logger.Info("task transition committed",
		"op", op,
		"task_id", t.ID,
		"caller", caller,
		"from", from,
		"to", t.Status,
		"settlement_seq", t.SettlementSeq,
		"legs", len(records),
	)
}

// compensate reverses legs that reached the ledger for a transition that never
// committed. It runs after the caller's context may be gone.
func (s *Service) compensate(ctx context.Context, op, taskID string, records []escrow.Record) {
	if len(records) == 0 {
		return
	}
	if err := s.settler.Reverse(context.WithoutCancel(ctx), records); err != nil {
		metrics.ObserveReversalFailure(op)
		s.logger.Error("settlement reversal failed", "op", op, "task_id", taskID, "legs", len(records), "error", err)
		return
	}
	s.logger.Warn("settlement reversed", "op", op, "task_id", taskID, "legs", len(records))
}

// reject names the operation on a rejection and records it. Other errors pass
// through untouched.
func (s *Service) reject(op, taskID string, err error) error {
	err = rejection.WithOp(err, op)
	if kind := rejection.KindOf(err); kind != "" {
		metrics.ObserveRejection(op, string(kind))
		s.logger.Debug("task operation rejected", "op", op, "task_id", taskID, "kind", kind, "error", err)
	}
	return err
}
