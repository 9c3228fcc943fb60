package task

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"bountyflow/escrow"
	"bountyflow/reputation"
)

// fakeStore is an in-memory stand-in for the tables a transition writes. One
// transaction runs at a time, which gives the same exclusion as the row lock.
type fakeStore struct {
	txMu sync.Mutex

	mu          sync.Mutex
	tasks       map[string]Task
	events      []Event
	topics      []string
	settlements map[string]escrow.Record
	reps        map[string]reputation.Record
	feedback    map[string]reputation.Feedback
	commits     int
	rollbacks   int

	failInsert error
	failCommit error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:       make(map[string]Task),
		settlements: make(map[string]escrow.Record),
		reps:        make(map[string]reputation.Record),
		feedback:    make(map[string]reputation.Feedback),
	}
}

func (s *fakeStore) Begin(ctx context.Context) (pgx.Tx, error) {
	s.txMu.Lock()
	return &fakeTx{
		store:    s,
		tasks:    make(map[string]Task),
		reps:     make(map[string]reputation.Record),
		feedback: make(map[string]reputation.Feedback),
	}, nil
}

// failNext makes the next inserts or commits fail with the given errors until
// reset with nil.
func (s *fakeStore) failNext(insert, commit error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failInsert = insert
	s.failCommit = commit
}

func (s *fakeStore) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	return ok
}

func (s *fakeStore) task(id string) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id].Clone()
}

func (s *fakeStore) eventTypes(taskID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.events {
		if ev.TaskID == taskID {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (s *fakeStore) reputation(identity string) reputation.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reps[identity]
}

func (s *fakeStore) counts() (commits, rollbacks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits, s.rollbacks
}

type fakeTx struct {
	store *fakeStore
	done  bool

	tasks       map[string]Task
	events      []Event
	topics      []string
	settlements []escrow.Record
	reps        map[string]reputation.Record
	feedback    map[string]reputation.Feedback
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	if f.done {
		return pgx.ErrTxClosed
	}
	f.done = true
	s := f.store
	s.mu.Lock()
	if err := s.failCommit; err != nil {
		s.rollbacks++
		s.mu.Unlock()
		s.txMu.Unlock()
		return err
	}
	for id, t := range f.tasks {
		s.tasks[id] = t
	}
	s.events = append(s.events, f.events...)
	s.topics = append(s.topics, f.topics...)
	for _, rec := range f.settlements {
		s.settlements[rec.Key] = rec
	}
	for id, rec := range f.reps {
		s.reps[id] = rec
	}
	for k, fb := range f.feedback {
		s.feedback[k] = fb
	}
	s.commits++
	s.mu.Unlock()
	s.txMu.Unlock()
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if f.done {
		return nil
	}
	f.done = true
	f.store.mu.Lock()
	f.store.rollbacks++
	f.store.mu.Unlock()
	f.store.txMu.Unlock()
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

// fakeRepo routes the repository calls of a service to the store.
type fakeRepo struct {
	store *fakeStore
}

var (
	_ Repository      = fakeRepo{}
	_ ReputationStore = fakeRepo{}
)

func (r fakeRepo) Insert(_ context.Context, tx pgx.Tx, t Task) (Task, error) {
	r.store.mu.Lock()
	err := r.store.failInsert
	r.store.mu.Unlock()
	if err != nil {
		return Task{}, err
	}
	ftx := tx.(*fakeTx)
	ftx.tasks[t.ID] = t.Clone()
	return t, nil
}

func (r fakeRepo) GetForUpdate(_ context.Context, tx pgx.Tx, id string) (Task, error) {
	ftx := tx.(*fakeTx)
	if t, ok := ftx.tasks[id]; ok {
		return t.Clone(), nil
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	t, ok := r.store.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t.Clone(), nil
}

func (r fakeRepo) Update(ctx context.Context, tx pgx.Tx, t Task) error {
	if _, err := r.GetForUpdate(ctx, tx, t.ID); err != nil {
		return err
	}
	tx.(*fakeTx).tasks[t.ID] = t.Clone()
	return nil
}

func (r fakeRepo) AppendEvent(_ context.Context, tx pgx.Tx, ev Event) error {
	ftx := tx.(*fakeTx)
	ftx.events = append(ftx.events, ev)
	return nil
}

func (r fakeRepo) Enqueue(_ context.Context, tx pgx.Tx, topic string, _ map[string]any) error {
	ftx := tx.(*fakeTx)
	ftx.topics = append(ftx.topics, topic)
	return nil
}

func (r fakeRepo) InsertSettlements(_ context.Context, tx pgx.Tx, _ string, recs []escrow.Record) error {
	ftx := tx.(*fakeTx)
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, rec := range recs {
		if _, dup := r.store.settlements[rec.Key]; dup {
			return ErrDuplicateSettlement
		}
		ftx.settlements = append(ftx.settlements, rec)
	}
	return nil
}

func (r fakeRepo) Get(_ context.Context, id string) (Task, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	t, ok := r.store.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t.Clone(), nil
}

func (r fakeRepo) List(_ context.Context, filters Filters) ([]Task, int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	list := []Task{}
	for _, t := range r.store.tasks {
		if filters.Status != "" && t.Status != filters.Status {
			continue
		}
		if filters.Authority != "" && t.Authority != filters.Authority {
			continue
		}
		if filters.Claimer != "" && t.Claimer != filters.Claimer {
			continue
		}
		list = append(list, t.Clone())
	}
	return list, len(list), nil
}

func (r fakeRepo) LoadForUpdate(_ context.Context, tx pgx.Tx, identity string) (reputation.Record, error) {
	ftx := tx.(*fakeTx)
	if rec, ok := ftx.reps[identity]; ok {
		return rec, nil
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	rec, ok := r.store.reps[identity]
	if !ok {
		return reputation.Record{Identity: identity}, nil
	}
	rec.Ratings = slices.Clone(rec.Ratings)
	return rec, nil
}

func (r fakeRepo) Save(_ context.Context, tx pgx.Tx, rec reputation.Record) error {
	rec.Ratings = slices.Clone(rec.Ratings)
	tx.(*fakeTx).reps[rec.Identity] = rec
	return nil
}

func (r fakeRepo) SaveFeedback(_ context.Context, tx pgx.Tx, fb reputation.Feedback) error {
	tx.(*fakeTx).feedback[fb.TaskID+"/"+fb.Author] = fb
	return nil
}
