package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/stepflow/model"
)

// ErrTxDone is returned when a finished transaction is used again.
var ErrTxDone = errors.New("transaction already committed or rolled back")

// MemoryRecordStore is an in-memory RecordStore for testing and single
// instance deployments. Transactions stage their writes and validate
// record versions on commit, so concurrent transactions never block each
// other.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	steps   map[string]model.Step
	records map[string]model.StepRecord // key: record ID
}

// NewMemoryRecordStore creates a new in-memory record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		steps:   make(map[string]model.Step),
		records: make(map[string]model.StepRecord),
	}
}

// GetStep returns a step row.
func (s *MemoryRecordStore) GetStep(_ context.Context, stepID string) (model.Step, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	step, ok := s.steps[stepID]
	return step, ok, nil
}

// SaveStep inserts or replaces a step row.
func (s *MemoryRecordStore) SaveStep(_ context.Context, step model.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.steps[step.ID]; ok && step.CreatedAt.IsZero() {
		step.CreatedAt = existing.CreatedAt
		step.CreatedBy = existing.CreatedBy
	}
	s.steps[step.ID] = step
	return nil
}

// Get returns a committed record.
func (s *MemoryRecordStore) Get(_ context.Context, id string) (model.StepRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return model.StepRecord{}, false, nil
	}
	return rec.Clone(), true, nil
}

// List returns one page of committed records.
func (s *MemoryRecordStore) List(_ context.Context, stepID string, page model.Pagination) ([]model.StepRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, total := listPage(s.records, nil, stepID, page)
	return rows, total, nil
}

// Begin opens a staged transaction.
func (s *MemoryRecordStore) Begin(_ context.Context) (RecordTx, error) {
	return &memTx{
		store:    s,
		staged:   make(map[string]model.StepRecord),
		inserted: make(map[string]bool),
		base:     make(map[string]int),
	}, nil
}

// Len returns the number of committed records. For testing.
func (s *MemoryRecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// memTx stages writes until Commit.
type memTx struct {
	store    *MemoryRecordStore
	staged   map[string]model.StepRecord
	inserted map[string]bool
	base     map[string]int // committed version each staged update started from
	done     bool
}

func (t *memTx) GetStep(ctx context.Context, stepID string) (model.Step, bool, error) {
	return t.store.GetStep(ctx, stepID)
}

func (t *memTx) Get(_ context.Context, id string) (model.StepRecord, bool, error) {
	if t.done {
		return model.StepRecord{}, false, ErrTxDone
	}
	rec, ok := t.lookup(id)
	if !ok {
		return model.StepRecord{}, false, nil
	}
	return rec.Clone(), true, nil
}

func (t *memTx) List(_ context.Context, stepID string, page model.Pagination) ([]model.StepRecord, int, error) {
	if t.done {
		return nil, 0, ErrTxDone
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	rows, total := listPage(t.store.records, t.staged, stepID, page)
	return rows, total, nil
}

func (t *memTx) Insert(_ context.Context, rec *model.StepRecord) error {
	if t.done {
		return ErrTxDone
	}
	if _, exists := t.lookup(rec.ID); exists {
		return fmt.Errorf("insert step record %q: already exists", rec.ID)
	}
	rec.Version = 1
	t.staged[rec.ID] = rec.Clone()
	t.inserted[rec.ID] = true
	return nil
}

func (t *memTx) Update(_ context.Context, rec *model.StepRecord) error {
	if t.done {
		return ErrTxDone
	}
	current, ok := t.lookup(rec.ID)
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("step record %q not found", rec.ID))
	}
	if current.Version != rec.Version {
		return versionConflict(rec.ID, rec.Version)
	}
	if _, staged := t.staged[rec.ID]; !staged && !t.inserted[rec.ID] {
		t.base[rec.ID] = current.Version
	}
	rec.Version++
	t.staged[rec.ID] = rec.Clone()
	return nil
}

func (t *memTx) FindNext(_ context.Context, previousID string) ([]model.StepRecord, error) {
	if t.done {
		return nil, ErrTxDone
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	var next []model.StepRecord
	for _, rec := range merged(t.store.records, t.staged) {
		if rec.PreviousID == previousID && rec.Status != model.StatusCanceled {
			next = append(next, rec.Clone())
		}
	}
	sortByCreated(next)
	return next, nil
}

func (t *memTx) ResetStatus(ctx context.Context, id string, status model.RecordStatus, note string) error {
	rec, ok, err := t.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("step record %q not found", id))
	}
	rec.Status = status
	rec.Note = note
	return t.Update(ctx, &rec)
}

func (t *memTx) Commit(_ context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range t.inserted {
		if _, exists := s.records[id]; exists {
			return fmt.Errorf("insert step record %q: already exists", id)
		}
	}
	for id, version := range t.base {
		if s.records[id].Version != version {
			return versionConflict(id, version)
		}
	}
	for id, rec := range t.staged {
		s.records[id] = rec
	}
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	return nil
}

// lookup returns the staged record, else the committed one.
func (t *memTx) lookup(id string) (model.StepRecord, bool) {
	if rec, ok := t.staged[id]; ok {
		return rec, true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	rec, ok := t.store.records[id]
	return rec, ok
}

func versionConflict(id string, version int) error {
	return model.NewVersionConflictError(
		fmt.Sprintf("step record %q version conflict (expected %d)", id, version),
	)
}

// merged overlays staged on committed without copying records.
func merged(committed, staged map[string]model.StepRecord) map[string]model.StepRecord {
	if len(staged) == 0 {
		return committed
	}
	out := make(map[string]model.StepRecord, len(committed)+len(staged))
	for id, rec := range committed {
		out[id] = rec
	}
	for id, rec := range staged {
		out[id] = rec
	}
	return out
}

func listPage(committed, staged map[string]model.StepRecord, stepID string, page model.Pagination) ([]model.StepRecord, int) {
	var rows []model.StepRecord
	for _, rec := range merged(committed, staged) {
		if rec.StepID == stepID {
			rows = append(rows, rec)
		}
	}
	sortByCreated(rows)
	// Newest first.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}

	total := len(rows)
	offset := page.Offset()
	if offset >= total {
		return []model.StepRecord{}, total
	}
	rows = rows[offset:]
	if page.PageSize > 0 && page.PageSize < len(rows) {
		rows = rows[:page.PageSize]
	}

	out := make([]model.StepRecord, len(rows))
	for i, rec := range rows {
		out[i] = rec.Clone()
	}
	return out, total
}

// sortByCreated orders records oldest first, breaking ties by id.
func sortByCreated(rows []model.StepRecord) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
}
