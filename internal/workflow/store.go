package workflow

import (
	"context"
	"sync"

	"github.com/pitabwire/stepflow/model"
)

// RecordReader reads steps and step records.
type RecordReader interface {
	// GetStep returns the step row, or false if the step was never saved.
	GetStep(ctx context.Context, stepID string) (model.Step, bool, error)

	// Get returns a record by id, or false if it does not exist.
	Get(ctx context.Context, id string) (model.StepRecord, bool, error)

	// List returns one page of a step's records ordered by created_at
	// descending, plus the step's total record count.
	List(ctx context.Context, stepID string, page model.Pagination) ([]model.StepRecord, int, error)
}

// RecordStore persists steps and step records.
type RecordStore interface {
	RecordReader

	// SaveStep inserts or updates a step row.
	SaveStep(ctx context.Context, step model.Step) error

	// Begin opens a transaction.
	Begin(ctx context.Context) (RecordTx, error)
}

// RecordTx is one transaction over the record table. Reads inside the
// transaction see its own writes.
type RecordTx interface {
	RecordReader

	// Insert persists a new record. Version is set to 1.
	Insert(ctx context.Context, rec *model.StepRecord) error

	// Update persists rec if the stored version still equals rec.Version
	// and increments rec.Version. A mismatch returns VERSION_CONFLICT.
	Update(ctx context.Context, rec *model.StepRecord) error

	// FindNext returns the records whose previous id is previousID and
	// whose status is not canceled.
	FindNext(ctx context.Context, previousID string) ([]model.StepRecord, error)

	// ResetStatus sets a record's status and note directly.
	ResetStatus(ctx context.Context, id string, status model.RecordStatus, note string) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type txKey struct{}

type txBinding struct {
	store RecordStore
	tx    RecordTx
	done  *txCallbacks
}

type txCallbacks struct {
	mu  sync.Mutex
	fns []func()
}

// WithTx attaches an open transaction of store to ctx. Engines sharing
// store join it instead of opening their own. Whoever opened tx calls
// EndTx once it has committed or rolled back.
func WithTx(ctx context.Context, store RecordStore, tx RecordTx) context.Context {
	return context.WithValue(ctx, txKey{}, txBinding{store: store, tx: tx, done: &txCallbacks{}})
}

// TxFrom returns the transaction of store carried by ctx, if any.
func TxFrom(ctx context.Context, store RecordStore) (RecordTx, bool) {
	b, ok := bindingFrom(ctx, store)
	if !ok {
		return nil, false
	}
	return b.tx, true
}

// AfterTx defers fn until the transaction of store carried by ctx ends.
// It reports false, without registering fn, when ctx carries none.
func AfterTx(ctx context.Context, store RecordStore, fn func()) bool {
	b, ok := bindingFrom(ctx, store)
	if !ok {
		return false
	}
	b.done.mu.Lock()
	b.done.fns = append(b.done.fns, fn)
	b.done.mu.Unlock()
	return true
}

// EndTx runs the functions registered with AfterTx, last registered
// first. Each runs at most once.
func EndTx(ctx context.Context, store RecordStore) {
	b, ok := bindingFrom(ctx, store)
	if !ok {
		return
	}
	b.done.mu.Lock()
	fns := b.done.fns
	b.done.fns = nil
	b.done.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

func bindingFrom(ctx context.Context, store RecordStore) (txBinding, bool) {
	b, ok := ctx.Value(txKey{}).(txBinding)
	if !ok || b.store != store {
		return txBinding{}, false
	}
	return b, true
}
