package definition

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pitabwire/stepflow/internal/workflow"
	"github.com/pitabwire/stepflow/model"
)

// Entry is a step definition together with the file it came from.
type Entry struct {
	Step       StepDefinition
	BasePath   string
	SourceFile string
}

// snapshot is an immutable collection of all step definitions indexed by id.
type snapshot struct {
	steps    map[string]Entry
	checksum string
}

// Registry is a read-optimized, thread-safe store of all loaded definitions.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given files.
func NewRegistry(files []File) *Registry {
	r := &Registry{}
	r.Replace(files)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given files. A later file wins on duplicate step ids.
func (r *Registry) Replace(files []File) {
	s := &snapshot{steps: make(map[string]Entry)}

	var checksumParts []string
	for _, f := range files {
		checksumParts = append(checksumParts, f.Checksum)
		for _, step := range f.Steps {
			s.steps[step.ID] = Entry{Step: step, BasePath: f.BasePath, SourceFile: f.SourceFile}
		}
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns the definition of stepID.
func (r *Registry) Get(stepID string) (Entry, bool) {
	e, ok := r.current().steps[stepID]
	return e, ok
}

// All returns every definition ordered by step id.
func (r *Registry) All() []Entry {
	s := r.current()
	entries := make([]Entry, 0, len(s.steps))
	for _, e := range s.steps {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Step.ID < entries[j].Step.ID })
	return entries
}

// Len returns the number of loaded step definitions.
func (r *Registry) Len() int {
	return len(r.current().steps)
}

// Checksum returns the combined checksum of all loaded files.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

// StepStore persists step rows.
type StepStore interface {
	GetStep(ctx context.Context, stepID string) (model.Step, bool, error)
	SaveStep(ctx context.Context, step model.Step) error
}

// Seed upserts the row of every definition. Existing rows keep their
// creation stamp.
func (r *Registry) Seed(ctx context.Context, store StepStore, now time.Time, actor string) error {
	for _, e := range r.All() {
		step := e.Step.Step(now, actor)
		existing, ok, err := store.GetStep(ctx, step.ID)
		if err != nil {
			return fmt.Errorf("seed step %q: %w", step.ID, err)
		}
		if ok {
			step.CreatedAt = existing.CreatedAt
			step.CreatedBy = existing.CreatedBy
		}
		if err := store.SaveStep(ctx, step); err != nil {
			return fmt.Errorf("seed step %q: %w", step.ID, err)
		}
	}
	return nil
}

// Build creates one engine per definition through b.
func (r *Registry) Build(b *workflow.Builder) ([]*workflow.Engine, error) {
	entries := r.All()
	engines := make([]*workflow.Engine, 0, len(entries))
	for _, e := range entries {
		eng, err := b.Build(e.Step.Workflow(e.BasePath))
		if err != nil {
			return nil, fmt.Errorf("build step %q from %s: %w", e.Step.ID, e.SourceFile, err)
		}
		engines = append(engines, eng)
	}
	return engines, nil
}
