package definition

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/pitabwire/stepflow/internal/lang"
	"github.com/pitabwire/stepflow/internal/workflow"
	"github.com/pitabwire/stepflow/model"
)

// File is one parsed definition file. A file may declare several steps
// served under the same base path.
type File struct {
	BasePath string           `yaml:"base_path"`
	Steps    []StepDefinition `yaml:"steps"`

	Checksum   string `yaml:"-"`
	SourceFile string `yaml:"-"`
}

// StepDefinition declares a config-driven step.
type StepDefinition struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Enabled *bool    `yaml:"enabled"`
	Roles   []string `yaml:"roles"`
	Actions []string `yaml:"actions"`

	// LockKeyFields are the data fields joined into the lock key. A
	// request missing any of them is not locked.
	LockKeyFields []string `yaml:"lock_key_fields"`

	PageSize int            `yaml:"page_size"`
	Extends  map[string]any `yaml:"extends"`
	Lang     lang.Pack      `yaml:"lang"`
}

// IsEnabled reports whether the step accepts mutating actions. Steps are
// enabled unless the file says otherwise.
func (s StepDefinition) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Step returns the stored row of s, stamped at now by actor.
func (s StepDefinition) Step(now time.Time, actor string) model.Step {
	name := s.Name
	if name == "" {
		name = s.ID
	}
	return model.Step{
		ID:        s.ID,
		Name:      name,
		Enabled:   s.IsEnabled(),
		Roles:     slices.Clone(s.Roles),
		Actions:   slices.Clone(s.Actions),
		CreatedAt: now,
		UpdatedAt: now,
		CreatedBy: actor,
		UpdatedBy: actor,
	}
}

// LockKey returns the lock key derivation of s, or nil when the step
// declares no lock key fields.
func (s StepDefinition) LockKey() func(stepID, id string, data map[string]any) string {
	if len(s.LockKeyFields) == 0 {
		return nil
	}
	fields := slices.Clone(s.LockKeyFields)
	return func(_, _ string, data map[string]any) string {
		parts := make([]string, 0, len(fields))
		for _, f := range fields {
			v, ok := data[f]
			if !ok || v == nil {
				return ""
			}
			parts = append(parts, fmt.Sprint(v))
		}
		return strings.Join(parts, ":")
	}
}

// Workflow converts s into an engine definition.
func (s StepDefinition) Workflow(basePath string) workflow.Definition {
	def := workflow.Definition{
		StepID:   s.ID,
		BasePath: basePath,
		Lang:     s.Lang,
		Extends:  s.Extends,
		LockKey:  s.LockKey(),
	}
	if s.PageSize > 0 {
		def.Pagination = model.Pagination{Current: 1, PageSize: s.PageSize}
	}
	return def
}
