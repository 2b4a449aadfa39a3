package workflow

import (
	"maps"

	"github.com/pitabwire/stepflow/internal/lang"
)

// Builder produces engines that share defaults. It performs no I/O.
type Builder struct {
	deps     Deps
	defaults Definition
}

// NewBuilder creates a builder. StepID and Hooks of defaults are ignored.
func NewBuilder(deps Deps, defaults Definition) *Builder {
	return &Builder{deps: deps, defaults: defaults}
}

// Build merges def over the defaults and creates its engine.
func (b *Builder) Build(def Definition) (*Engine, error) {
	return NewEngine(b.Merge(def), b.deps)
}

// Merge returns def with unset options taken from the defaults. Lang and
// Extends merge key by key with def winning.
func (b *Builder) Merge(def Definition) Definition {
	d := b.defaults
	out := def

	out.Lang = lang.Merge(d.Lang, def.Lang)
	out.Extends = maps.Clone(d.Extends)
	if out.Extends == nil {
		out.Extends = map[string]any{}
	}
	maps.Copy(out.Extends, def.Extends)

	if out.BasePath == "" {
		out.BasePath = d.BasePath
	}
	if out.Pagination.PageSize <= 0 {
		out.Pagination = d.Pagination
	}
	if out.GenerateID == nil {
		out.GenerateID = d.GenerateID
	}
	if out.LockKey == nil {
		out.LockKey = d.LockKey
	}
	if out.GetUser == nil {
		out.GetUser = d.GetUser
	}
	if out.GetUsers == nil {
		out.GetUsers = d.GetUsers
	}
	if out.BeforeInvoke == nil {
		out.BeforeInvoke = d.BeforeInvoke
	}
	if out.New == nil {
		out.New = d.New
	}
	if out.Get == nil {
		out.Get = d.Get
	}
	if out.List == nil {
		out.List = d.List
	}
	if out.BeforeAction == nil {
		out.BeforeAction = d.BeforeAction
	}
	if out.AfterAction == nil {
		out.AfterAction = d.AfterAction
	}
	if out.Summary == nil {
		out.Summary = d.Summary
	}
	return out
}
