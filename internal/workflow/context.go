package workflow

import (
	"context"
	"maps"

	"github.com/pitabwire/stepflow/model"
)

// ActionContext is the state of one action invocation. It is owned by the
// invocation and passed to every hook in turn.
type ActionContext struct {
	Action  model.Action
	Step    model.Step
	Request model.ActionRequest
	User    *model.User
	Locale  string

	// Record is the record being acted on. Nil for new and list.
	Record *model.StepRecord

	// Page is the list window. Set for list only.
	Page model.Pagination

	// Extends holds values contributed by the definition and BeforeAction.
	Extends map[string]any

	// Tx is the open transaction of a mutating action.
	Tx RecordTx

	engine    *Engine
	txb       txBinding
	isNew     bool
	persisted bool
	saved     bool
}

// IsNew reports whether the action created the record.
func (ac *ActionContext) IsNew() bool { return ac.isNew }

// Saved reports whether the record has been persisted by this action.
func (ac *ActionContext) Saved() bool { return ac.saved }

// Save recomputes the summary and persists the record. The engine saves
// once after the hooks ran unless a hook already called Save.
func (ac *ActionContext) Save(ctx context.Context) error {
	rec := ac.Record
	rec.UpdatedAt = ac.engine.now()
	if ac.User != nil {
		rec.UpdatedBy = ac.User.ID
	}

	if ac.engine.def.Summary != nil {
		summary, err := ac.engine.def.Summary(ctx, ac)
		if err != nil {
			return err
		}
		rec.Summary = summary
	} else {
		rec.Summary = maps.Clone(rec.Data)
	}
	if rec.Summary == nil {
		rec.Summary = map[string]any{}
	}

	if !ac.persisted {
		if err := ac.Tx.Insert(ctx, rec); err != nil {
			return err
		}
		ac.persisted = true
	} else if err := ac.Tx.Update(ctx, rec); err != nil {
		return err
	}
	ac.saved = true
	return nil
}

// CreateRecord applies an action on another step, linking the target
// record to this one. A new record is saved first so the target can
// reference it; the engine then skips its own save.
func (ac *ActionContext) CreateRecord(ctx context.Context, req model.InvokeRequest) (map[string]any, error) {
	if ac.isNew && !ac.saved {
		if err := ac.Save(ctx); err != nil {
			return nil, err
		}
	}
	rec := ac.Record
	req.Previous = &model.PreviousRecord{
		ID:          rec.ID,
		StepID:      rec.StepID,
		AncestorIDs: rec.AncestorIDs,
		User:        ac.User,
	}
	return ac.engine.invoke(ctx, ac, req)
}

// UpdateRecord applies an action on another step without touching the
// target's lineage.
func (ac *ActionContext) UpdateRecord(ctx context.Context, req model.InvokeRequest) (map[string]any, error) {
	req.Previous = nil
	return ac.engine.invoke(ctx, ac, req)
}

// Text renders a localized message in the request locale.
func (ac *ActionContext) Text(id string, data map[string]any) string {
	return ac.engine.catalog.Text(ac.Locale, id, data)
}
