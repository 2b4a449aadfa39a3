package model

import "time"

// Action is a named request applied to a step record.
type Action string

// Read-only actions. They never open a transaction or take a lock.
const (
	ActionNew  Action = "new"
	ActionGet  Action = "get"
	ActionList Action = "list"
)

// Mutating actions.
const (
	ActionDraft  Action = "draft"
	ActionHang   Action = "hang"
	ActionDone   Action = "done"
	ActionCancel Action = "cancel"
	ActionLock   Action = "lock"
	ActionUnlock Action = "unlock"
	ActionUndo   Action = "undo"
	ActionReject Action = "reject"
)

// Actions lists every recognized action in the order they are documented.
var Actions = []Action{
	ActionNew, ActionGet, ActionList,
	ActionDraft, ActionHang, ActionDone, ActionCancel,
	ActionLock, ActionUnlock, ActionUndo, ActionReject,
}

// ParseAction returns the Action named by s, or false if s is not one of
// the recognized actions.
func ParseAction(s string) (Action, bool) {
	for _, a := range Actions {
		if string(a) == s {
			return a, true
		}
	}
	return "", false
}

// IsMutating reports whether the action changes a record.
func (a Action) IsMutating() bool {
	_, ok := actionEffects[a]
	return ok
}

// ActionEffect describes what applying an action does to a record: the
// status it lands in and the audit pair it stamps.
type ActionEffect struct {
	Status     RecordStatus
	TimeField  string
	ActorField string
}

// actionEffects is fixed. User code cannot override it.
var actionEffects = map[Action]ActionEffect{
	ActionDraft:  {Status: StatusDraft, TimeField: "createdAt", ActorField: "createdBy"},
	ActionHang:   {Status: StatusHanging, TimeField: "hangedAt", ActorField: "hangedBy"},
	ActionDone:   {Status: StatusDone, TimeField: "doneAt", ActorField: "doneBy"},
	ActionCancel: {Status: StatusCanceled, TimeField: "canceledAt", ActorField: "canceledBy"},
	ActionLock:   {Status: StatusLocked, TimeField: "lockedAt", ActorField: "lockedBy"},
	ActionUnlock: {Status: StatusDraft, TimeField: "unlockedAt", ActorField: "unlockedBy"},
	ActionUndo:   {Status: StatusDraft, TimeField: "undoAt", ActorField: "undoBy"},
	ActionReject: {Status: StatusRejected, TimeField: "rejectedAt", ActorField: "rejectedBy"},
}

// EffectOf returns the effect of a mutating action.
func EffectOf(a Action) (ActionEffect, bool) {
	e, ok := actionEffects[a]
	return e, ok
}

// Apply sets the record status and the action's audit pair. Applying done
// also computes Duration from CreatedAt.
func (r *StepRecord) Apply(a Action, at time.Time, actorID string) bool {
	effect, ok := actionEffects[a]
	if !ok {
		return false
	}

	r.Status = effect.Status
	stamp := at

	switch a {
	case ActionDraft:
		r.CreatedAt = at
		r.CreatedBy = actorID
	case ActionHang:
		r.HangedAt, r.HangedBy = &stamp, actorID
	case ActionDone:
		r.DoneAt, r.DoneBy = &stamp, actorID
		if !r.CreatedAt.IsZero() {
			r.Duration = at.Sub(r.CreatedAt).Milliseconds()
		}
	case ActionCancel:
		r.CanceledAt, r.CanceledBy = &stamp, actorID
	case ActionLock:
		r.LockedAt, r.LockedBy = &stamp, actorID
	case ActionUnlock:
		r.UnlockedAt, r.UnlockedBy = &stamp, actorID
	case ActionUndo:
		r.UndoAt, r.UndoBy = &stamp, actorID
	case ActionReject:
		r.RejectedAt, r.RejectedBy = &stamp, actorID
	}
	return true
}
