package workflow

import (
	"context"

	"github.com/pitabwire/stepflow/internal/lang"
	"github.com/pitabwire/stepflow/model"
)

// ActionHook is a user callback run by the engine. Its result is merged
// into the action response (per-action hooks) or into the extension bag
// (BeforeAction). Errors abort the action and are returned unchanged.
type ActionHook func(ctx context.Context, ac *ActionContext) (map[string]any, error)

// Definition configures the engine of one step. Every field except
// StepID is optional.
type Definition struct {
	StepID   string
	BasePath string

	// Lang overrides base English messages key by key.
	Lang lang.Pack

	// Extends seeds the extension bag of every action.
	Extends map[string]any

	// Pagination is the default list window.
	Pagination model.Pagination

	// GenerateID creates record ids. Defaults to random UUIDs.
	GenerateID func() string

	// LockKey derives the business key serialized across concurrent
	// mutating actions. An empty key skips locking.
	LockKey func(stepID, id string, data map[string]any) string

	// GetUser resolves the acting user. Defaults to the request subject.
	GetUser func(ctx context.Context, rctx *model.RequestContext) (*model.User, error)

	// GetUsers resolves the actors of a record for the get action.
	GetUsers func(ctx context.Context, ids []string) ([]model.User, error)

	// BeforeInvoke enriches every outbound invocation.
	BeforeInvoke func(ctx context.Context, req *model.InvokeRequest) error

	New  ActionHook
	Get  ActionHook
	List ActionHook

	BeforeAction ActionHook
	AfterAction  func(ctx context.Context, ac *ActionContext) error
	Summary      func(ctx context.Context, ac *ActionContext) (map[string]any, error)

	// Hooks holds the per-action callbacks of mutating actions.
	Hooks map[model.Action]ActionHook
}
