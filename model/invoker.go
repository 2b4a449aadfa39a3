package model

import "context"

// ActionRequest is the input of a step handler.
type ActionRequest struct {
	Action         Action         `json:"action"`
	ID             string         `json:"id,omitempty"`
	Data           map[string]any `json:"data"`
	Note           string         `json:"note,omitempty"`
	Version        *int           `json:"version,omitempty"`
	PreviousID     string         `json:"previousId,omitempty"`
	PreviousStepID string         `json:"previousStepId,omitempty"`
	PreviousUserID string         `json:"previousUserId,omitempty"`
	AncestorIDs    []string       `json:"ancestorIds,omitempty"`

	// UnlockedAt is a unix timestamp in milliseconds.
	UnlockedAt *int64 `json:"unlockedAt,omitempty"`

	// Pagination overrides the default window of a list action.
	Pagination *Pagination `json:"pagination,omitempty"`
}

// StepHandler serves action requests for one step.
type StepHandler interface {
	// StepID returns the id of the step this handler serves.
	StepID() string

	// Handle applies the request and returns the response payload.
	Handle(ctx context.Context, rctx *RequestContext, req ActionRequest) (map[string]any, error)
}

// PreviousRecord references the record a downstream record is created from.
type PreviousRecord struct {
	ID          string
	StepID      string
	AncestorIDs []string
	User        *User
}

// InvokeRequest asks another step's handler to apply an action.
type InvokeRequest struct {
	StepID string
	Action Action

	// Record carries the record fields of the envelope (id, data, note,
	// version and so on). Its Action field is ignored.
	Record ActionRequest

	// Previous, when set, links the target record to its predecessor.
	Previous *PreviousRecord

	// User is impersonated on the target step.
	User *User

	// Session holds extra claims carried by the impersonation credential.
	Session map[string]any

	// BasePath overrides the client's base path.
	BasePath string
}

// StepInvoker invokes another step's handler.
type StepInvoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (map[string]any, error)
}

// ResponseEnvelope is the body every step handler responds with. Exactly
// one of Data or Error is set.
type ResponseEnvelope struct {
	Data  any            `json:"data,omitempty"`
	Error *ErrorEnvelope `json:"error,omitempty"`
}
