package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/pitabwire/stepflow/model"
)

// LocalDispatcher calls handlers registered in the same process. The
// caller's context is passed through unchanged, so a transaction it
// carries is joined by the target step.
type LocalDispatcher struct {
	registry *Registry
}

// NewLocalDispatcher creates a dispatcher over registry.
func NewLocalDispatcher(registry *Registry) *LocalDispatcher {
	return &LocalDispatcher{registry: registry}
}

// Mode returns "local".
func (d *LocalDispatcher) Mode() string { return "local" }

// Dispatch runs the handler of path and encodes its result exactly as the
// HTTP transport would.
func (d *LocalDispatcher) Dispatch(ctx context.Context, path string, call Call) (int, []byte, error) {
	stepID := stepIDFromPath(path)
	handler, ok := d.registry.Get(stepID)
	if !ok {
		return 0, nil, model.NewNotFoundError(fmt.Sprintf("no handler for %s", path))
	}

	rctx := impersonate(ctx, call)
	data, err := handler.Handle(model.WithRequestContext(ctx, rctx), rctx, call.Envelope)

	status := http.StatusOK
	resp := model.ResponseEnvelope{Data: data}
	if err != nil {
		ee := model.AsEnvelope(err)
		status = ee.HTTPStatus()
		resp = model.ResponseEnvelope{Error: ee}
	} else if data == nil {
		resp.Data = map[string]any{}
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return 0, nil, fmt.Errorf("invoker: encode response of %s: %w", path, err)
	}
	return status, body, nil
}

// impersonate builds the identity the target step sees. Tracing and
// locale fields follow the caller's request.
func impersonate(ctx context.Context, call Call) *model.RequestContext {
	rctx := &model.RequestContext{Claims: map[string]any{}}
	for k, v := range call.Session {
		rctx.Claims[k] = v
	}
	if u := call.User; u != nil {
		rctx.SubjectID = u.ID
		rctx.Email = u.Email
		rctx.Roles = u.Roles
		rctx.Claims["sub"] = u.ID
	}
	if parent := model.RequestContextFrom(ctx); parent != nil {
		rctx.CorrelationID = parent.CorrelationID
		rctx.TraceID = parent.TraceID
		rctx.Locale = parent.Locale
	}
	return rctx
}

// stepIDFromPath extracts the step id of "/{basePath}/{stepId}/index".
func stepIDFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}
