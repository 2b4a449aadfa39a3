package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/internal/observability"
	"github.com/pitabwire/stepflow/model"
)

// StepLookup resolves the handler of a step.
type StepLookup interface {
	Get(stepID string) (model.StepHandler, bool)
}

// handleAction decodes an action request and applies it through the
// handler of the step named in the path.
func handleAction(steps StepLookup, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stepID := chi.URLParam(r, "stepId")
		handler, ok := steps.Get(stepID)
		if !ok {
			WriteNotFound(w, fmt.Sprintf("Step %s not found.", stepID))
			return
		}

		var req model.ActionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				WriteError(w, model.NewBadRequestError(fmt.Sprintf("Request body exceeds %d bytes.", tooLarge.Limit)))
				return
			}
			WriteError(w, model.NewBadRequestError("Request body must be a JSON action request."))
			return
		}

		ctx := r.Context()
		log := observability.LoggerFrom(ctx, logger)
		log.Debug("step action received",
			zap.String("step_id", stepID),
			zap.String("action", string(req.Action)),
			zap.String("record_id", req.ID),
			zap.Any("data", observability.RedactBody(req.Data, nil)),
		)

		data, err := handler.Handle(ctx, model.RequestContextFrom(ctx), req)
		if err != nil {
			ee := model.AsEnvelope(err)
			if ee.HTTPStatus() >= http.StatusInternalServerError {
				log.Error("step action failed",
					zap.String("step_id", stepID),
					zap.String("action", string(req.Action)),
					zap.Error(err),
				)
			}
			WriteError(w, ee)
			return
		}
		WriteData(w, data)
	}
}
