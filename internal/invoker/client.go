package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/internal/observability"
	"github.com/pitabwire/stepflow/model"
)

// DefaultBasePath is the path prefix of step handlers.
const DefaultBasePath = "steps"

// Call is one dispatched invocation.
type Call struct {
	StepID   string
	Envelope model.ActionRequest
	User     *model.User
	Session  map[string]any
}

// Dispatcher delivers a call to the handler at path and returns the raw
// response body. Both transports return a JSON model.ResponseEnvelope.
type Dispatcher interface {
	Mode() string
	Dispatch(ctx context.Context, path string, call Call) (status int, body []byte, err error)
}

// Options configure a Client.
type Options struct {
	// BasePath is used when a request does not set one.
	BasePath string

	// BeforeInvoke enriches every request before it is dispatched.
	BeforeInvoke func(ctx context.Context, req *model.InvokeRequest) error

	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// Client invokes step handlers. It implements model.StepInvoker.
type Client struct {
	dispatcher Dispatcher
	opts       Options
	logger     *zap.Logger
}

// NewClient creates a client over dispatcher.
func NewClient(dispatcher Dispatcher, opts Options) *Client {
	if opts.BasePath == "" {
		opts.BasePath = DefaultBasePath
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{dispatcher: dispatcher, opts: opts, logger: logger}
}

// BuildPath returns the handler path of a step:
// "/{basePath}/{stepId}/index".
func BuildPath(basePath, stepID string) string {
	basePath = strings.Trim(basePath, "/")
	if basePath == "" {
		basePath = DefaultBasePath
	}
	return "/" + basePath + "/" + stepID + "/index"
}

// BuildInvoke returns the envelope sent to the target step. With a
// predecessor the envelope links to it and extends its ancestor chain.
func BuildInvoke(req model.InvokeRequest) model.ActionRequest {
	env := req.Record
	env.Action = req.Action
	if p := req.Previous; p != nil {
		env.PreviousID = p.ID
		env.PreviousStepID = p.StepID
		env.PreviousUserID = ""
		if p.User != nil {
			env.PreviousUserID = p.User.ID
		}
		env.AncestorIDs = model.AppendAncestor(p.AncestorIDs, p.ID)
	}
	return env
}

// Invoke dispatches req and unwraps the response envelope. Error
// envelopes come back with the remote code and message verbatim.
func (c *Client) Invoke(ctx context.Context, req model.InvokeRequest) (map[string]any, error) {
	if req.StepID == "" {
		return nil, model.NewBadRequestError("invoke: stepId is required")
	}
	if c.opts.BeforeInvoke != nil {
		if err := c.opts.BeforeInvoke(ctx, &req); err != nil {
			return nil, err
		}
	}

	basePath := req.BasePath
	if basePath == "" {
		basePath = c.opts.BasePath
	}
	path := BuildPath(basePath, req.StepID)

	ctx, span := observability.StartInvokeSpan(ctx, req.StepID, req.Action, c.dispatcher.Mode())
	start := time.Now()

	data, err := c.invoke(ctx, path, Call{
		StepID:   req.StepID,
		Envelope: BuildInvoke(req),
		User:     req.User,
		Session:  req.Session,
	})

	id, _ := data["id"].(string)
	observability.EndSpan(span, id, err)
	if c.opts.Metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = model.AsEnvelope(err).Code
		}
		c.opts.Metrics.RecordInvocation(req.StepID, c.dispatcher.Mode(), outcome, time.Since(start))
	}
	if err != nil {
		observability.LoggerFrom(ctx, c.logger).Debug("invocation failed",
			zap.String("path", path),
			zap.String("action", string(req.Action)),
			zap.Error(err),
		)
	}
	return data, err
}

func (c *Client) invoke(ctx context.Context, path string, call Call) (map[string]any, error) {
	status, body, err := c.dispatcher.Dispatch(ctx, path, call)
	if err != nil {
		return nil, err
	}
	return unwrap(status, body)
}

// unwrap converts a response body into data or an error. A body that is
// not an envelope is reported with its raw status and text.
func unwrap(status int, body []byte) (map[string]any, error) {
	var env struct {
		Data  json.RawMessage      `json:"data"`
		Error *model.ErrorEnvelope `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil || (env.Error == nil && env.Data == nil) {
		return nil, model.NewBackendUnavailableError(fmt.Sprintf("%d %s", status, strings.TrimSpace(string(body))))
	}
	if env.Error != nil {
		return nil, model.NewInvocationError(env.Error.Code, env.Error.Message)
	}

	data := map[string]any{}
	if string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, model.NewBackendUnavailableError(fmt.Sprintf("%d %s", status, strings.TrimSpace(string(body))))
		}
	}
	return data, nil
}
