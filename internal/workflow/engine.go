package workflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/internal/lang"
	"github.com/pitabwire/stepflow/internal/lock"
	"github.com/pitabwire/stepflow/internal/observability"
	"github.com/pitabwire/stepflow/model"
)

// Deps are the collaborators shared by every engine of a process.
type Deps struct {
	Store   RecordStore
	Locker  lock.Locker
	Invoker model.StepInvoker
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// Engine applies actions to the records of one step. It implements
// model.StepHandler.
type Engine struct {
	def     Definition
	store   RecordStore
	locker  lock.Locker
	invoker model.StepInvoker
	catalog *lang.Catalog
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewEngine creates the engine of def.StepID.
func NewEngine(def Definition, deps Deps) (*Engine, error) {
	if def.StepID == "" {
		return nil, model.NewBadRequestError(lang.Merge(lang.En, def.Lang)[lang.StepIDRequired])
	}
	if deps.Store == nil {
		return nil, errors.New("workflow: record store is required")
	}

	catalog, err := lang.NewCatalog(def.Lang)
	if err != nil {
		return nil, err
	}

	if def.GenerateID == nil {
		def.GenerateID = uuid.NewString
	}
	if def.Pagination.PageSize <= 0 {
		def.Pagination = model.DefaultPagination
	}
	if def.Pagination.Current <= 0 {
		def.Pagination.Current = 1
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		def:     def,
		store:   deps.Store,
		locker:  deps.Locker,
		invoker: deps.Invoker,
		catalog: catalog,
		logger:  logger,
		metrics: deps.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// StepID returns the step the engine serves.
func (e *Engine) StepID() string { return e.def.StepID }

// Definition returns the resolved definition of the engine.
func (e *Engine) Definition() Definition { return e.def }

// Handle applies one action request.
func (e *Engine) Handle(ctx context.Context, rctx *model.RequestContext, req model.ActionRequest) (map[string]any, error) {
	start := time.Now()
	ctx, span := observability.StartActionSpan(ctx, e.def.StepID, req.Action)

	result, err := e.handle(ctx, rctx, req)

	recordID, _ := result["id"].(string)
	if recordID == "" {
		recordID = req.ID
	}
	observability.EndSpan(span, recordID, err)
	if e.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = model.AsEnvelope(err).Code
		}
		e.metrics.RecordStepAction(e.def.StepID, string(req.Action), outcome, time.Since(start))
	}
	return result, err
}

func (e *Engine) handle(ctx context.Context, rctx *model.RequestContext, req model.ActionRequest) (map[string]any, error) {
	locale := ""
	if rctx != nil {
		locale = rctx.Locale
	}

	if req.Action == "" {
		return nil, model.NewBadRequestError(e.catalog.Text(locale, lang.ActionRequired, nil))
	}
	action, ok := model.ParseAction(string(req.Action))
	if !ok {
		return nil, model.NewBadRequestError(e.catalog.Text(locale, lang.ActionMustBeIn, nil))
	}

	user, err := e.resolveUser(ctx, rctx)
	if err != nil {
		return nil, err
	}

	step, err := e.loadStep(ctx)
	if err != nil {
		return nil, err
	}

	ac := &ActionContext{
		Action:  action,
		Step:    step,
		Request: req,
		User:    user,
		Locale:  locale,
		Extends: maps.Clone(e.def.Extends),
		engine:  e,
	}
	if ac.Extends == nil {
		ac.Extends = map[string]any{}
	}

	switch action {
	case model.ActionNew:
		return e.handleNew(ctx, ac)
	case model.ActionGet:
		return e.handleGet(ctx, ac)
	case model.ActionList:
		return e.handleList(ctx, ac)
	default:
		return e.apply(ctx, ac)
	}
}

func (e *Engine) resolveUser(ctx context.Context, rctx *model.RequestContext) (*model.User, error) {
	if e.def.GetUser != nil {
		return e.def.GetUser(ctx, rctx)
	}
	return rctx.User(), nil
}

// loadStep returns the stored step row. A step that was never saved is
// served as enabled.
func (e *Engine) loadStep(ctx context.Context) (model.Step, error) {
	step, ok, err := e.reader(ctx).GetStep(ctx, e.def.StepID)
	if err != nil {
		return model.Step{}, fmt.Errorf("load step %q: %w", e.def.StepID, err)
	}
	if !ok {
		return model.Step{ID: e.def.StepID, Enabled: true}, nil
	}
	return step, nil
}

// reader reads through the transaction carried by ctx, if any.
func (e *Engine) reader(ctx context.Context) RecordReader {
	if tx, ok := TxFrom(ctx, e.store); ok {
		return tx
	}
	return e.store
}

// --- Read actions ---

func (e *Engine) handleNew(ctx context.Context, ac *ActionContext) (map[string]any, error) {
	if e.def.New != nil {
		return e.def.New(ctx, ac)
	}
	return map[string]any{"step": ac.Step}, nil
}

func (e *Engine) handleGet(ctx context.Context, ac *ActionContext) (map[string]any, error) {
	id := ac.Request.ID
	if id == "" {
		return nil, model.NewBadRequestError(ac.Text(lang.IDRequired, nil))
	}

	rec, ok, err := e.reader(ctx).Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load step record %q: %w", id, err)
	}
	if !ok {
		return nil, model.NewNotFoundError(ac.Text(lang.RecordNotFound, map[string]any{"ID": id}))
	}
	ac.Record = &rec

	if e.def.Get != nil {
		return e.def.Get(ctx, ac)
	}

	users := []model.User{}
	if e.def.GetUsers != nil {
		if ids := rec.ActorIDs(); len(ids) > 0 {
			if users, err = e.def.GetUsers(ctx, ids); err != nil {
				return nil, err
			}
		}
	}
	return map[string]any{
		"step":   ac.Step,
		"record": rec,
		"users":  users,
	}, nil
}

func (e *Engine) handleList(ctx context.Context, ac *ActionContext) (map[string]any, error) {
	page := e.def.Pagination
	if p := ac.Request.Pagination; p != nil {
		if p.Current > 0 {
			page.Current = p.Current
		}
		if p.PageSize > 0 {
			page.PageSize = p.PageSize
		}
	}
	ac.Page = page

	if e.def.List != nil {
		return e.def.List(ctx, ac)
	}

	rows, total, err := e.reader(ctx).List(ctx, e.def.StepID, page)
	if err != nil {
		return nil, fmt.Errorf("list step records: %w", err)
	}
	page.Total = total
	return map[string]any{
		"step":       ac.Step,
		"rows":       rows,
		"pagination": page,
	}, nil
}

// --- Mutating actions ---

func (e *Engine) apply(ctx context.Context, ac *ActionContext) (result map[string]any, err error) {
	req := ac.Request
	if req.ID == "" && req.Data == nil {
		return nil, model.NewBadRequestError(ac.Text(lang.IDOrDataRequired, nil))
	}
	if ac.User == nil {
		return nil, model.NewUnauthorizedError(ac.Text(lang.UserRequired, nil))
	}
	if !ac.Step.Enabled {
		return nil, model.NewForbiddenError(ac.Text(lang.StepDisabled, map[string]any{"ID": e.def.StepID}))
	}

	logger := observability.ActionLogger(ctx, e.logger, e.def.StepID, ac.Action)

	tx, joined := TxFrom(ctx, e.store)

	if e.def.LockKey != nil && e.locker != nil {
		if key := e.def.LockKey(e.def.StepID, req.ID, req.Data); key != "" {
			release, err := e.acquire(ctx, ac, key)
			if err != nil {
				return nil, err
			}
			// Held until the transaction ends, whoever owns it.
			if !joined || !AfterTx(ctx, e.store, release) {
				defer release()
			}
		}
	}

	if !joined {
		if tx, err = e.store.Begin(ctx); err != nil {
			return nil, err
		}
		ctx = WithTx(ctx, e.store, tx)
		defer func() {
			defer EndTx(ctx, e.store)
			if err == nil {
				if cerr := tx.Commit(ctx); cerr != nil {
					result, err = nil, fmt.Errorf("commit: %w", cerr)
				}
				return
			}
			if rerr := tx.Rollback(ctx); rerr != nil && !errors.Is(rerr, ErrTxDone) {
				logger.Error("rollback failed", zap.Error(rerr))
			}
		}()
	}
	ac.Tx = tx
	ac.txb, _ = bindingFrom(ctx, e.store)

	result, err = e.run(ctx, ac)
	if err != nil {
		return nil, err
	}

	logger.Info("step action applied",
		zap.String("record_id", ac.Record.ID),
		zap.String("status", string(ac.Record.Status)),
		zap.Bool("nested", joined),
	)
	return result, nil
}

// acquire takes the lock of key and returns its release func. Release
// errors are logged; the lock TTL covers them.
func (e *Engine) acquire(ctx context.Context, ac *ActionContext, key string) (func(), error) {
	fullKey := lock.FormatKey(e.def.StepID, key)
	token, err := e.locker.Lock(ctx, fullKey)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordLockRejected(e.def.StepID)
		}
		if !errors.Is(err, lock.ErrHeld) {
			observability.LoggerFrom(ctx, e.logger).Warn("lock acquire failed",
				zap.String("key", fullKey),
				zap.Error(err),
			)
		}
		return nil, model.NewLockedError(ac.Text(lang.Locked, map[string]any{"Key": key}))
	}

	return func() {
		if err := e.locker.Unlock(context.WithoutCancel(ctx), fullKey, token); err != nil {
			observability.LoggerFrom(ctx, e.logger).Warn("lock release failed",
				zap.String("key", fullKey),
				zap.Error(err),
			)
		}
	}, nil
}

// run applies the action inside the open transaction.
func (e *Engine) run(ctx context.Context, ac *ActionContext) (map[string]any, error) {
	req := ac.Request
	now := e.now()

	if req.ID != "" {
		rec, ok, err := ac.Tx.Get(ctx, req.ID)
		if err != nil {
			return nil, fmt.Errorf("load step record %q: %w", req.ID, err)
		}
		// A record is acted on only by the step it belongs to.
		if !ok || rec.StepID != e.def.StepID {
			return nil, model.NewNotFoundError(ac.Text(lang.RecordNotFound, map[string]any{"ID": req.ID}))
		}
		if req.Version != nil && *req.Version != rec.Version {
			return nil, model.NewVersionConflictError(ac.Text(lang.VersionNotMatch, nil))
		}
		ac.Record = &rec
		ac.persisted = true
	} else {
		ac.Record = &model.StepRecord{
			ID:          e.def.GenerateID(),
			StepID:      e.def.StepID,
			AncestorIDs: []string{},
			Data:        map[string]any{},
			Summary:     map[string]any{},
			CreatedAt:   now,
			CreatedBy:   ac.User.ID,
		}
		ac.isNew = true
	}
	rec := ac.Record

	rec.MergeData(req.Data)
	if req.PreviousID != "" || len(req.AncestorIDs) > 0 {
		rec.PreviousID = req.PreviousID
		rec.PreviousStepID = req.PreviousStepID
		rec.PreviousUserID = req.PreviousUserID
		rec.AncestorIDs = append([]string{}, req.AncestorIDs...)
	}
	if req.Note != "" {
		rec.Note = req.Note
	}
	if req.UnlockedAt != nil {
		at := time.UnixMilli(*req.UnlockedAt).UTC()
		rec.UnlockedAt = &at
	}

	if e.def.BeforeAction != nil {
		ext, err := e.def.BeforeAction(ctx, ac)
		if err != nil {
			return nil, err
		}
		maps.Copy(ac.Extends, ext)
	}

	rec.Apply(ac.Action, now, ac.User.ID)

	result := map[string]any{"id": rec.ID}
	switch ac.Action {
	case model.ActionUndo:
		if err := e.cascadeUndo(ctx, ac); err != nil {
			return nil, err
		}
		result["message"] = ac.Text(lang.UndoSuccess, nil)
	case model.ActionReject:
		if rec.PreviousID != "" {
			if err := ac.Tx.ResetStatus(ctx, rec.PreviousID, model.StatusDraft, rec.Note); err != nil {
				return nil, fmt.Errorf("reset previous record %q: %w", rec.PreviousID, err)
			}
		}
		result["message"] = ac.Text(lang.RejectSuccess, nil)
	}

	if hook := e.def.Hooks[ac.Action]; hook != nil {
		out, err := hook(ctx, ac)
		if err != nil {
			return nil, err
		}
		maps.Copy(result, out)
	}

	if !ac.saved {
		if err := ac.Save(ctx); err != nil {
			return nil, err
		}
	}

	if e.def.AfterAction != nil {
		if err := e.def.AfterAction(ctx, ac); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// cascadeUndo cancels the records created from this one. It fails
// without touching anything if one of them is already done.
func (e *Engine) cascadeUndo(ctx context.Context, ac *ActionContext) error {
	rec := ac.Record
	next, err := ac.Tx.FindNext(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("find next records of %q: %w", rec.ID, err)
	}
	for _, n := range next {
		if n.Status == model.StatusDone {
			return model.NewUndoBlockedError(ac.Text(lang.UndoFailed, nil))
		}
	}

	note := ac.Text(lang.UndoNote, map[string]any{"ID": rec.ID})
	for _, n := range next {
		if e.invoker != nil {
			_, err := e.invoke(ctx, ac, model.InvokeRequest{
				StepID: n.StepID,
				Action: model.ActionCancel,
				Record: model.ActionRequest{ID: n.ID, Note: note},
			})
			if err != nil {
				return err
			}
			continue
		}

		n.Apply(model.ActionCancel, e.now(), ac.User.ID)
		n.Note = note
		n.UpdatedAt = e.now()
		n.UpdatedBy = ac.User.ID
		if err := ac.Tx.Update(ctx, &n); err != nil {
			return err
		}
	}

	if e.metrics != nil && len(next) > 0 {
		e.metrics.RecordUndoCascade(e.def.StepID, len(next))
	}
	return nil
}

// invoke sends req to another step through the configured invoker. The
// open transaction travels in ctx so in-process targets join it.
func (e *Engine) invoke(ctx context.Context, ac *ActionContext, req model.InvokeRequest) (map[string]any, error) {
	if e.invoker == nil {
		return nil, fmt.Errorf("workflow: step %q has no invoker", e.def.StepID)
	}
	if req.User == nil {
		req.User = ac.User
	}
	if req.BasePath == "" {
		req.BasePath = e.def.BasePath
	}
	if e.def.BeforeInvoke != nil {
		if err := e.def.BeforeInvoke(ctx, &req); err != nil {
			return nil, err
		}
	}
	// Hooks may chain from a context that lost the binding.
	if _, ok := TxFrom(ctx, e.store); !ok && ac.txb.tx != nil {
		ctx = context.WithValue(ctx, txKey{}, ac.txb)
	}
	return e.invoker.Invoke(ctx, req)
}
