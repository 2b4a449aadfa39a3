package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/stepflow/model"
)

// recordColumns is the column list shared by every record query.
const recordColumns = `id, step_id, previous_id, previous_step_id, previous_user_id,
	ancestor_ids, status, data, summary, note, version, duration,
	created_at, created_by, updated_at, updated_by,
	hanged_at, hanged_by, done_at, done_by, canceled_at, canceled_by,
	locked_at, locked_by, unlocked_at, unlocked_by,
	undo_at, undo_by, rejected_at, rejected_by`

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgRecordStore is a PostgreSQL-backed RecordStore using pgx/v5.
type PgRecordStore struct {
	pool *pgxpool.Pool
}

// NewPgRecordStore creates a new PostgreSQL record store.
func NewPgRecordStore(pool *pgxpool.Pool) *PgRecordStore {
	return &PgRecordStore{pool: pool}
}

// Migrate applies the schema migrations that have not run yet.
func (s *PgRecordStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	migrations, err := loadMigrations("postgres")
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("applying migration %s: %w", m.name, err)
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`,
			m.version, time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
	}
	return nil
}

// Ping checks the database connection.
func (s *PgRecordStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetStep returns a step row.
func (s *PgRecordStore) GetStep(ctx context.Context, stepID string) (model.Step, bool, error) {
	return pgGetStep(ctx, s.pool, stepID)
}

// SaveStep upserts a step row.
func (s *PgRecordStore) SaveStep(ctx context.Context, step model.Step) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO steps (id, name, enabled, roles, actions, created_at, updated_at, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			roles = excluded.roles,
			actions = excluded.actions,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by`,
		step.ID, step.Name, step.Enabled, nonNil(step.Roles), nonNil(step.Actions), now, step.UpdatedBy,
	)
	if err != nil {
		return fmt.Errorf("upsert step %q: %w", step.ID, err)
	}
	return nil
}

// Get returns a committed record.
func (s *PgRecordStore) Get(ctx context.Context, id string) (model.StepRecord, bool, error) {
	return pgGetRecord(ctx, s.pool, id)
}

// List returns one page of committed records.
func (s *PgRecordStore) List(ctx context.Context, stepID string, page model.Pagination) ([]model.StepRecord, int, error) {
	return pgListRecords(ctx, s.pool, stepID, page)
}

// Begin opens a database transaction.
func (s *PgRecordStore) Begin(ctx context.Context) (RecordTx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

// pgTx runs every statement inside one pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetStep(ctx context.Context, stepID string) (model.Step, bool, error) {
	return pgGetStep(ctx, t.tx, stepID)
}

func (t *pgTx) Get(ctx context.Context, id string) (model.StepRecord, bool, error) {
	return pgGetRecord(ctx, t.tx, id)
}

func (t *pgTx) List(ctx context.Context, stepID string, page model.Pagination) ([]model.StepRecord, int, error) {
	return pgListRecords(ctx, t.tx, stepID, page)
}

func (t *pgTx) Insert(ctx context.Context, rec *model.StepRecord) error {
	rec.Version = 1
	dataJSON, summaryJSON, err := marshalPayload(rec)
	if err != nil {
		return err
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO step_records (`+recordColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25, $26, $27, $28, $29, $30
		)`,
		rec.ID, rec.StepID, rec.PreviousID, rec.PreviousStepID, rec.PreviousUserID,
		nonNil(rec.AncestorIDs), rec.Status, dataJSON, summaryJSON, rec.Note, rec.Version, rec.Duration,
		rec.CreatedAt, rec.CreatedBy, rec.UpdatedAt, rec.UpdatedBy,
		rec.HangedAt, rec.HangedBy, rec.DoneAt, rec.DoneBy, rec.CanceledAt, rec.CanceledBy,
		rec.LockedAt, rec.LockedBy, rec.UnlockedAt, rec.UnlockedBy,
		rec.UndoAt, rec.UndoBy, rec.RejectedAt, rec.RejectedBy,
	)
	if err != nil {
		return fmt.Errorf("insert step record: %w", err)
	}
	return nil
}

func (t *pgTx) Update(ctx context.Context, rec *model.StepRecord) error {
	dataJSON, summaryJSON, err := marshalPayload(rec)
	if err != nil {
		return err
	}

	tag, err := t.tx.Exec(ctx, `
		UPDATE step_records SET
			step_id = $1, previous_id = $2, previous_step_id = $3, previous_user_id = $4,
			ancestor_ids = $5, status = $6, data = $7, summary = $8, note = $9,
			version = $10, duration = $11,
			created_at = $12, created_by = $13, updated_at = $14, updated_by = $15,
			hanged_at = $16, hanged_by = $17, done_at = $18, done_by = $19,
			canceled_at = $20, canceled_by = $21, locked_at = $22, locked_by = $23,
			unlocked_at = $24, unlocked_by = $25, undo_at = $26, undo_by = $27,
			rejected_at = $28, rejected_by = $29
		WHERE id = $30 AND version = $31`,
		rec.StepID, rec.PreviousID, rec.PreviousStepID, rec.PreviousUserID,
		nonNil(rec.AncestorIDs), rec.Status, dataJSON, summaryJSON, rec.Note,
		rec.Version+1, rec.Duration,
		rec.CreatedAt, rec.CreatedBy, rec.UpdatedAt, rec.UpdatedBy,
		rec.HangedAt, rec.HangedBy, rec.DoneAt, rec.DoneBy,
		rec.CanceledAt, rec.CanceledBy, rec.LockedAt, rec.LockedBy,
		rec.UnlockedAt, rec.UnlockedBy, rec.UndoAt, rec.UndoBy,
		rec.RejectedAt, rec.RejectedBy,
		rec.ID, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("update step record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return versionConflict(rec.ID, rec.Version)
	}
	rec.Version++
	return nil
}

func (t *pgTx) FindNext(ctx context.Context, previousID string) ([]model.StepRecord, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+recordColumns+`
		FROM step_records
		WHERE previous_id = $1 AND status <> $2
		ORDER BY created_at ASC, id ASC`,
		previousID, model.StatusCanceled,
	)
	if err != nil {
		return nil, fmt.Errorf("query next step records: %w", err)
	}
	return pgCollectRecords(rows)
}

func (t *pgTx) ResetStatus(ctx context.Context, id string, status model.RecordStatus, note string) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE step_records SET status = $1, note = $2, version = version + 1, updated_at = $3
		WHERE id = $4`,
		status, note, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("reset step record status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("step record %q not found", id))
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return ErrTxDone
	}
	return err
}

func pgGetStep(ctx context.Context, q pgQuerier, stepID string) (model.Step, bool, error) {
	var step model.Step
	err := q.QueryRow(ctx, `
		SELECT id, name, enabled, roles, actions, created_at, updated_at, created_by, updated_by
		FROM steps WHERE id = $1`,
		stepID,
	).Scan(
		&step.ID, &step.Name, &step.Enabled, &step.Roles, &step.Actions,
		&step.CreatedAt, &step.UpdatedAt, &step.CreatedBy, &step.UpdatedBy,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Step{}, false, nil
	}
	if err != nil {
		return model.Step{}, false, fmt.Errorf("query step: %w", err)
	}
	return step, true, nil
}

func pgGetRecord(ctx context.Context, q pgQuerier, id string) (model.StepRecord, bool, error) {
	rows, err := q.Query(ctx, `SELECT `+recordColumns+` FROM step_records WHERE id = $1`, id)
	if err != nil {
		return model.StepRecord{}, false, fmt.Errorf("query step record: %w", err)
	}
	recs, err := pgCollectRecords(rows)
	if err != nil {
		return model.StepRecord{}, false, err
	}
	if len(recs) == 0 {
		return model.StepRecord{}, false, nil
	}
	return recs[0], true, nil
}

func pgListRecords(ctx context.Context, q pgQuerier, stepID string, page model.Pagination) ([]model.StepRecord, int, error) {
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM step_records WHERE step_id = $1`, stepID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count step records: %w", err)
	}

	rows, err := q.Query(ctx, `
		SELECT `+recordColumns+`
		FROM step_records
		WHERE step_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`,
		stepID, page.PageSize, page.Offset(),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query step records: %w", err)
	}
	recs, err := pgCollectRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

func pgCollectRecords(rows pgx.Rows) ([]model.StepRecord, error) {
	defer rows.Close()

	recs := []model.StepRecord{}
	for rows.Next() {
		var rec model.StepRecord
		var dataJSON, summaryJSON []byte
		if err := rows.Scan(
			&rec.ID, &rec.StepID, &rec.PreviousID, &rec.PreviousStepID, &rec.PreviousUserID,
			&rec.AncestorIDs, &rec.Status, &dataJSON, &summaryJSON, &rec.Note, &rec.Version, &rec.Duration,
			&rec.CreatedAt, &rec.CreatedBy, &rec.UpdatedAt, &rec.UpdatedBy,
			&rec.HangedAt, &rec.HangedBy, &rec.DoneAt, &rec.DoneBy, &rec.CanceledAt, &rec.CanceledBy,
			&rec.LockedAt, &rec.LockedBy, &rec.UnlockedAt, &rec.UnlockedBy,
			&rec.UndoAt, &rec.UndoBy, &rec.RejectedAt, &rec.RejectedBy,
		); err != nil {
			return nil, fmt.Errorf("scan step record: %w", err)
		}
		if err := unmarshalPayload(&rec, dataJSON, summaryJSON); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func marshalPayload(rec *model.StepRecord) (dataJSON, summaryJSON []byte, err error) {
	data := rec.Data
	if data == nil {
		data = map[string]any{}
	}
	summary := rec.Summary
	if summary == nil {
		summary = map[string]any{}
	}
	if dataJSON, err = json.Marshal(data); err != nil {
		return nil, nil, fmt.Errorf("marshal data: %w", err)
	}
	if summaryJSON, err = json.Marshal(summary); err != nil {
		return nil, nil, fmt.Errorf("marshal summary: %w", err)
	}
	return dataJSON, summaryJSON, nil
}

func unmarshalPayload(rec *model.StepRecord, dataJSON, summaryJSON []byte) error {
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &rec.Data); err != nil {
			return fmt.Errorf("unmarshal data of %q: %w", rec.ID, err)
		}
	}
	if len(summaryJSON) > 0 {
		if err := json.Unmarshal(summaryJSON, &rec.Summary); err != nil {
			return fmt.Errorf("unmarshal summary of %q: %w", rec.ID, err)
		}
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
