package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pitabwire/stepflow/model"
)

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteRecordStore is an embedded RecordStore backed by a single SQLite
// file.
type SQLiteRecordStore struct {
	db *sql.DB
}

// NewSQLiteRecordStore opens (or creates) the database at path and runs
// pending migrations.
func NewSQLiteRecordStore(path string) (*SQLiteRecordStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteRecordStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteRecordStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteRecordStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteRecordStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	migrations, err := loadMigrations("sqlite")
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("applying migration %s: %w", m.name, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			m.version, time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
	}
	return nil
}

// GetStep returns a step row.
func (s *SQLiteRecordStore) GetStep(ctx context.Context, stepID string) (model.Step, bool, error) {
	return sqliteGetStep(ctx, s.db, stepID)
}

// SaveStep upserts a step row.
func (s *SQLiteRecordStore) SaveStep(ctx context.Context, step model.Step) error {
	roles, err := json.Marshal(nonNil(step.Roles))
	if err != nil {
		return fmt.Errorf("marshal roles: %w", err)
	}
	actions, err := json.Marshal(nonNil(step.Actions))
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO steps (id, name, enabled, roles, actions, created_at, updated_at, created_by, updated_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			roles = excluded.roles,
			actions = excluded.actions,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by`,
		step.ID, step.Name, step.Enabled, string(roles), string(actions),
		now, now, step.UpdatedBy, step.UpdatedBy,
	)
	if err != nil {
		return fmt.Errorf("upsert step %q: %w", step.ID, err)
	}
	return nil
}

// Get returns a committed record.
func (s *SQLiteRecordStore) Get(ctx context.Context, id string) (model.StepRecord, bool, error) {
	return sqliteGetRecord(ctx, s.db, id)
}

// List returns one page of committed records.
func (s *SQLiteRecordStore) List(ctx context.Context, stepID string, page model.Pagination) ([]model.StepRecord, int, error) {
	return sqliteListRecords(ctx, s.db, stepID, page)
}

// Begin opens a database transaction.
func (s *SQLiteRecordStore) Begin(ctx context.Context) (RecordTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) GetStep(ctx context.Context, stepID string) (model.Step, bool, error) {
	return sqliteGetStep(ctx, t.tx, stepID)
}

func (t *sqliteTx) Get(ctx context.Context, id string) (model.StepRecord, bool, error) {
	return sqliteGetRecord(ctx, t.tx, id)
}

func (t *sqliteTx) List(ctx context.Context, stepID string, page model.Pagination) ([]model.StepRecord, int, error) {
	return sqliteListRecords(ctx, t.tx, stepID, page)
}

func (t *sqliteTx) Insert(ctx context.Context, rec *model.StepRecord) error {
	rec.Version = 1
	ancestors, dataJSON, summaryJSON, err := sqlitePayload(rec)
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO step_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.StepID, rec.PreviousID, rec.PreviousStepID, rec.PreviousUserID,
		ancestors, string(rec.Status), dataJSON, summaryJSON, rec.Note, rec.Version, rec.Duration,
		rec.CreatedAt, rec.CreatedBy, rec.UpdatedAt, rec.UpdatedBy,
		nullableTime(rec.HangedAt), rec.HangedBy, nullableTime(rec.DoneAt), rec.DoneBy,
		nullableTime(rec.CanceledAt), rec.CanceledBy, nullableTime(rec.LockedAt), rec.LockedBy,
		nullableTime(rec.UnlockedAt), rec.UnlockedBy, nullableTime(rec.UndoAt), rec.UndoBy,
		nullableTime(rec.RejectedAt), rec.RejectedBy,
	)
	if err != nil {
		return fmt.Errorf("insert step record: %w", err)
	}
	return nil
}

func (t *sqliteTx) Update(ctx context.Context, rec *model.StepRecord) error {
	ancestors, dataJSON, summaryJSON, err := sqlitePayload(rec)
	if err != nil {
		return err
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE step_records SET
			step_id = ?, previous_id = ?, previous_step_id = ?, previous_user_id = ?,
			ancestor_ids = ?, status = ?, data = ?, summary = ?, note = ?,
			version = ?, duration = ?,
			created_at = ?, created_by = ?, updated_at = ?, updated_by = ?,
			hanged_at = ?, hanged_by = ?, done_at = ?, done_by = ?,
			canceled_at = ?, canceled_by = ?, locked_at = ?, locked_by = ?,
			unlocked_at = ?, unlocked_by = ?, undo_at = ?, undo_by = ?,
			rejected_at = ?, rejected_by = ?
		WHERE id = ? AND version = ?`,
		rec.StepID, rec.PreviousID, rec.PreviousStepID, rec.PreviousUserID,
		ancestors, string(rec.Status), dataJSON, summaryJSON, rec.Note,
		rec.Version+1, rec.Duration,
		rec.CreatedAt, rec.CreatedBy, rec.UpdatedAt, rec.UpdatedBy,
		nullableTime(rec.HangedAt), rec.HangedBy, nullableTime(rec.DoneAt), rec.DoneBy,
		nullableTime(rec.CanceledAt), rec.CanceledBy, nullableTime(rec.LockedAt), rec.LockedBy,
		nullableTime(rec.UnlockedAt), rec.UnlockedBy, nullableTime(rec.UndoAt), rec.UndoBy,
		nullableTime(rec.RejectedAt), rec.RejectedBy,
		rec.ID, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("update step record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update step record: %w", err)
	}
	if n == 0 {
		return versionConflict(rec.ID, rec.Version)
	}
	rec.Version++
	return nil
}

func (t *sqliteTx) FindNext(ctx context.Context, previousID string) ([]model.StepRecord, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM step_records
		WHERE previous_id = ? AND status <> ?
		ORDER BY created_at ASC, id ASC`,
		previousID, string(model.StatusCanceled),
	)
	if err != nil {
		return nil, fmt.Errorf("query next step records: %w", err)
	}
	return sqliteCollectRecords(rows)
}

func (t *sqliteTx) ResetStatus(ctx context.Context, id string, status model.RecordStatus, note string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE step_records SET status = ?, note = ?, version = version + 1, updated_at = ?
		WHERE id = ?`,
		string(status), note, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("reset step record status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewNotFoundError(fmt.Sprintf("step record %q not found", id))
	}
	return nil
}

func (t *sqliteTx) Commit(_ context.Context) error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback(_ context.Context) error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return ErrTxDone
	}
	return err
}

func sqliteGetStep(ctx context.Context, q sqlQuerier, stepID string) (model.Step, bool, error) {
	var step model.Step
	var roles, actions string
	err := q.QueryRowContext(ctx, `
		SELECT id, name, enabled, roles, actions, created_at, updated_at, created_by, updated_by
		FROM steps WHERE id = ?`,
		stepID,
	).Scan(
		&step.ID, &step.Name, &step.Enabled, &roles, &actions,
		&step.CreatedAt, &step.UpdatedAt, &step.CreatedBy, &step.UpdatedBy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Step{}, false, nil
	}
	if err != nil {
		return model.Step{}, false, fmt.Errorf("query step: %w", err)
	}
	if err := json.Unmarshal([]byte(roles), &step.Roles); err != nil {
		return model.Step{}, false, fmt.Errorf("unmarshal roles of %q: %w", stepID, err)
	}
	if err := json.Unmarshal([]byte(actions), &step.Actions); err != nil {
		return model.Step{}, false, fmt.Errorf("unmarshal actions of %q: %w", stepID, err)
	}
	return step, true, nil
}

func sqliteGetRecord(ctx context.Context, q sqlQuerier, id string) (model.StepRecord, bool, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+recordColumns+` FROM step_records WHERE id = ?`, id)
	if err != nil {
		return model.StepRecord{}, false, fmt.Errorf("query step record: %w", err)
	}
	recs, err := sqliteCollectRecords(rows)
	if err != nil {
		return model.StepRecord{}, false, err
	}
	if len(recs) == 0 {
		return model.StepRecord{}, false, nil
	}
	return recs[0], true, nil
}

func sqliteListRecords(ctx context.Context, q sqlQuerier, stepID string, page model.Pagination) ([]model.StepRecord, int, error) {
	var total int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM step_records WHERE step_id = ?`, stepID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count step records: %w", err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM step_records
		WHERE step_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`,
		stepID, page.PageSize, page.Offset(),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query step records: %w", err)
	}
	recs, err := sqliteCollectRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

func sqliteCollectRecords(rows *sql.Rows) ([]model.StepRecord, error) {
	defer func() { _ = rows.Close() }()

	recs := []model.StepRecord{}
	for rows.Next() {
		var rec model.StepRecord
		var status, ancestors, dataJSON, summaryJSON string
		var hangedAt, doneAt, canceledAt, lockedAt, unlockedAt, undoAt, rejectedAt sql.NullTime
		if err := rows.Scan(
			&rec.ID, &rec.StepID, &rec.PreviousID, &rec.PreviousStepID, &rec.PreviousUserID,
			&ancestors, &status, &dataJSON, &summaryJSON, &rec.Note, &rec.Version, &rec.Duration,
			&rec.CreatedAt, &rec.CreatedBy, &rec.UpdatedAt, &rec.UpdatedBy,
			&hangedAt, &rec.HangedBy, &doneAt, &rec.DoneBy, &canceledAt, &rec.CanceledBy,
			&lockedAt, &rec.LockedBy, &unlockedAt, &rec.UnlockedBy,
			&undoAt, &rec.UndoBy, &rejectedAt, &rec.RejectedBy,
		); err != nil {
			return nil, fmt.Errorf("scan step record: %w", err)
		}
		rec.Status = model.RecordStatus(status)
		rec.HangedAt = timePtr(hangedAt)
		rec.DoneAt = timePtr(doneAt)
		rec.CanceledAt = timePtr(canceledAt)
		rec.LockedAt = timePtr(lockedAt)
		rec.UnlockedAt = timePtr(unlockedAt)
		rec.UndoAt = timePtr(undoAt)
		rec.RejectedAt = timePtr(rejectedAt)

		if err := json.Unmarshal([]byte(ancestors), &rec.AncestorIDs); err != nil {
			return nil, fmt.Errorf("unmarshal ancestor ids of %q: %w", rec.ID, err)
		}
		if err := unmarshalPayload(&rec, []byte(dataJSON), []byte(summaryJSON)); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func sqlitePayload(rec *model.StepRecord) (ancestors, dataJSON, summaryJSON string, err error) {
	rawAncestors, err := json.Marshal(nonNil(rec.AncestorIDs))
	if err != nil {
		return "", "", "", fmt.Errorf("marshal ancestor ids: %w", err)
	}
	data, summary, err := marshalPayload(rec)
	if err != nil {
		return "", "", "", err
	}
	return string(rawAncestors), string(data), string(summary), nil
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
