package model

import "time"

// RecordStatus is the status of a step record. It is always derived from
// the last applied action.
type RecordStatus string

// Record status constants.
const (
	StatusDraft    RecordStatus = "draft"
	StatusHanging  RecordStatus = "hanging"
	StatusLocked   RecordStatus = "locked"
	StatusDone     RecordStatus = "done"
	StatusCanceled RecordStatus = "canceled"
	StatusRejected RecordStatus = "rejected"
)

// StepRecord is one unit of work flowing through a step.
type StepRecord struct {
	ID             string         `json:"id"`
	StepID         string         `json:"stepId"`
	PreviousID     string         `json:"previousId,omitempty"`
	PreviousStepID string         `json:"previousStepId,omitempty"`
	PreviousUserID string         `json:"previousUserId,omitempty"`
	AncestorIDs    []string       `json:"ancestorIds"`
	Status         RecordStatus   `json:"status"`
	Data           map[string]any `json:"data"`
	Summary        map[string]any `json:"summary"`
	Note           string         `json:"note,omitempty"`
	Version        int            `json:"version"`

	// Duration is the milliseconds between CreatedAt and the done action.
	Duration int64 `json:"duration"`

	CreatedAt  time.Time  `json:"createdAt"`
	CreatedBy  string     `json:"createdBy,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	UpdatedBy  string     `json:"updatedBy,omitempty"`
	HangedAt   *time.Time `json:"hangedAt,omitempty"`
	HangedBy   string     `json:"hangedBy,omitempty"`
	DoneAt     *time.Time `json:"doneAt,omitempty"`
	DoneBy     string     `json:"doneBy,omitempty"`
	CanceledAt *time.Time `json:"canceledAt,omitempty"`
	CanceledBy string     `json:"canceledBy,omitempty"`
	LockedAt   *time.Time `json:"lockedAt,omitempty"`
	LockedBy   string     `json:"lockedBy,omitempty"`
	UnlockedAt *time.Time `json:"unlockedAt,omitempty"`
	UnlockedBy string     `json:"unlockedBy,omitempty"`
	UndoAt     *time.Time `json:"undoAt,omitempty"`
	UndoBy     string     `json:"undoBy,omitempty"`
	RejectedAt *time.Time `json:"rejectedAt,omitempty"`
	RejectedBy string     `json:"rejectedBy,omitempty"`
}

// Clone returns a deep copy of the record. Data and Summary are copied one
// level deep.
func (r StepRecord) Clone() StepRecord {
	c := r
	c.AncestorIDs = append([]string(nil), r.AncestorIDs...)
	c.Data = cloneMap(r.Data)
	c.Summary = cloneMap(r.Summary)
	for _, p := range []**time.Time{
		&c.HangedAt, &c.DoneAt, &c.CanceledAt, &c.LockedAt,
		&c.UnlockedAt, &c.UndoAt, &c.RejectedAt,
	} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	return c
}

// ActorIDs returns every non-empty actor id on the record, deduplicated, in
// audit field order.
func (r StepRecord) ActorIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, id := range []string{
		r.CreatedBy, r.UpdatedBy, r.HangedBy, r.DoneBy, r.CanceledBy,
		r.LockedBy, r.UnlockedBy, r.UndoBy, r.RejectedBy,
	} {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// MergeData shallow-merges incoming into the record's data. Existing keys
// are overwritten and the rest are preserved.
func (r *StepRecord) MergeData(incoming map[string]any) {
	if r.Data == nil {
		r.Data = make(map[string]any, len(incoming))
	}
	for k, v := range incoming {
		r.Data[k] = v
	}
}

// AppendAncestor returns ancestors with id appended, unless id is empty or
// already the last element.
func AppendAncestor(ancestors []string, id string) []string {
	out := append([]string(nil), ancestors...)
	if id == "" {
		return out
	}
	if len(out) > 0 && out[len(out)-1] == id {
		return out
	}
	return append(out, id)
}

// Pagination is the page window of a list action.
type Pagination struct {
	Current  int `json:"current"`
	PageSize int `json:"pageSize"`
	Total    int `json:"total"`
}

// DefaultPagination is the window used when a list request does not set one.
var DefaultPagination = Pagination{Current: 1, PageSize: 10}

// Offset returns the number of rows skipped before the current page.
func (p Pagination) Offset() int {
	if p.Current < 1 {
		return 0
	}
	return (p.Current - 1) * p.PageSize
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
