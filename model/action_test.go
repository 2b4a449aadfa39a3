package model

import (
	"testing"
	"time"
)

func TestParseAction(t *testing.T) {
	for _, a := range Actions {
		got, ok := ParseAction(string(a))
		if !ok || got != a {
			t.Errorf("ParseAction(%q) = %q, %v", a, got, ok)
		}
	}
	if _, ok := ParseAction("approve"); ok {
		t.Error("ParseAction(approve) should fail")
	}
	if _, ok := ParseAction(""); ok {
		t.Error("ParseAction(\"\") should fail")
	}
}

func TestAction_IsMutating(t *testing.T) {
	for _, a := range []Action{ActionNew, ActionGet, ActionList} {
		if a.IsMutating() {
			t.Errorf("%s.IsMutating() = true, want false", a)
		}
	}
	for _, a := range []Action{ActionDraft, ActionHang, ActionDone, ActionCancel, ActionLock, ActionUnlock, ActionUndo, ActionReject} {
		if !a.IsMutating() {
			t.Errorf("%s.IsMutating() = false, want true", a)
		}
	}
}

func TestStepRecord_Apply_statusTable(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		action Action
		status RecordStatus
		stamp  func(r StepRecord) (bool, string)
	}{
		{ActionDraft, StatusDraft, func(r StepRecord) (bool, string) { return r.CreatedAt.Equal(at), r.CreatedBy }},
		{ActionHang, StatusHanging, func(r StepRecord) (bool, string) { return r.HangedAt != nil, r.HangedBy }},
		{ActionDone, StatusDone, func(r StepRecord) (bool, string) { return r.DoneAt != nil, r.DoneBy }},
		{ActionCancel, StatusCanceled, func(r StepRecord) (bool, string) { return r.CanceledAt != nil, r.CanceledBy }},
		{ActionLock, StatusLocked, func(r StepRecord) (bool, string) { return r.LockedAt != nil, r.LockedBy }},
		{ActionUnlock, StatusDraft, func(r StepRecord) (bool, string) { return r.UnlockedAt != nil, r.UnlockedBy }},
		{ActionUndo, StatusDraft, func(r StepRecord) (bool, string) { return r.UndoAt != nil, r.UndoBy }},
		{ActionReject, StatusRejected, func(r StepRecord) (bool, string) { return r.RejectedAt != nil, r.RejectedBy }},
	}
	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			rec := StepRecord{CreatedAt: at.Add(-time.Hour)}
			if !rec.Apply(tt.action, at, "user-1") {
				t.Fatalf("Apply(%s) = false", tt.action)
			}
			if rec.Status != tt.status {
				t.Errorf("Status = %q, want %q", rec.Status, tt.status)
			}
			set, by := tt.stamp(rec)
			if !set {
				t.Error("timestamp field not set")
			}
			if by != "user-1" {
				t.Errorf("actor field = %q, want user-1", by)
			}

			effect, ok := EffectOf(tt.action)
			if !ok || effect.Status != tt.status {
				t.Errorf("EffectOf(%s) = %+v, %v", tt.action, effect, ok)
			}
		})
	}
}

func TestStepRecord_Apply_durationOnlyOnDone(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(90 * time.Second)

	rec := StepRecord{CreatedAt: t0}
	rec.Apply(ActionHang, t1, "u")
	if rec.Duration != 0 {
		t.Errorf("Duration after hang = %d, want 0", rec.Duration)
	}

	rec.Apply(ActionDone, t1, "u")
	if rec.Duration != 90000 {
		t.Errorf("Duration after done = %d, want 90000", rec.Duration)
	}
}

func TestStepRecord_Apply_readActionRejected(t *testing.T) {
	rec := StepRecord{Status: StatusDone}
	if rec.Apply(ActionGet, time.Now(), "u") {
		t.Error("Apply(get) = true, want false")
	}
	if rec.Status != StatusDone {
		t.Errorf("Status changed to %q", rec.Status)
	}
}
