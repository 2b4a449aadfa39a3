package transport

import (
	"context"
	"testing"

	"github.com/pitabwire/stepflow/internal/invoker"
	"github.com/pitabwire/stepflow/model"
)

func newRemoteClient(s *testServer) *invoker.Client {
	d := invoker.NewRemoteDispatcher(invoker.RemoteOptions{BaseURL: s.URL, Codec: s.codec})
	return invoker.NewClient(d, invoker.Options{})
}

func TestRemoteInvoke_createsLinkedRecord(t *testing.T) {
	s := newTestServer(t, nil)
	client := newRemoteClient(s)

	out, err := client.Invoke(context.Background(), model.InvokeRequest{
		StepID: "basic",
		Action: model.ActionDraft,
		Record: model.ActionRequest{Data: map[string]any{"x": "y"}},
		User:   &model.User{ID: "u-2", Email: "two@example.com"},
		Previous: &model.PreviousRecord{
			ID:          "p-1",
			StepID:      "intake",
			AncestorIDs: []string{"a-0"},
			User:        &model.User{ID: "u-0"},
		},
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	id, _ := out["id"].(string)
	rec, ok, _ := s.store.Get(context.Background(), id)
	if !ok {
		t.Fatalf("record %q not stored", id)
	}
	if rec.CreatedBy != "u-2" {
		t.Errorf("CreatedBy = %q, want impersonated u-2", rec.CreatedBy)
	}
	if rec.PreviousID != "p-1" || rec.PreviousStepID != "intake" || rec.PreviousUserID != "u-0" {
		t.Errorf("previous = %q %q %q", rec.PreviousID, rec.PreviousStepID, rec.PreviousUserID)
	}
	if len(rec.AncestorIDs) != 2 || rec.AncestorIDs[0] != "a-0" || rec.AncestorIDs[1] != "p-1" {
		t.Errorf("AncestorIDs = %v, want [a-0 p-1]", rec.AncestorIDs)
	}
}

func TestRemoteInvoke_emptyDataCreatesRecord(t *testing.T) {
	s := newTestServer(t, nil)
	client := newRemoteClient(s)

	out, err := client.Invoke(context.Background(), model.InvokeRequest{
		StepID: "basic",
		Action: model.ActionDraft,
		Record: model.ActionRequest{Data: map[string]any{}},
		User:   &model.User{ID: "u-2"},
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v, want record created as in local mode", err)
	}
	id, _ := out["id"].(string)
	if _, ok, _ := s.store.Get(context.Background(), id); !ok {
		t.Errorf("record %q not stored", id)
	}
}

func TestRemoteInvoke_errorsKeepCodeAndMessage(t *testing.T) {
	s := newTestServer(t, nil)
	client := newRemoteClient(s)

	_, err := client.Invoke(context.Background(), model.InvokeRequest{
		StepID: "basic",
		Action: model.ActionDone,
		Record: model.ActionRequest{ID: "r-missing"},
		User:   &model.User{ID: "u-2"},
	})
	if !model.HasCode(err, model.ErrNotFound) {
		t.Fatalf("Invoke() error = %v, want NOT_FOUND", err)
	}
	if msg := model.AsEnvelope(err).Message; msg != "Record#r-missing not found." {
		t.Errorf("message = %q", msg)
	}
}

func TestRemoteInvoke_localeTravels(t *testing.T) {
	s := newTestServer(t, nil)
	client := newRemoteClient(s)

	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{SubjectID: "u-2", Locale: "zh"})
	_, err := client.Invoke(ctx, model.InvokeRequest{
		StepID: "basic",
		Action: model.ActionGet,
		User:   &model.User{ID: "u-2"},
	})
	if msg := model.AsEnvelope(err).Message; msg != "[params] id 不能为空。" {
		t.Errorf("message = %q, want Chinese text", msg)
	}
}

func TestRemoteInvoke_unknownStep(t *testing.T) {
	s := newTestServer(t, nil)
	client := newRemoteClient(s)

	_, err := client.Invoke(context.Background(), model.InvokeRequest{StepID: "ghost", Action: model.ActionNew})
	if !model.HasCode(err, model.ErrNotFound) {
		t.Errorf("Invoke() error = %v, want NOT_FOUND", err)
	}
}
