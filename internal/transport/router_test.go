package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/stepflow/internal/config"
	"github.com/pitabwire/stepflow/internal/invoker"
	"github.com/pitabwire/stepflow/internal/observability"
	"github.com/pitabwire/stepflow/internal/session"
	"github.com/pitabwire/stepflow/internal/workflow"
	"github.com/pitabwire/stepflow/model"
)

// --- Test helpers ---

type testServer struct {
	*httptest.Server
	store *workflow.MemoryRecordStore
	codec *session.Codec
	steps *invoker.Registry
}

type envelope struct {
	Data  map[string]any       `json:"data"`
	Error *model.ErrorEnvelope `json:"error"`
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg := config.Defaults()
	cfg.Server.MaxBodyBytes = 1024
	if mutate != nil {
		mutate(cfg)
	}

	codec, err := session.NewCodec([]byte("test-secret"), "stepflow", time.Minute)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}

	store := workflow.NewMemoryRecordStore()
	steps := invoker.NewRegistry()
	eng, err := workflow.NewEngine(workflow.Definition{StepID: "basic"}, workflow.Deps{Store: store})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	steps.Register(eng)
	steps.Register(panicHandler{})

	promReg := prometheus.NewRegistry()
	router := NewRouter(Dependencies{
		Config:         cfg,
		Steps:          steps,
		Codec:          codec,
		Metrics:        observability.InitMetrics(promReg),
		ReadyHandler:   observability.HandleReady(observability.ReadinessChecks{Steps: func() int { return 2 }}),
		MetricsHandler: observability.HandlerFor(promReg),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: store, codec: codec, steps: steps}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := s.codec.Encode(&model.User{ID: userID, Email: userID + "@example.com"}, nil)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return token
}

func (s *testServer) post(t *testing.T, path string, headers map[string]string, body string) (*http.Response, envelope) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	defer resp.Body.Close()

	var env envelope
	raw, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return resp, env
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

type panicHandler struct{}

func (panicHandler) StepID() string { return "explode" }

func (panicHandler) Handle(context.Context, *model.RequestContext, model.ActionRequest) (map[string]any, error) {
	panic("boom")
}

// --- Action route ---

func TestAction_draftWithSession(t *testing.T) {
	s := newTestServer(t, nil)

	resp, env := s.post(t, "/steps/basic/index", bearer(s.token(t, "u-1")), `{"action":"draft","data":{"amount":3}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body error %+v", resp.StatusCode, env.Error)
	}
	id, _ := env.Data["id"].(string)
	if id == "" {
		t.Fatalf("data = %v, want id", env.Data)
	}
	if resp.Header.Get("X-Correlation-Id") == "" {
		t.Error("response should carry a correlation id")
	}

	rec, ok, _ := s.store.Get(context.Background(), id)
	if !ok || rec.CreatedBy != "u-1" || rec.Data["amount"] != float64(3) {
		t.Errorf("record = %+v", rec)
	}
}

func TestAction_anyBasePath(t *testing.T) {
	s := newTestServer(t, nil)

	resp, env := s.post(t, "/flows/basic/index", nil, `{"action":"new"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	step, _ := env.Data["step"].(map[string]any)
	if step["id"] != "basic" {
		t.Errorf("step = %v", env.Data["step"])
	}
}

func TestAction_correlationIDEchoed(t *testing.T) {
	s := newTestServer(t, nil)

	resp, _ := s.post(t, "/steps/basic/index", map[string]string{"X-Correlation-Id": "corr-9"}, `{"action":"list"}`)
	if got := resp.Header.Get("X-Correlation-Id"); got != "corr-9" {
		t.Errorf("X-Correlation-Id = %q, want corr-9", got)
	}
}

func TestAction_anonymousMutationRejected(t *testing.T) {
	s := newTestServer(t, nil)

	resp, env := s.post(t, "/steps/basic/index", nil, `{"action":"draft","data":{"a":1}}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if env.Error == nil || env.Error.Code != model.ErrUnauthorized || env.Error.Message != "[params] user is required." {
		t.Errorf("error = %+v", env.Error)
	}
	if s.store.Len() != 0 {
		t.Error("no record should be stored")
	}
}

func TestAction_invalidCredentials(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name   string
		header string
	}{
		{"wrong scheme", "Token abc"},
		{"garbage token", "Bearer not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, env := s.post(t, "/steps/basic/index", map[string]string{"Authorization": tt.header}, `{"action":"new"}`)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", resp.StatusCode)
			}
			if env.Error == nil || env.Error.Code != model.ErrUnauthorized {
				t.Errorf("error = %+v", env.Error)
			}
		})
	}
}

func TestAction_tokenFromOtherSecretRejected(t *testing.T) {
	s := newTestServer(t, nil)
	other, _ := session.NewCodec([]byte("other-secret"), "stepflow", time.Minute)
	token, _ := other.Encode(&model.User{ID: "u-1"}, nil)

	resp, _ := s.post(t, "/steps/basic/index", bearer(token), `{"action":"new"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAction_unknownStep(t *testing.T) {
	s := newTestServer(t, nil)

	resp, env := s.post(t, "/steps/nope/index", nil, `{"action":"new"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if env.Error.Message != "Step nope not found." {
		t.Errorf("message = %q", env.Error.Message)
	}
}

func TestAction_badBodies(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Server.MaxBodyBytes = 64 })

	tests := []struct {
		name string
		body string
		msg  string
	}{
		{"empty", "", "Request body must be a JSON action request."},
		{"malformed", `{"action":`, "Request body must be a JSON action request."},
		{"too large", `{"action":"draft","data":{"text":"` + strings.Repeat("x", 200) + `"}}`, "Request body exceeds 64 bytes."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, env := s.post(t, "/steps/basic/index", bearer(s.token(t, "u-1")), tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if env.Error.Message != tt.msg {
				t.Errorf("message = %q, want %q", env.Error.Message, tt.msg)
			}
		})
	}
}

func TestAction_localizedError(t *testing.T) {
	s := newTestServer(t, nil)

	resp, env := s.post(t, "/steps/basic/index", map[string]string{"Accept-Language": "zh"}, `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if env.Error.Message != "[params] action 不能为空。" {
		t.Errorf("message = %q", env.Error.Message)
	}
}

func TestAction_versionConflictStatus(t *testing.T) {
	s := newTestServer(t, nil)
	auth := bearer(s.token(t, "u-1"))

	_, env := s.post(t, "/steps/basic/index", auth, `{"action":"draft","data":{"a":1}}`)
	id := env.Data["id"].(string)

	resp, env := s.post(t, "/steps/basic/index", auth, `{"action":"done","id":"`+id+`","version":5}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if env.Error.Code != model.ErrVersionConflict {
		t.Errorf("code = %q", env.Error.Code)
	}
}

func TestAction_panicRecovered(t *testing.T) {
	s := newTestServer(t, nil)

	resp, env := s.post(t, "/steps/explode/index", nil, `{"action":"new"}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if env.Error == nil || env.Error.Code != model.ErrInternalError {
		t.Errorf("error = %+v", env.Error)
	}
}

// --- Public routes ---

func TestRouter_publicEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	s.post(t, "/steps/basic/index", nil, `{"action":"new"}`)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(s.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d", path, resp.StatusCode)
		}
		if path == "/metrics" && !bytes.Contains(body, []byte(`path_pattern="/{basePath}/{stepId}/index"`)) {
			t.Errorf("metrics should record the action route pattern:\n%s", body)
		}
	}
}

func TestRouter_metricsDisabled(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Observability.Metrics.Enabled = false })

	resp, err := http.Get(s.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Error("/metrics should not be served when disabled")
	}
}

func TestRouter_securityHeaders(t *testing.T) {
	s := newTestServer(t, nil)

	resp, err := http.Get(s.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	resp.Body.Close()
	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := resp.Header.Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestRouter_CORS(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Server.CORS.AllowedOrigins = []string{"https://app.example.com"}
	})

	preflight := func(origin string) *http.Response {
		req, _ := http.NewRequest(http.MethodOptions, s.URL+"/steps/basic/index", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("OPTIONS error = %v", err)
		}
		resp.Body.Close()
		return resp
	}

	resp := preflight("https://app.example.com")
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q, want the allowed origin", got)
	}

	resp = preflight("https://evil.example.com")
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q, want empty for unknown origin", got)
	}
}
