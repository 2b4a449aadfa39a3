package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build information, set by the command at startup.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the body of the liveness endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the body of the readiness endpoint.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a ping function to HealthChecker.
type CheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks are the dependencies the readiness endpoint checks.
// Nil checkers are skipped.
type ReadinessChecks struct {
	// Steps returns the number of registered steps. The server is not
	// ready until at least one step is served.
	Steps func() int

	RecordStore HealthChecker
	LockBackend HealthChecker
	Invoker     HealthChecker
}

const checkTimeout = 2 * time.Second

// HandleHealth returns the liveness handler. It never checks dependencies.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Service: "stepflow",
			Version: Version,
			Commit:  Commit,
		})
	}
}

// HandleReady returns the readiness handler. Dependency checks run
// concurrently, each bounded by its own timeout.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := map[string]CheckResult{"steps": stepsCheck(checks.Steps)}

		deps := []struct {
			name    string
			checker HealthChecker
		}{
			{"record_store", checks.RecordStore},
			{"lock_backend", checks.LockBackend},
			{"invoker", checks.Invoker},
		}
		outcomes := make([]CheckResult, len(deps))

		var g errgroup.Group
		for i, p := range deps {
			if p.checker == nil {
				continue
			}
			g.Go(func() error {
				outcomes[i] = runCheck(r.Context(), p.checker)
				return nil
			})
		}
		_ = g.Wait()

		for i, p := range deps {
			if p.checker != nil {
				results[p.name] = outcomes[i]
			}
		}

		resp := ReadinessResponse{Status: "ready", Checks: results}
		status := http.StatusOK
		for _, res := range results {
			if res.Status != "ok" {
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeHealthJSON(w, status, resp)
	}
}

func stepsCheck(steps func() int) CheckResult {
	n := 0
	if steps != nil {
		n = steps()
	}
	if n == 0 {
		return CheckResult{Status: "error", Error: "no steps loaded"}
	}
	return CheckResult{Status: "ok", Detail: fmt.Sprintf("%d steps", n)}
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

func writeHealthJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
