package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pitabwire/stepflow/internal/observability"
	"github.com/pitabwire/stepflow/internal/session"
	"github.com/pitabwire/stepflow/model"
)

// RemoteDispatcher posts calls to a step server over HTTP. The acting
// user travels as a bearer session credential.
type RemoteDispatcher struct {
	baseURL string
	client  *http.Client
	codec   *session.Codec
	breaker *Breaker
}

// RemoteOptions configure a RemoteDispatcher.
type RemoteOptions struct {
	BaseURL string
	Timeout time.Duration
	Codec   *session.Codec
	Breaker *Breaker
}

// NewRemoteDispatcher creates a dispatcher posting to opts.BaseURL.
func NewRemoteDispatcher(opts RemoteOptions) *RemoteDispatcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = NewBreaker(0, 0, 0)
	}
	return &RemoteDispatcher{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		codec:   opts.Codec,
		breaker: breaker,
	}
}

// Mode returns "remote".
func (d *RemoteDispatcher) Mode() string { return "remote" }

// Breaker returns the dispatcher's circuit breaker.
func (d *RemoteDispatcher) Breaker() *Breaker { return d.breaker }

// Dispatch posts the envelope to path. Calls are never retried.
func (d *RemoteDispatcher) Dispatch(ctx context.Context, path string, call Call) (int, []byte, error) {
	if err := d.breaker.Allow(); err != nil {
		return 0, nil, model.NewBackendUnavailableError("")
	}

	payload, err := json.Marshal(call.Envelope)
	if err != nil {
		return 0, nil, fmt.Errorf("invoker: marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("invoker: build request: %w", err)
	}
	if err := d.setHeaders(ctx, req, call); err != nil {
		return 0, nil, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.breaker.RecordFailure()
		if ctx.Err() != nil || isTimeout(err) {
			return 0, nil, model.NewBackendTimeoutError()
		}
		if isConnectionError(err) {
			return 0, nil, model.NewBackendUnavailableError("")
		}
		return 0, nil, fmt.Errorf("invoker: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20)) // 10MB limit
	if err != nil {
		d.breaker.RecordFailure()
		return 0, nil, fmt.Errorf("invoker: read response: %w", err)
	}

	// Step errors answer with an envelope; only gateway failures count.
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		d.breaker.RecordFailure()
	default:
		d.breaker.RecordSuccess()
	}
	return resp.StatusCode, body, nil
}

func (d *RemoteDispatcher) setHeaders(ctx context.Context, req *http.Request, call Call) error {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	if call.User != nil {
		if d.codec == nil {
			return errors.New("invoker: remote dispatch needs a session codec to impersonate users")
		}
		token, err := d.codec.Encode(call.User, call.Session)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		if rctx.CorrelationID != "" {
			req.Header.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
		}
		if rctx.Locale != "" {
			req.Header.Set("Accept-Language", sanitizeHeader(rctx.Locale))
		}
	}
	observability.InjectTraceHeaders(ctx, req.Header)
	return nil
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
