package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fleetwarden/fleetwarden/internal/backup"
	"github.com/fleetwarden/fleetwarden/internal/db"
	"github.com/fleetwarden/fleetwarden/internal/dispatch"
	"github.com/fleetwarden/fleetwarden/internal/security"
	"github.com/fleetwarden/fleetwarden/internal/throttle"
	"github.com/fleetwarden/fleetwarden/internal/trust"
)

const testToken = "test-token"

type stubTrustBackend struct {
	fingerprints map[string]string
}

func (b *stubTrustBackend) LookupFingerprint(ctx context.Context, id string) (string, error) {
	fp, ok := b.fingerprints[id]
	if !ok {
		return "", trust.ErrUnknownIdentity
	}
	return fp, nil
}

func (b *stubTrustBackend) AdmitToFleet(ctx context.Context, id string) error { return nil }

type stubCommandBackend struct{}

func (stubCommandBackend) Submit(ctx context.Context, minionID, executionID, payload string) error {
	return nil
}

type stubTransport struct {
	exists bool
}

func (s *stubTransport) Probe(ctx context.Context, target string, creds backup.Credentials) (backup.ProbeStatus, error) {
	if s.exists {
		return backup.StatusExists, nil
	}
	return backup.StatusNotFound, nil
}

func (s *stubTransport) Initialize(ctx context.Context, target string, creds backup.Credentials) error {
	s.exists = true
	return nil
}

func (s *stubTransport) Run(ctx context.Context, target string, creds backup.Credentials, payload io.Reader) error {
	_, err := io.Copy(io.Discard, payload)
	return err
}

func newTestAPI(t *testing.T) (*API, *stubTrustBackend) {
	t.Helper()
	store, err := db.NewStoreFromDSN("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	trustBackend := &stubTrustBackend{fingerprints: map[string]string{}}
	ledger := trust.NewLedger(store, trustBackend)
	dispatcher := dispatch.NewDispatcher(store, ledger, stubCommandBackend{}, nil)
	orchestrator := backup.NewOrchestrator(store, &stubTransport{}, "backup-host:/srv/fleet",
		backup.Credentials{Passphrase: security.FromString("hunter2")},
		func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader([]byte("payload"))), nil })
	limiter := throttle.NewLimiter(throttle.DefaultLimits())

	return New(ledger, dispatcher, orchestrator, limiter, security.FromString(testToken)), trustBackend
}

func doJSON(t *testing.T, a *API, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set(tokenHeader, token)
	}
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	a, _ := newTestAPI(t)
	rec := doJSON(t, a, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandshakeLifecycle(t *testing.T) {
	a, backend := newTestAPI(t)
	backend.fingerprints["web-01"] = "SHA256:abc"

	rec := doJSON(t, a, http.MethodPost, "/trust/handshake", "", handshakeRequest{ID: "web-01", Fingerprint: "SHA256:abc"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("handshake status = %d: %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["state"] != "pending" {
		t.Errorf("state = %v", body["state"])
	}

	// Accept requires the token.
	rec = doJSON(t, a, http.MethodPost, "/trust/decision", "", decisionRequest{ID: "web-01", Fingerprint: "SHA256:abc", Decision: "accept", Operator: "alice"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated decision status = %d", rec.Code)
	}

	rec = doJSON(t, a, http.MethodPost, "/trust/decision", testToken, decisionRequest{ID: "web-01", Fingerprint: "SHA256:abc", Decision: "accept", Operator: "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("decision status = %d: %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["state"] != "accepted" {
		t.Errorf("state = %v", body["state"])
	}

	// A second decision conflicts.
	rec = doJSON(t, a, http.MethodPost, "/trust/decision", testToken, decisionRequest{ID: "web-01", Decision: "reject", Operator: "bob"})
	if rec.Code != http.StatusConflict {
		t.Errorf("double decision status = %d", rec.Code)
	}

	rec = doJSON(t, a, http.MethodGet, "/trust/minions/web-01", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get minion status = %d", rec.Code)
	}
	rec = doJSON(t, a, http.MethodGet, "/trust/minions", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list minions status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["total"] != float64(1) {
		t.Errorf("total = %v", body["total"])
	}
}

func TestHandshakeThrottled(t *testing.T) {
	a, _ := newTestAPI(t)

	for i := 0; i < 5; i++ {
		rec := doJSON(t, a, http.MethodPost, "/trust/handshake", "", handshakeRequest{ID: fmt.Sprintf("m-%d", i), Fingerprint: "SHA256:abc"})
		if rec.Code != http.StatusAccepted {
			t.Fatalf("attempt %d status = %d", i+1, rec.Code)
		}
	}

	rec := doJSON(t, a, http.MethodPost, "/trust/handshake", "", handshakeRequest{ID: "m-6", Fingerprint: "SHA256:abc"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("6th attempt status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("throttled response missing Retry-After")
	}
}

func TestDispatchEndpoints(t *testing.T) {
	a, backend := newTestAPI(t)
	backend.fingerprints["web-01"] = "SHA256:abc"
	doJSON(t, a, http.MethodPost, "/trust/handshake", "", handshakeRequest{ID: "web-01", Fingerprint: "SHA256:abc"})
	doJSON(t, a, http.MethodPost, "/trust/decision", testToken, decisionRequest{ID: "web-01", Fingerprint: "SHA256:abc", Decision: "accept", Operator: "alice"})

	rec := doJSON(t, a, http.MethodPost, "/commands/dispatch", testToken, dispatchRequest{TargetID: "web-01", Payload: "uptime", TimeoutSeconds: 30, Operator: "alice"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("dispatch status = %d: %s", rec.Code, rec.Body.String())
	}
	execID, _ := decodeBody(t, rec)["execution_id"].(string)
	if execID == "" {
		t.Fatal("no execution_id in response")
	}

	rec = doJSON(t, a, http.MethodGet, "/commands/"+execID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get command status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["state"] != "queued" || body["timeout_seconds"] != float64(30) {
		t.Errorf("snapshot = %v", body)
	}

	// Dispatch to a minion that is not accepted never reaches the backend.
	rec = doJSON(t, a, http.MethodPost, "/commands/dispatch", testToken, dispatchRequest{TargetID: "rogue", Payload: "uptime", Operator: "alice"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("dispatch to unknown target status = %d", rec.Code)
	}

	rec = doJSON(t, a, http.MethodGet, "/commands/no-such-execution", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown execution status = %d", rec.Code)
	}
}

func TestBackupEndpoints(t *testing.T) {
	a, _ := newTestAPI(t)

	// No runs yet.
	rec := doJSON(t, a, http.MethodGet, "/backup/lastrun", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("lastrun before any run status = %d", rec.Code)
	}

	rec = doJSON(t, a, http.MethodPost, "/backup/trigger", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated trigger status = %d", rec.Code)
	}

	rec = doJSON(t, a, http.MethodPost, "/backup/trigger", testToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("trigger status = %d: %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["outcome"] != "initialized_and_succeeded" {
		t.Errorf("outcome = %v", body["outcome"])
	}

	rec = doJSON(t, a, http.MethodGet, "/backup/lastrun", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("lastrun status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["outcome"] != "initialized_and_succeeded" {
		t.Errorf("lastrun outcome = %v", body["outcome"])
	}
}

func TestRetryAfterRoundsUp(t *testing.T) {
	a, _ := newTestAPI(t)
	rec := httptest.NewRecorder()
	a.writeDomainError(rec, &throttle.ThrottledError{Class: throttle.Handshake, Key: "k", RetryAfter: 1500 * time.Millisecond})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}
}
