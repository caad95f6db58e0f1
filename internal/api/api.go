// Copyright (c) 2026 Fleetwarden Team
// Fleetwarden - fleet trust and command orchestration
// This source code is licensed under the MIT license found in the LICENSE file.

// Package api exposes the operator-facing REST surface: trust handshake
// and decisions, command dispatch and inspection, backup trigger and
// status. Mutating endpoints require the capability token and pass the
// admission throttle before touching any engine component.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/cors"

	"github.com/fleetwarden/fleetwarden/internal/backup"
	"github.com/fleetwarden/fleetwarden/internal/db"
	"github.com/fleetwarden/fleetwarden/internal/dispatch"
	"github.com/fleetwarden/fleetwarden/internal/logging"
	"github.com/fleetwarden/fleetwarden/internal/model"
	"github.com/fleetwarden/fleetwarden/internal/security"
	"github.com/fleetwarden/fleetwarden/internal/throttle"
	"github.com/fleetwarden/fleetwarden/internal/trust"
)

const tokenHeader = "X-Auth-Token"

// defaultCommandTimeout applies when a dispatch request leaves the
// timeout unset.
const defaultCommandTimeout = 60 * time.Second

// API wires the engine components behind HTTP handlers.
type API struct {
	ledger       *trust.Ledger
	dispatcher   *dispatch.Dispatcher
	orchestrator *backup.Orchestrator
	limiter      *throttle.Limiter
	token        security.Secret
	router       *mux.Router
}

// New builds the API around the given components. token guards every
// mutating endpoint; an empty token disables those endpoints entirely.
func New(ledger *trust.Ledger, dispatcher *dispatch.Dispatcher, orchestrator *backup.Orchestrator, limiter *throttle.Limiter, token security.Secret) *API {
	a := &API{
		ledger:       ledger,
		dispatcher:   dispatcher,
		orchestrator: orchestrator,
		limiter:      limiter,
		token:        token,
	}
	a.setupRouter()
	return a
}

func (a *API) setupRouter() {
	r := mux.NewRouter()

	authed := alice.New(a.authMiddleware)

	// trust
	r.HandleFunc("/trust/handshake", a.postHandshake).Methods(http.MethodPost)
	r.Handle("/trust/decision", authed.ThenFunc(a.postDecision)).Methods(http.MethodPost)
	r.HandleFunc("/trust/minions", a.getMinions).Methods(http.MethodGet)
	r.HandleFunc("/trust/minions/{id}", a.getMinion).Methods(http.MethodGet)
	// commands
	r.Handle("/commands/dispatch", authed.ThenFunc(a.postDispatch)).Methods(http.MethodPost)
	r.HandleFunc("/commands/{id}", a.getCommand).Methods(http.MethodGet)
	// backup
	r.Handle("/backup/trigger", authed.ThenFunc(a.postBackupTrigger)).Methods(http.MethodPost)
	r.HandleFunc("/backup/lastrun", a.getBackupLastRun).Methods(http.MethodGet)
	// health
	r.HandleFunc("/health", a.getHealth).Methods(http.MethodGet)

	a.router = r
}

// Handler returns the fully wrapped HTTP handler.
func (a *API) Handler() http.Handler {
	chain := alice.New(
		recoveryMiddleware,
		loggingMiddleware,
		cors.AllowAll().Handler,
	)
	return chain.Then(a.router)
}

// Serve blocks on ListenAndServe at bindAddr.
func (a *API) Serve(bindAddr string) error {
	logging.Infof("api: listening on %s", bindAddr)
	return http.ListenAndServe(bindAddr, a.Handler())
}

type handshakeRequest struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint"`
}

func (a *API) postHandshake(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req handshakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("error parsing body: %s", err))
		return
	}
	if req.ID == "" || req.Fingerprint == "" {
		httpError(w, http.StatusBadRequest, "id and fingerprint are required")
		return
	}

	// Handshakes are unauthenticated; the throttle keys on the peer
	// address.
	if err := a.limiter.Allow(throttle.Handshake, clientIP(r), time.Now()); err != nil {
		a.writeDomainError(w, err)
		return
	}

	m, err := a.ledger.RecordPending(req.ID, req.Fingerprint)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, minionView(m))
}

type decisionRequest struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint"`
	Decision    string `json:"decision"`
	Operator    string `json:"operator"`
}

func (a *API) postDecision(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("error parsing body: %s", err))
		return
	}
	if req.Operator == "" {
		httpError(w, http.StatusBadRequest, "operator is required")
		return
	}

	// Decisions are authenticated; the throttle keys on the subject.
	if err := a.limiter.Allow(throttle.Decision, req.Operator, time.Now()); err != nil {
		a.writeDomainError(w, err)
		return
	}

	var m *model.MinionIdentity
	var err error
	switch req.Decision {
	case "accept":
		m, err = a.ledger.Accept(r.Context(), req.ID, req.Fingerprint, req.Operator)
	case "reject":
		m, err = a.ledger.Reject(req.ID, req.Operator)
	default:
		httpError(w, http.StatusBadRequest, "decision must be accept or reject")
		return
	}
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, minionView(m))
}

func (a *API) getMinions(w http.ResponseWriter, r *http.Request) {
	minions, err := a.ledger.List()
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(minions))
	for i := range minions {
		views = append(views, minionView(&minions[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(views), "items": views})
}

func (a *API) getMinion(w http.ResponseWriter, r *http.Request) {
	m, err := a.ledger.Status(mux.Vars(r)["id"])
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, minionView(m))
}

type dispatchRequest struct {
	TargetID       string `json:"target_id"`
	Payload        string `json:"payload"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Operator       string `json:"operator"`
}

func (a *API) postDispatch(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("error parsing body: %s", err))
		return
	}
	if req.TargetID == "" || req.Payload == "" {
		httpError(w, http.StatusBadRequest, "target_id and payload are required")
		return
	}

	timeout := defaultCommandTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	clientKey := req.Operator
	if clientKey == "" {
		clientKey = clientIP(r)
	}

	exec, err := a.dispatcher.Dispatch(r.Context(), req.TargetID, req.Payload, timeout, clientKey)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"execution_id": exec.ID, "state": exec.State})
}

func (a *API) getCommand(w http.ResponseWriter, r *http.Request) {
	exec, err := a.dispatcher.Status(mux.Vars(r)["id"])
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executionView(exec))
}

func (a *API) postBackupTrigger(w http.ResponseWriter, r *http.Request) {
	run, err := a.orchestrator.Trigger(r.Context())
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, backupRunView(run))
}

func (a *API) getBackupLastRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.orchestrator.LastRun()
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, backupRunView(run))
}

func (a *API) getHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func minionView(m *model.MinionIdentity) map[string]any {
	v := map[string]any{
		"id":            m.ID,
		"fingerprint":   m.Fingerprint,
		"state":         m.State,
		"first_seen_at": m.FirstSeenAt.UTC().Format(time.RFC3339),
	}
	if !m.DecidedAt.IsZero() {
		v["decided_at"] = m.DecidedAt.UTC().Format(time.RFC3339)
		v["decided_by"] = m.DecidedBy
	}
	return v
}

func executionView(e *model.CommandExecution) map[string]any {
	v := map[string]any{
		"id":               e.ID,
		"target_minion_id": e.TargetMinionID,
		"payload":          e.Payload,
		"state":            e.State,
		"started_at":       e.StartedAt.UTC().Format(time.RFC3339),
		"output":           e.Output,
		"output_truncated": e.OutputTruncated,
		"timeout_seconds":  int(e.Timeout.Seconds()),
	}
	if !e.FinishedAt.IsZero() {
		v["finished_at"] = e.FinishedAt.UTC().Format(time.RFC3339)
	}
	if e.ExitCode != nil {
		v["exit_code"] = *e.ExitCode
	}
	return v
}

func backupRunView(run *model.BackupRun) map[string]any {
	v := map[string]any{
		"id":         run.ID,
		"target":     run.RepositoryTarget,
		"outcome":    run.Outcome,
		"started_at": run.StartedAt.UTC().Format(time.RFC3339),
	}
	if !run.FinishedAt.IsZero() {
		v["finished_at"] = run.FinishedAt.UTC().Format(time.RFC3339)
	}
	if run.ErrorDetail != "" {
		v["error_detail"] = run.ErrorDetail
	}
	return v
}

// writeDomainError maps engine errors onto HTTP statuses. Throttled
// callers get an exact Retry-After so they can back off correctly.
func (a *API) writeDomainError(w http.ResponseWriter, err error) {
	var throttled *throttle.ThrottledError
	var conflict *trust.ConflictError
	var already *trust.AlreadyDecidedError
	var unknownTarget *dispatch.UnknownTargetError

	switch {
	case errors.As(err, &throttled):
		seconds := int(throttled.RetryAfter.Seconds())
		if throttled.RetryAfter > time.Duration(seconds)*time.Second {
			seconds++ // round up, never tell the client to come back early
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
		httpError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &conflict):
		httpError(w, http.StatusConflict, err.Error())
	case errors.As(err, &already):
		httpError(w, http.StatusConflict, err.Error())
	case errors.As(err, &unknownTarget):
		httpError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, trust.ErrUnknownIdentity):
		httpError(w, http.StatusConflict, err.Error())
	case errors.Is(err, backup.ErrRunInFlight):
		httpError(w, http.StatusConflict, err.Error())
	case errors.Is(err, db.ErrNotFound):
		httpError(w, http.StatusNotFound, err.Error())
	default:
		logging.Errorf("api: %v", err)
		httpError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Errorf("api: error writing response: %v", err)
	}
}

func httpError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
