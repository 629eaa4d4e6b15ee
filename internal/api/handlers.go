// Package api implements the §6 inbound webhook surface as a thin
// net/http translation layer over the Orchestrator: decode JSON, call the
// matching Orchestrator method, encode the structured JSON response. It
// holds no business logic of its own — every invariant and idempotency
// guarantee lives in the Orchestrator and the modules behind it.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/gateway"
	"github.com/swarmops/swarmops/internal/logging"
	"github.com/swarmops/swarmops/internal/orchestrator"
)

// Handlers wraps an Orchestrator with §6's six webhook routes.
type Handlers struct {
	orc    *orchestrator.Orchestrator
	logger *logging.Logger
}

// New constructs Handlers over orc.
func New(orc *orchestrator.Orchestrator, logger *logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handlers{orc: orc, logger: logger}
}

// response is the structured JSON body every route returns, per §7: "the
// HTTP webhook API returns structured JSON {status, message, …} — it never
// surfaces a stack trace."
type response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	RunID   string `json:"runId,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// writeErr maps a DomainError's category to an HTTP status and writes the
// structured body; never a raw error string or stack trace.
func (h *Handlers) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var de *core.DomainError
	if !errors.As(err, &de) {
		h.logger.Error("webhook handler: unclassified error", "path", r.URL.Path, "error", err.Error())
		writeJSON(w, http.StatusInternalServerError, response{Status: "error", Message: "internal error"})
		return
	}

	code := http.StatusInternalServerError
	switch de.Category {
	case core.ErrCatValidation, core.ErrCatParse:
		code = http.StatusBadRequest
	case core.ErrCatNotFound:
		code = http.StatusNotFound
	case core.ErrCatInvalidTransition:
		code = http.StatusConflict
	case core.ErrCatTransientIO, core.ErrCatSpawnFailure:
		code = http.StatusBadGateway
	}
	h.logger.Warn("webhook handler error", "path", r.URL.Path, "category", de.Category, "code", de.Code)
	writeJSON(w, code, response{Status: "error", Message: de.Message})
}

func decodeBody[T any](r *http.Request) (T, error) {
	var body T
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return body, core.ErrValidation("MALFORMED_BODY", err.Error())
	}
	return body, nil
}

// WorkerComplete handles POST /worker-complete.
func (h *Handlers) WorkerComplete(w http.ResponseWriter, r *http.Request) {
	p, err := decodeBody[gateway.WorkerCompletePayload](r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if err := h.orc.WorkerComplete(r.Context(), p); err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// TaskComplete handles POST /task-complete.
func (h *Handlers) TaskComplete(w http.ResponseWriter, r *http.Request) {
	p, err := decodeBody[gateway.TaskCompletePayload](r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if err := h.orc.TaskComplete(r.Context(), p); err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// ReviewResult handles POST /review-result.
func (h *Handlers) ReviewResult(w http.ResponseWriter, r *http.Request) {
	p, err := decodeBody[gateway.ReviewResultPayload](r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if err := h.orc.ReviewResult(r.Context(), p); err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// FixComplete handles POST /fix-complete.
func (h *Handlers) FixComplete(w http.ResponseWriter, r *http.Request) {
	p, err := decodeBody[gateway.FixCompletePayload](r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if err := h.orc.FixComplete(r.Context(), p); err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// ResolverComplete handles POST /resolver-complete.
func (h *Handlers) ResolverComplete(w http.ResponseWriter, r *http.Request) {
	p, err := decodeBody[gateway.ResolverCompletePayload](r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if err := h.orc.ResolverComplete(r.Context(), p); err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// SpecComplete handles POST /spec-complete.
func (h *Handlers) SpecComplete(w http.ResponseWriter, r *http.Request) {
	p, err := decodeBody[gateway.SpecCompletePayload](r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if err := h.orc.SpecComplete(r.Context(), p); err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// orchestratePayload mirrors gateway.OrchestratePayload but accepts a
// client-omitted RunID on a `start` action, in which case the handler
// mints one — the gateway-facing type always carries a RunID because the
// Merger/Dispatcher pass it along on outbound spawns, but the very first
// /orchestrate call for a project has none yet.
type orchestratePayload struct {
	Action  gateway.OrchestrateAction `json:"action"`
	Project string                    `json:"project,omitempty"`
	RunID   core.RunID                `json:"runId,omitempty"`
}

// Orchestrate handles POST /orchestrate.
func (h *Handlers) Orchestrate(w http.ResponseWriter, r *http.Request) {
	p, err := decodeBody[orchestratePayload](r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	switch p.Action {
	case gateway.OrchestrateActionStart:
		runID := p.RunID
		if runID == "" {
			runID = core.RunID(uuid.NewString())
		}
		if _, err := h.orc.StartRun(r.Context(), runID, p.Project); err != nil {
			h.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, response{Status: "ok", RunID: string(runID)})
	case gateway.OrchestrateActionContinue:
		if p.RunID == "" {
			h.writeErr(w, r, core.ErrValidation("MISSING_RUN_ID", "continue requires a runId"))
			return
		}
		if _, err := h.orc.ContinueRun(r.Context(), p.RunID); err != nil {
			h.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, response{Status: "ok", RunID: string(p.RunID)})
	default:
		h.writeErr(w, r, core.ErrValidation("UNKNOWN_ACTION", "action must be start or continue"))
	}
}
