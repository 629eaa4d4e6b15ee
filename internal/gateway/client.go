// Package gateway implements the Session Gateway Client (§4.H): the
// outbound RPC that spawns an agent session, and the payload shapes the
// gateway's webhooks deliver back inbound.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/logging"
)

// SpawnRequest is the outbound body for a Spawn RPC.
type SpawnRequest struct {
	Task              string            `json:"task"`
	Label             string            `json:"label"`
	Model             string            `json:"model"`
	Thinking          core.ThinkingLevel `json:"thinking,omitempty"`
	Cleanup           bool              `json:"cleanup"`
	RunTimeoutSeconds int               `json:"runTimeoutSeconds,omitempty"`
	SkipVerify        bool              `json:"skipVerify,omitempty"`
	WebhookURL        string            `json:"webhookUrl,omitempty"`
	WorktreePath      string            `json:"worktreePath,omitempty"`
	Branch            string            `json:"branch,omitempty"`
}

// SpawnResponse is the gateway's synchronous reply: it confirms the session
// was accepted, not that the work is done (completion arrives by webhook).
type SpawnResponse struct {
	OK              bool   `json:"ok"`
	RunID           string `json:"runId"`
	ChildSessionKey string `json:"childSessionKey"`
	Verified        bool   `json:"verified"`
}

// DefaultRunTimeoutSeconds is the per-spawn ceiling from §5.
const DefaultRunTimeoutSeconds = 600

// Client is the outbound RPC client to the session gateway.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *logging.Logger
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// New constructs a gateway Client.
func New(cfg Config, logger *logging.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Spawn starts an agent session for one task. A non-nil error is always a
// core.ErrSpawnFailure so the Retry Controller can act on it.
func (c *Client) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResponse, error) {
	if req.RunTimeoutSeconds == 0 {
		req.RunTimeoutSeconds = DefaultRunTimeoutSeconds
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, core.ErrSpawnFailure("encoding spawn request: " + err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/spawn", bytes.NewReader(body))
	if err != nil {
		return nil, core.ErrSpawnFailure("building spawn request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.Debug("gateway spawn", "label", req.Label, "model", req.Model)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, core.ErrSpawnFailure("gateway request failed: " + err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.ErrSpawnFailure("reading gateway response: " + err.Error())
	}

	if resp.StatusCode >= 300 {
		return nil, core.ErrSpawnFailure(fmt.Sprintf("gateway returned %d: %s", resp.StatusCode, string(respBody)))
	}

	var out SpawnResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, core.ErrSpawnFailure("decoding gateway response: " + err.Error())
	}
	if !out.OK {
		return nil, core.ErrSpawnFailure("gateway declined spawn: " + string(respBody))
	}
	return &out, nil
}

// WorkerCompletePayload is the inbound body of POST /worker-complete (§6).
type WorkerCompletePayload struct {
	RunID     core.RunID `json:"runId"`
	StepOrder int64      `json:"stepOrder"`
	Status    string     `json:"status"` // completed|failed
	Output    string     `json:"output,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// TaskCompletePayload is the inbound body of POST /task-complete (§6).
type TaskCompletePayload struct {
	TaskID      core.TaskID `json:"taskId"`
	RunID       core.RunID  `json:"runId,omitempty"`
	PhaseNumber int         `json:"phaseNumber,omitempty"`
}

// ReviewResultPayload is the inbound body of POST /review-result (§6).
type ReviewResultPayload struct {
	Status      core.ReviewDecision  `json:"status"`
	RunID       core.RunID           `json:"runId"`
	PhaseNumber int                  `json:"phaseNumber"`
	ReviewerRole string              `json:"reviewerRole,omitempty"`
	Findings    []core.ReviewFinding `json:"findings,omitempty"`
	Summary     string               `json:"summary,omitempty"`
}

// FixCompletePayload is the inbound body of POST /fix-complete (§6).
type FixCompletePayload struct {
	IssuesFixed int        `json:"issuesFixed"`
	RunID       core.RunID `json:"runId,omitempty"`
	PhaseNumber int        `json:"phaseNumber,omitempty"`
}

// SpecCompletePayload is the inbound body of POST /spec-complete (§6).
type SpecCompletePayload struct {
	Summary string `json:"summary,omitempty"`
	Source  string `json:"source,omitempty"`
	Project string `json:"project,omitempty"`
}

// ResolverCompletePayload is the inbound body of POST /resolver-complete
// (§4.N): the conflict-resolver agent's own completion webhook, parallel to
// WorkerCompletePayload but keyed by resolverId rather than stepOrder since
// a resolver context isn't a task step.
type ResolverCompletePayload struct {
	RunID      core.RunID `json:"runId"`
	ResolverID string     `json:"resolverId"`
	Status     string     `json:"status"` // completed|failed
	Error      string     `json:"error,omitempty"`
}

// OrchestrateAction discriminates the /orchestrate webhook's single field.
type OrchestrateAction string

const (
	OrchestrateActionStart    OrchestrateAction = "start"
	OrchestrateActionContinue OrchestrateAction = "continue"
)

// OrchestratePayload is the inbound body of POST /orchestrate (§6).
type OrchestratePayload struct {
	Action  OrchestrateAction `json:"action"`
	Project string            `json:"project,omitempty"`
	RunID   core.RunID        `json:"runId,omitempty"`
}
