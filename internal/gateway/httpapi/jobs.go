package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/lawyered0/cLawyer-sub000/internal/event"
	"github.com/lawyered0/cLawyer-sub000/internal/job"
)

// JobRequest is the JSON body for POST /v1/jobs.
type JobRequest struct {
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	Mode           string            `json:"mode"`
	Steps          []string          `json:"steps,omitempty"`
	AllowedDomains []string          `json:"allowed_domains,omitempty"`
	CredentialRefs map[string]string `json:"credential_refs,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	MaxIterations  int               `json:"max_iterations,omitempty"`
	MaxTurns       int               `json:"max_turns,omitempty"`
	Model          string            `json:"model,omitempty"`
	TimeoutSecs    int               `json:"timeout_secs,omitempty"`
}

func (r *JobRequest) spec() job.Spec {
	return job.Spec{
		Title:          r.Title,
		Description:    r.Description,
		Mode:           job.Mode(r.Mode),
		Steps:          r.Steps,
		AllowedDomains: r.AllowedDomains,
		CredentialRefs: r.CredentialRefs,
		Env:            r.Env,
		MaxIterations:  r.MaxIterations,
		MaxTurns:       r.MaxTurns,
		Model:          r.Model,
		TimeoutSecs:    r.TimeoutSecs,
	}
}

// TransitionResponse is one entry of a job's transition history.
type TransitionResponse struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// ResultBody is a job's terminal outcome.
type ResultBody struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// JobResponse is the JSON representation of a job.
type JobResponse struct {
	ID            string               `json:"id"`
	State         string               `json:"state"`
	Stuck         bool                 `json:"stuck,omitempty"`
	Spec          JobRequest           `json:"spec"`
	Transitions   []TransitionResponse `json:"transitions"`
	Result        *ResultBody          `json:"result,omitempty"`
	RestartedFrom string               `json:"restarted_from,omitempty"`
	BrowseURL     string               `json:"browse_url,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	StartedAt     *time.Time           `json:"started_at,omitempty"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
	LastEventAt   *time.Time           `json:"last_event_at,omitempty"`
}

// SummaryResponse counts jobs by state. Stuck is derived and overlaps
// in_progress.
type SummaryResponse struct {
	Pending     int `json:"pending"`
	InProgress  int `json:"in_progress"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Interrupted int `json:"interrupted"`
	Cancelled   int `json:"cancelled"`
	Stuck       int `json:"stuck"`
}

// CancelRequest is the optional JSON body for POST /v1/jobs/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// EventResponse is one entry of a job's event stream.
type EventResponse = event.Event

func (g *Gateway) jobResponse(j *job.Job, stuckWindow time.Duration) JobResponse {
	resp := JobResponse{
		ID:    j.ID.String(),
		State: string(j.State),
		Spec: JobRequest{
			Title:          j.Spec.Title,
			Description:    j.Spec.Description,
			Mode:           string(j.Spec.Mode),
			Steps:          j.Spec.Steps,
			AllowedDomains: j.Spec.AllowedDomains,
			CredentialRefs: j.Spec.CredentialRefs,
			Env:            j.Spec.Env,
			MaxIterations:  j.Spec.MaxIterations,
			MaxTurns:       j.Spec.MaxTurns,
			Model:          j.Spec.Model,
			TimeoutSecs:    j.Spec.TimeoutSecs,
		},
		BrowseURL:   j.BrowseURL,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
	if stuckWindow > 0 {
		resp.Stuck = j.Stuck(time.Now().UTC(), stuckWindow)
	}
	for _, t := range j.Transitions {
		resp.Transitions = append(resp.Transitions, TransitionResponse{
			From: string(t.From), To: string(t.To), At: t.At, Reason: t.Reason,
		})
	}
	if j.Result != nil {
		resp.Result = &ResultBody{
			Success:   j.Result.Success,
			Message:   j.Result.Message,
			SessionID: j.Result.SessionID,
		}
	}
	if j.RestartedFrom != nil {
		resp.RestartedFrom = j.RestartedFrom.String()
	}
	if !j.LastEventAt.IsZero() {
		t := j.LastEventAt
		resp.LastEventAt = &t
	}
	return resp
}

func (g *Gateway) handleJobCreate(c *okapi.Context) error {
	var req JobRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	j, err := g.orch.Create(c.Context(), req.spec())
	if err != nil {
		return jobError(c, err)
	}
	return c.JSON(http.StatusCreated, g.jobResponse(j, 0))
}

func (g *Gateway) handleJobGet(c *okapi.Context) error {
	id, err := pathJobID(c)
	if err != nil {
		return c.AbortBadRequest("invalid job ID")
	}
	j, err := g.orch.Get(id)
	if err != nil {
		return jobError(c, err)
	}
	return c.OK(g.jobResponse(j, g.orch.StuckWindow()))
}

func (g *Gateway) handleJobList(c *okapi.Context) error {
	q := c.Request().URL.Query()
	filter := job.Filter{Mode: job.Mode(q.Get("mode"))}
	if raw := q.Get("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			filter.States = append(filter.States, job.State(strings.TrimSpace(s)))
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return c.AbortBadRequest("invalid limit")
		}
		filter.Limit = limit
	}

	jobs := g.orch.List(filter)
	resp := make([]JobResponse, 0, len(jobs))
	window := g.orch.StuckWindow()
	for i := range jobs {
		resp = append(resp, g.jobResponse(&jobs[i], window))
	}
	return c.OK(resp)
}

func (g *Gateway) handleJobSummary(c *okapi.Context) error {
	s := g.orch.Summary()
	return c.OK(SummaryResponse{
		Pending:     s.Pending,
		InProgress:  s.InProgress,
		Completed:   s.Completed,
		Failed:      s.Failed,
		Interrupted: s.Interrupted,
		Cancelled:   s.Cancelled,
		Stuck:       s.Stuck,
	})
}

func (g *Gateway) handleJobCancel(c *okapi.Context) error {
	id, err := pathJobID(c)
	if err != nil {
		return c.AbortBadRequest("invalid job ID")
	}
	var req CancelRequest
	_ = c.Bind(&req) // body is optional

	j, err := g.orch.Cancel(c.Context(), id, req.Reason)
	if err != nil {
		return jobError(c, err)
	}
	return c.OK(g.jobResponse(j, 0))
}

func (g *Gateway) handleJobRestart(c *okapi.Context) error {
	id, err := pathJobID(c)
	if err != nil {
		return c.AbortBadRequest("invalid job ID")
	}
	j, err := g.orch.Restart(c.Context(), id)
	if err != nil {
		return jobError(c, err)
	}
	return c.JSON(http.StatusCreated, g.jobResponse(j, 0))
}

func (g *Gateway) handleJobEvents(c *okapi.Context) error {
	id, err := pathJobID(c)
	if err != nil {
		return c.AbortBadRequest("invalid job ID")
	}
	since, limit, err := pagination(c)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	events, err := g.orch.Events(c.Context(), id, since, limit)
	if err != nil {
		return jobError(c, err)
	}
	if events == nil {
		events = []event.Event{}
	}
	return c.OK(events)
}

// --- Helpers ---

func pathJobID(c *okapi.Context) (uuid.UUID, error) {
	return uuid.Parse(c.Param("id"))
}

func pagination(c *okapi.Context) (since uint64, limit int, err error) {
	q := c.Request().URL.Query()
	if raw := q.Get("since"); raw != "" {
		since, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, 0, errors.New("invalid since")
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return 0, 0, errors.New("invalid limit")
		}
	}
	return since, limit, nil
}

// jobError maps domain errors to HTTP responses.
func jobError(c *okapi.Context, err error) error {
	var validation *job.ValidationError
	var conflict *job.ConflictError
	switch {
	case errors.Is(err, job.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "job not found"})
	case errors.As(err, &validation):
		return c.JSON(http.StatusBadRequest, okapi.M{"error": validation.Error()})
	case errors.As(err, &conflict):
		return c.JSON(http.StatusConflict, okapi.M{"error": conflict.Error()})
	case errors.Is(err, event.ErrStreamClosed):
		return c.JSON(http.StatusConflict, okapi.M{"error": err.Error()})
	default:
		return c.AbortInternalServerError("internal error")
	}
}
