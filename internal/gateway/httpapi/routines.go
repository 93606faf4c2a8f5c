package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/lawyered0/cLawyer-sub000/internal/job"
	"github.com/lawyered0/cLawyer-sub000/internal/routine"
)

// TriggerBody describes when a routine fires.
type TriggerBody struct {
	Kind     string `json:"kind"`
	CronExpr string `json:"cron_expr,omitempty"`
	Pattern  string `json:"pattern,omitempty"`
	Channel  string `json:"channel,omitempty"`
}

// RoutineRequest is the JSON body for POST /v1/routines.
type RoutineRequest struct {
	Name         string      `json:"name"`
	Enabled      *bool       `json:"enabled,omitempty"` // Defaults to true.
	Trigger      TriggerBody `json:"trigger"`
	Action       JobRequest  `json:"action"`
	CooldownSecs int         `json:"cooldown_secs,omitempty"`
}

// RoutineResponse is the JSON representation of a routine.
type RoutineResponse struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	Enabled             bool          `json:"enabled"`
	Status              string        `json:"status"`
	Trigger             TriggerBody   `json:"trigger"`
	Action              JobRequest    `json:"action"`
	CooldownSecs        int           `json:"cooldown_secs,omitempty"`
	RunCount            int           `json:"run_count"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastRunAt           *time.Time    `json:"last_run_at,omitempty"`
	NextFireAt          *time.Time    `json:"next_fire_at,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// ToggleRequest is the JSON body for POST /v1/routines/{id}/toggle.
type ToggleRequest struct {
	Enabled bool `json:"enabled"`
}

// RunResponse is one firing from a routine's run history.
type RunResponse struct {
	JobID   string    `json:"job_id"`
	At      time.Time `json:"at"`
	Outcome string    `json:"outcome"`
}

// MessageRequest is an inbound message for POST /v1/messages. Routines
// with matching message triggers fire jobs.
type MessageRequest struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

// MessageResponse lists the jobs fired by an inbound message.
type MessageResponse struct {
	Fired []string `json:"fired"`
}

// FireResponse acknowledges an explicit routine fire.
type FireResponse struct {
	JobID string `json:"job_id"`
}

func routineResponse(r *routine.Routine) RoutineResponse {
	return RoutineResponse{
		ID:      r.ID.String(),
		Name:    r.Name,
		Enabled: r.Enabled,
		Status:  string(r.Status()),
		Trigger: TriggerBody{
			Kind:     string(r.Trigger.Kind),
			CronExpr: r.Trigger.CronExpr,
			Pattern:  r.Trigger.Pattern,
			Channel:  r.Trigger.Channel,
		},
		Action: JobRequest{
			Title:          r.Action.Title,
			Description:    r.Action.Description,
			Mode:           string(r.Action.Mode),
			Steps:          r.Action.Steps,
			AllowedDomains: r.Action.AllowedDomains,
			CredentialRefs: r.Action.CredentialRefs,
			Env:            r.Action.Env,
			MaxIterations:  r.Action.MaxIterations,
			MaxTurns:       r.Action.MaxTurns,
			Model:          r.Action.Model,
			TimeoutSecs:    r.Action.TimeoutSecs,
		},
		CooldownSecs:        r.CooldownSecs,
		RunCount:            r.RunCount,
		ConsecutiveFailures: r.ConsecutiveFailures,
		LastRunAt:           r.LastRunAt,
		NextFireAt:          r.NextFireAt,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

func (g *Gateway) handleRoutineCreate(c *okapi.Context) error {
	var req RoutineRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	r, err := g.sched.Create(c.Context(), routine.Routine{
		Name:    req.Name,
		Enabled: enabled,
		Trigger: routine.Trigger{
			Kind:     routine.TriggerKind(req.Trigger.Kind),
			CronExpr: req.Trigger.CronExpr,
			Pattern:  req.Trigger.Pattern,
			Channel:  req.Trigger.Channel,
		},
		Action:       req.Action.spec(),
		CooldownSecs: req.CooldownSecs,
	})
	if err != nil {
		return routineError(c, err)
	}
	return c.JSON(http.StatusCreated, routineResponse(r))
}

func (g *Gateway) handleRoutineList(c *okapi.Context) error {
	routines := g.sched.List()
	resp := make([]RoutineResponse, 0, len(routines))
	for i := range routines {
		resp = append(resp, routineResponse(&routines[i]))
	}
	return c.OK(resp)
}

func (g *Gateway) handleRoutineGet(c *okapi.Context) error {
	id, err := pathJobID(c)
	if err != nil {
		return c.AbortBadRequest("invalid routine ID")
	}
	r, err := g.sched.Get(id)
	if err != nil {
		return routineError(c, err)
	}
	return c.OK(routineResponse(r))
}

func (g *Gateway) handleRoutineToggle(c *okapi.Context) error {
	id, err := pathJobID(c)
	if err != nil {
		return c.AbortBadRequest("invalid routine ID")
	}
	var req ToggleRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	r, err := g.sched.Toggle(c.Context(), id, req.Enabled)
	if err != nil {
		return routineError(c, err)
	}
	return c.OK(routineResponse(r))
}

func (g *Gateway) handleRoutineDelete(c *okapi.Context) error {
	id, err := pathJobID(c)
	if err != nil {
		return c.AbortBadRequest("invalid routine ID")
	}
	if err := g.sched.Delete(c.Context(), id); err != nil {
		return routineError(c, err)
	}
	return c.OK(map[string]string{"status": "deleted"})
}

func (g *Gateway) handleRoutineTrigger(c *okapi.Context) error {
	id, err := pathJobID(c)
	if err != nil {
		return c.AbortBadRequest("invalid routine ID")
	}
	j, err := g.sched.TriggerManual(c.Context(), id)
	if err != nil {
		return routineError(c, err)
	}
	return c.JSON(http.StatusAccepted, FireResponse{JobID: j.ID.String()})
}

func (g *Gateway) handleRoutineWebhook(c *okapi.Context) error {
	id, err := pathJobID(c)
	if err != nil {
		return c.AbortBadRequest("invalid routine ID")
	}
	j, err := g.sched.HandleWebhook(c.Context(), id)
	if err != nil {
		return routineError(c, err)
	}
	return c.JSON(http.StatusAccepted, FireResponse{JobID: j.ID.String()})
}

func (g *Gateway) handleRoutineRuns(c *okapi.Context) error {
	id, err := pathJobID(c)
	if err != nil {
		return c.AbortBadRequest("invalid routine ID")
	}
	r, err := g.sched.Get(id)
	if err != nil {
		return routineError(c, err)
	}

	runs := make([]RunResponse, 0, len(r.RecentRuns))
	for _, run := range r.RecentRuns {
		runs = append(runs, RunResponse{
			JobID:   run.JobID.String(),
			At:      run.At,
			Outcome: string(run.Outcome),
		})
	}
	return c.OK(runs)
}

func (g *Gateway) handleMessage(c *okapi.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Text == "" {
		return c.AbortBadRequest("text is required")
	}

	fired := g.sched.HandleMessage(c.Context(), req.Channel, req.Text)
	resp := MessageResponse{Fired: make([]string, 0, len(fired))}
	for _, id := range fired {
		resp.Fired = append(resp.Fired, id.String())
	}
	return c.JSON(http.StatusAccepted, resp)
}

// routineError maps routine errors to HTTP responses, falling back to
// the job mapping for validation and launch failures.
func routineError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, routine.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "routine not found"})
	case errors.Is(err, routine.ErrCooldown):
		return c.AbortTooManyRequests("routine in cooldown")
	case errors.Is(err, job.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "job not found"})
	default:
		return jobError(c, err)
	}
}
