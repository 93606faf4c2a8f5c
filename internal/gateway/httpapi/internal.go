package httpapi

import (
	"errors"
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/lawyered0/cLawyer-sub000/internal/event"
	"github.com/lawyered0/cLawyer-sub000/internal/protocol"
)

// Wire types for the worker callback endpoints.
type (
	SpecResponseBody = protocol.SpecResponse
	EmitResponseBody = protocol.EmitResponse
)

// handleWorkerSpec serves the job spec to its sandboxed worker. The
// worker token is validated by the group middleware.
func (g *Gateway) handleWorkerSpec(c *okapi.Context) error {
	id, err := pathJobID(c)
	if err != nil {
		return c.AbortBadRequest("invalid job ID")
	}
	j, err := g.orch.Spec(id)
	if err != nil {
		return jobError(c, err)
	}
	return c.OK(SpecResponseBody{JobID: j.ID.String(), Spec: j.Spec})
}

// handleWorkerEvent ingests one event from a worker and returns its
// assigned sequence.
func (g *Gateway) handleWorkerEvent(c *okapi.Context) error {
	id, err := pathJobID(c)
	if err != nil {
		return c.AbortBadRequest("invalid job ID")
	}
	var req protocol.EmitRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	ev, err := g.orch.HandleWorkerEvent(c.Context(), id, req)
	if err != nil {
		if errors.Is(err, event.ErrUnknownType) {
			return c.AbortBadRequest(err.Error())
		}
		return jobError(c, err)
	}
	return c.OK(EmitResponseBody{Sequence: ev.Sequence})
}

// --- Health ---

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(okapi.M{"status": "ok"})
}

func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(okapi.M{"status": "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	if status.Status != "ok" {
		return c.JSON(http.StatusServiceUnavailable, status)
	}
	return c.OK(status)
}
