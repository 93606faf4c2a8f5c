package httpapi

import (
	"github.com/jkaninda/okapi"

	"github.com/lawyered0/cLawyer-sub000/internal/event"
)

// handleJobEventStream handles GET /v1/jobs/{id}/events/stream with SSE
// responses. Replays events after ?since, then tails live events until
// the terminal result event or client disconnect.
func (g *Gateway) handleJobEventStream(c *okapi.Context) error {
	id, err := pathJobID(c)
	if err != nil {
		return c.AbortBadRequest("invalid job ID")
	}
	since, _, err := pagination(c)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	ctx := c.Request().Context()
	backfill, live, release, err := g.orch.Subscribe(ctx, id, since)
	if err != nil {
		return jobError(c, err)
	}
	defer release()

	for i := range backfill {
		c.SSEvent("event", backfill[i])
		if backfill[i].Type == event.TypeResult {
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-live:
			if !ok {
				return nil
			}
			c.SSEvent("event", ev)
			if ev.Type == event.TypeResult {
				return nil
			}
		}
	}
}
