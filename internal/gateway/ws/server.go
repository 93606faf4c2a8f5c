// Package ws implements the WebSocket endpoint for live job event
// streams. Operators connect per job, receive a backfill of past
// events, then live events until the terminal result.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/lawyered0/cLawyer-sub000/internal/event"
	"github.com/lawyered0/cLawyer-sub000/internal/job"
)

// Subprotocol is offered during the WebSocket handshake.
const Subprotocol = "clawyer-events-v1"

// Subscriber hands out a backfill slice plus a live channel for one
// job's events. The orchestrator implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, jobID uuid.UUID, since uint64) ([]event.Event, <-chan event.Event, func(), error)
}

// Server upgrades connections on /ws/jobs/{id} and streams events.
type Server struct {
	subscriber Subscriber
	checkKey   func(key string) bool
	logger     *slog.Logger
}

// NewServer creates a WebSocket event server. checkKey validates the
// operator API key; a nil checkKey disables authentication.
func NewServer(subscriber Subscriber, checkKey func(string) bool, logger *slog.Logger) *Server {
	return &Server{subscriber: subscriber, checkKey: checkKey, logger: logger}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.checkKey != nil {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("Authorization")
			if len(token) > 7 && token[:7] == "Bearer " {
				token = token[7:]
			}
		}
		if !s.checkKey(token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	jobID, err := jobIDFromPath(r.URL.Path)
	if err != nil {
		http.Error(w, "invalid job ID", http.StatusBadRequest)
		return
	}

	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
	}

	backfill, live, release, err := s.subscriber.Subscribe(r.Context(), jobID, since)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer release()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.streamEvents(r.Context(), conn, jobID, backfill, live)
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, jobID uuid.UUID, backfill []event.Event, live <-chan event.Event) {
	defer conn.Close(websocket.StatusNormalClosure, "stream complete")

	for i := range backfill {
		if err := s.writeEvent(ctx, conn, backfill[i]); err != nil {
			s.logConnError(jobID, err)
			return
		}
		if backfill[i].Type == event.TypeResult {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if err := s.writeEvent(ctx, conn, ev); err != nil {
				s.logConnError(jobID, err)
				return
			}
			if ev.Type == event.TypeResult {
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) logConnError(jobID uuid.UUID, err error) {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		s.logger.Info("event stream client disconnected", slog.String("job_id", jobID.String()))
		return
	}
	s.logger.Warn("event stream write failed",
		slog.String("job_id", jobID.String()),
		slog.String("error", err.Error()),
	)
}

// jobIDFromPath extracts the job UUID from /ws/jobs/{id}. HandleStd
// mounts do not populate route params, so the path is parsed directly.
func jobIDFromPath(path string) (uuid.UUID, error) {
	trimmed := strings.TrimSuffix(path, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return uuid.Nil, errors.New("missing job ID")
	}
	return uuid.Parse(trimmed[idx+1:])
}
