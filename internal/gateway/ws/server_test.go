package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/lawyered0/cLawyer-sub000/internal/event"
	"github.com/lawyered0/cLawyer-sub000/internal/job"
)

type fakeSubscriber struct {
	backfill []event.Event
	live     chan event.Event
	err      error
	released bool
}

func (f *fakeSubscriber) Subscribe(_ context.Context, _ uuid.UUID, since uint64) ([]event.Event, <-chan event.Event, func(), error) {
	if f.err != nil {
		return nil, nil, nil, f.err
	}
	var out []event.Event
	for _, e := range f.backfill {
		if e.Sequence > since {
			out = append(out, e)
		}
	}
	return out, f.live, func() { f.released = true }, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(srv *httptest.Server, jobID uuid.UUID, query string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/jobs/" + jobID.String()
	if query != "" {
		u += "?" + query
	}
	return u
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) event.Event {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	var ev event.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("Unmarshal(%s) error = %v", data, err)
	}
	return ev
}

func TestStreamBackfillThenLiveUntilResult(t *testing.T) {
	jobID := uuid.New()
	sub := &fakeSubscriber{
		backfill: []event.Event{
			{JobID: jobID, Sequence: 1, Type: event.TypeStatus},
			{JobID: jobID, Sequence: 2, Type: event.TypeMessage},
		},
		live: make(chan event.Event, 2),
	}
	srv := httptest.NewServer(NewServer(sub, nil, testLogger()).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv, jobID, ""), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if ev := readEvent(t, ctx, conn); ev.Sequence != 1 {
		t.Errorf("first event sequence = %d, want 1", ev.Sequence)
	}
	if ev := readEvent(t, ctx, conn); ev.Sequence != 2 {
		t.Errorf("second event sequence = %d, want 2", ev.Sequence)
	}

	sub.live <- event.Event{JobID: jobID, Sequence: 3, Type: event.TypeResult}
	if ev := readEvent(t, ctx, conn); ev.Type != event.TypeResult {
		t.Errorf("live event type = %q, want result", ev.Type)
	}

	// The server closes normally after the result event.
	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("post-result read error = %v, want normal closure", err)
	}
}

func TestStreamHonorsSince(t *testing.T) {
	jobID := uuid.New()
	sub := &fakeSubscriber{
		backfill: []event.Event{
			{JobID: jobID, Sequence: 1, Type: event.TypeStatus},
			{JobID: jobID, Sequence: 2, Type: event.TypeResult},
		},
		live: make(chan event.Event),
	}
	srv := httptest.NewServer(NewServer(sub, nil, testLogger()).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv, jobID, "since=1"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if ev := readEvent(t, ctx, conn); ev.Sequence != 2 {
		t.Errorf("event sequence = %d, want 2 (sequence 1 skipped)", ev.Sequence)
	}
}

func TestUpgradeRejectsBadToken(t *testing.T) {
	sub := &fakeSubscriber{live: make(chan event.Event)}
	check := func(key string) bool { return key == "good" }
	srv := httptest.NewServer(NewServer(sub, check, testLogger()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws/jobs/" + uuid.NewString() + "?token=bad")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestUpgradeAcceptsBearerHeader(t *testing.T) {
	jobID := uuid.New()
	sub := &fakeSubscriber{
		backfill: []event.Event{{JobID: jobID, Sequence: 1, Type: event.TypeResult}},
		live:     make(chan event.Event),
	}
	check := func(key string) bool { return key == "good" }
	srv := httptest.NewServer(NewServer(sub, check, testLogger()).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv, jobID, ""), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer good"}},
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if ev := readEvent(t, ctx, conn); ev.Sequence != 1 {
		t.Errorf("event sequence = %d", ev.Sequence)
	}
}

func TestUpgradeRejectsBadPath(t *testing.T) {
	sub := &fakeSubscriber{live: make(chan event.Event)}
	srv := httptest.NewServer(NewServer(sub, nil, testLogger()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws/jobs/not-a-uuid")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUpgradeUnknownJob(t *testing.T) {
	sub := &fakeSubscriber{err: job.ErrNotFound}
	srv := httptest.NewServer(NewServer(sub, nil, testLogger()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws/jobs/" + uuid.NewString())
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestJobIDFromPath(t *testing.T) {
	id := uuid.New()
	got, err := jobIDFromPath("/ws/jobs/" + id.String())
	if err != nil || got != id {
		t.Errorf("jobIDFromPath() = %v, %v", got, err)
	}
	if _, err := jobIDFromPath("/ws/jobs/"); err == nil {
		t.Error("jobIDFromPath(empty id) succeeded")
	}
}
