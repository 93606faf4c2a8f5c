package event

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// ringCapacity bounds the per-job in-memory buffer. Older events
	// stay readable through the durable store.
	ringCapacity = 500
	// subscriberBuffer bounds each live subscriber channel. A full
	// channel drops the event for that subscriber only.
	subscriberBuffer = 64
)

type subscriber struct {
	ch chan Event
}

// stream is the per-job pipeline state. seq is the last assigned
// sequence; closed is set once a result event is ingested.
type stream struct {
	seq    uint64
	seeded bool
	closed bool
	ring   *ring
	subs   map[*subscriber]struct{}
}

// Pipeline ingests, persists, buffers, and broadcasts job events.
// Ingest is safe for concurrent use; sequence assignment is serialized
// per pipeline.
type Pipeline struct {
	store   Store
	metrics *Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	streams map[uuid.UUID]*stream
}

// NewPipeline creates a Pipeline over the given durable store.
func NewPipeline(store Store, metrics *Metrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pipeline{
		store:   store,
		metrics: metrics,
		logger:  logger,
		streams: make(map[uuid.UUID]*stream),
	}
}

// Ingest assigns the next sequence for the job, persists the event,
// buffers it, and fans it out to live subscribers without blocking.
// Events arriving after the job's result event fail with
// ErrStreamClosed.
func (p *Pipeline) Ingest(ctx context.Context, jobID uuid.UUID, typ Type, payload json.RawMessage) (*Event, error) {
	if !typ.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	st, err := p.streamLocked(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if st.closed {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrStreamClosed)
	}

	e := Event{
		JobID:     jobID,
		Sequence:  st.seq + 1,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if err := p.store.AppendEvent(ctx, &e); err != nil {
		return nil, fmt.Errorf("persisting event: %w", err)
	}
	st.seq = e.Sequence
	st.ring.append(e)
	if typ == TypeResult {
		st.closed = true
	}

	for sub := range st.subs {
		select {
		case sub.ch <- e:
		default:
			// Slow reader. It catches up from the durable store.
			if p.metrics != nil {
				p.metrics.FanoutDropped.Inc()
			}
		}
	}

	if p.metrics != nil {
		p.metrics.Ingested.WithLabelValues(string(typ)).Inc()
	}
	return &e, nil
}

// Read returns durable events with sequence > since, oldest first,
// capped at limit (0 = store default).
func (p *Pipeline) Read(ctx context.Context, jobID uuid.UUID, since uint64, limit int) ([]Event, error) {
	return p.store.ListEvents(ctx, jobID, since, limit)
}

// Subscribe returns the durable backfill (events after since) plus a
// live channel carrying only events ingested after the backfill was
// taken, so the two never overlap. cancel releases the subscription;
// the channel is closed when the stream ends or cancel is called.
func (p *Pipeline) Subscribe(ctx context.Context, jobID uuid.UUID, since uint64) (backfill []Event, live <-chan Event, cancel func(), err error) {
	p.mu.Lock()
	st, err := p.streamLocked(ctx, jobID)
	if err != nil {
		p.mu.Unlock()
		return nil, nil, nil, err
	}

	high := st.seq
	// Serve backfill from the ring when it still covers the range.
	var fromRing []Event
	if since+1 >= st.ring.oldest() && st.ring.oldest() > 0 {
		fromRing = st.ring.since(since)
	}

	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	st.subs[sub] = struct{}{}
	p.mu.Unlock()

	if fromRing != nil || high <= since {
		backfill = fromRing
	} else {
		backfill, err = p.store.ListEvents(ctx, jobID, since, int(high-since))
		if err != nil {
			p.unsubscribe(jobID, sub)
			return nil, nil, nil, fmt.Errorf("backfill: %w", err)
		}
	}
	// Live events start strictly after the captured high-water mark.
	trimmed := backfill[:0]
	for _, e := range backfill {
		if e.Sequence <= high {
			trimmed = append(trimmed, e)
		}
	}
	backfill = trimmed

	if p.metrics != nil {
		p.metrics.Subscribers.Inc()
	}

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			p.unsubscribe(jobID, sub)
			if p.metrics != nil {
				p.metrics.Subscribers.Dec()
			}
		})
	}
	return backfill, sub.ch, cancel, nil
}

// Closed reports whether the job's stream has seen its result event.
func (p *Pipeline) Closed(ctx context.Context, jobID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, err := p.streamLocked(ctx, jobID)
	if err != nil {
		return false
	}
	return st.closed
}

// streamLocked returns the job's stream, seeding the sequence counter
// from the durable store on first touch. Caller holds p.mu.
func (p *Pipeline) streamLocked(ctx context.Context, jobID uuid.UUID) (*stream, error) {
	st, ok := p.streams[jobID]
	if !ok {
		st = &stream{ring: newRing(ringCapacity), subs: make(map[*subscriber]struct{})}
		p.streams[jobID] = st
	}
	if !st.seeded {
		seed, err := p.store.MaxSequence(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("seeding sequence: %w", err)
		}
		st.seq = seed
		st.seeded = true
	}
	return st, nil
}

func (p *Pipeline) unsubscribe(jobID uuid.UUID, sub *subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.streams[jobID]; ok {
		delete(st.subs, sub)
	}
}

// Release drops the in-memory stream for a job. Called after teardown;
// durable events remain readable.
func (p *Pipeline) Release(jobID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.streams[jobID]; ok {
		for sub := range st.subs {
			close(sub.ch)
		}
		delete(p.streams, jobID)
	}
}
