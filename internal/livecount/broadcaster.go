package livecount

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"vigil/internal/logging"
)

const (
	defaultSubscriberBuffer = 32
	defaultForwardBuffer    = 256
	sinkTimeout             = 5 * time.Second
)

// Sink receives every published message for durable counting.
type Sink interface {
	Name() string
	Forward(ctx context.Context, msg Message) error
}

// Options tunes channel capacities.
type Options struct {
	SubscriberBuffer int
	ForwardBuffer    int
}

// Broadcaster is the per-stream registry of subscribers.
type Broadcaster struct {
	logger  *slog.Logger
	bufSize int

	mu      sync.RWMutex
	streams map[string]*stream
	closed  bool

	sinks      []Sink
	forward    chan Message
	forwardMu  sync.Mutex
	fwdDropped atomic.Uint64
	stop       chan struct{}
	wg         sync.WaitGroup
}

type stream struct {
	id        string
	mu        sync.Mutex
	subs      map[*Subscriber]struct{}
	tally     tally
	last      *Message
	published uint64
	dropped   uint64
}

// New constructs a Broadcaster. When sinks are supplied a forwarding goroutine
// runs until Close.
func New(logger *slog.Logger, opts Options, sinks ...Sink) *Broadcaster {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = defaultSubscriberBuffer
	}
	if opts.ForwardBuffer <= 0 {
		opts.ForwardBuffer = defaultForwardBuffer
	}
	b := &Broadcaster{
		logger:  logging.NewComponentLogger(logger, "livecount"),
		bufSize: opts.SubscriberBuffer,
		streams: make(map[string]*stream),
		sinks:   sinks,
		stop:    make(chan struct{}),
	}
	if len(sinks) > 0 {
		b.forward = make(chan Message, opts.ForwardBuffer)
		b.wg.Add(1)
		go b.forwardLoop()
	}
	return b
}

// Subscriber is one consumer of a stream's messages.
type Subscriber struct {
	streamID string
	ch       chan Message
	mu       sync.Mutex
	closed   bool
	dropped  atomic.Uint64
}

// C yields messages until the stream ends or the subscriber is removed.
func (s *Subscriber) C() <-chan Message { return s.ch }

// StreamID returns the stream this subscriber listens to.
func (s *Subscriber) StreamID() string { return s.streamID }

// Dropped counts messages discarded because this subscriber fell behind.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscriber) offer(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	dropped := false
	for {
		select {
		case s.ch <- msg:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped = true
			s.dropped.Add(1)
		default:
		}
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (b *Broadcaster) streamFor(streamID string, create bool) *stream {
	b.mu.RLock()
	st := b.streams[streamID]
	closed := b.closed
	b.mu.RUnlock()
	if st != nil || !create || closed {
		return st
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	if st = b.streams[streamID]; st == nil {
		st = &stream{id: streamID, subs: make(map[*Subscriber]struct{})}
		b.streams[streamID] = st
	}
	return st
}

// Subscribe registers a consumer for streamID. After Close the returned
// subscriber's channel is already closed.
func (b *Broadcaster) Subscribe(streamID string) *Subscriber {
	sub := &Subscriber{streamID: streamID, ch: make(chan Message, b.bufSize)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	st := b.streams[streamID]
	if st == nil {
		st = &stream{id: streamID, subs: make(map[*Subscriber]struct{})}
		b.streams[streamID] = st
	}
	st.mu.Lock()
	st.subs[sub] = struct{}{}
	st.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. It is idempotent. A stream
// left with no subscribers and nothing published is forgotten.
func (b *Broadcaster) Unsubscribe(streamID string, sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if st := b.streams[streamID]; st != nil {
		st.mu.Lock()
		delete(st.subs, sub)
		if len(st.subs) == 0 && st.published == 0 {
			delete(b.streams, streamID)
		}
		st.mu.Unlock()
	}
	b.mu.Unlock()
	sub.close()
}

// Publish updates streamID's tallies and delivers the resulting message to
// every subscriber and to the forwarding queue without blocking.
func (b *Broadcaster) Publish(streamID string, event DetectionEvent) Message {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	msg := Message{
		StreamID:   streamID,
		Direction:  event.Direction,
		Timestamp:  event.Timestamp,
		Confidence: event.Confidence,
		Objects:    event.Objects,
	}
	st := b.streamFor(streamID, true)
	if st == nil {
		return msg
	}

	st.mu.Lock()
	st.tally.apply(event.Direction)
	msg.Entered = st.tally.entered
	msg.Exited = st.tally.exited
	msg.Inside = st.tally.inside()
	st.published++
	last := msg
	st.last = &last
	subs := make([]*Subscriber, 0, len(st.subs))
	for sub := range st.subs {
		subs = append(subs, sub)
	}
	st.mu.Unlock()

	var dropped uint64
	for _, sub := range subs {
		if sub.offer(msg) {
			dropped++
		}
	}
	if dropped > 0 {
		st.mu.Lock()
		st.dropped += dropped
		st.mu.Unlock()
	}

	b.enqueueForward(msg)
	return msg
}

// Last returns the most recent message for streamID.
func (b *Broadcaster) Last(streamID string) (Message, bool) {
	st := b.streamFor(streamID, false)
	if st == nil {
		return Message{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.last == nil {
		return Message{}, false
	}
	return *st.last, true
}

// CloseStream ends streamID: every subscriber channel is closed and the
// tallies reset. Later subscribers start a fresh stream.
func (b *Broadcaster) CloseStream(streamID string) {
	b.mu.Lock()
	st := b.streams[streamID]
	delete(b.streams, streamID)
	b.mu.Unlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	subs := st.subs
	st.subs = map[*Subscriber]struct{}{}
	st.mu.Unlock()
	for sub := range subs {
		sub.close()
	}
	b.logger.Debug("live stream closed",
		logging.StreamID(streamID),
		logging.Int("subscribers", len(subs)),
	)
}

func (b *Broadcaster) enqueueForward(msg Message) {
	if b.forward == nil {
		return
	}
	b.forwardMu.Lock()
	defer b.forwardMu.Unlock()
	for {
		select {
		case b.forward <- msg:
			return
		default:
		}
		select {
		case <-b.forward:
			b.fwdDropped.Add(1)
		default:
		}
	}
}

func (b *Broadcaster) forwardLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case msg := <-b.forward:
			b.deliver(msg)
		}
	}
}

func (b *Broadcaster) deliver(msg Message) {
	for _, sink := range b.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		err := sink.Forward(ctx, msg)
		cancel()
		if err != nil {
			logging.WarnWithContext(b.logger, "occupancy forward failed", "occupancy_forward_failed",
				logging.String("sink", sink.Name()),
				logging.StreamID(msg.StreamID),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the occupancy collaborator connection"),
				logging.String(logging.FieldImpact, "count event not persisted"),
			)
		}
	}
}

// StreamStats summarizes one stream.
type StreamStats struct {
	StreamID    string `json:"streamId"`
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	Entered     int    `json:"entered"`
	Exited      int    `json:"exited"`
	Inside      int    `json:"inside"`
}

// Stats describes all streams and the forwarding queue.
type Stats struct {
	Streams        []StreamStats `json:"streams"`
	ForwardDropped uint64        `json:"forwardDropped"`
	Sinks          []string      `json:"sinks"`
}

// Stats returns a snapshot sorted by stream id.
func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	streams := make([]*stream, 0, len(b.streams))
	for _, st := range b.streams {
		streams = append(streams, st)
	}
	b.mu.RUnlock()

	out := Stats{ForwardDropped: b.fwdDropped.Load()}
	for _, sink := range b.sinks {
		out.Sinks = append(out.Sinks, sink.Name())
	}
	for _, st := range streams {
		st.mu.Lock()
		out.Streams = append(out.Streams, StreamStats{
			StreamID:    st.id,
			Subscribers: len(st.subs),
			Published:   st.published,
			Dropped:     st.dropped,
			Entered:     st.tally.entered,
			Exited:      st.tally.exited,
			Inside:      st.tally.inside(),
		})
		st.mu.Unlock()
	}
	sort.Slice(out.Streams, func(i, j int) bool { return out.Streams[i].StreamID < out.Streams[j].StreamID })
	return out
}

// Close stops forwarding, drops queued forwards, and ends every stream.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	ids := make([]string, 0, len(b.streams))
	for id := range b.streams {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	close(b.stop)
	b.wg.Wait()
	for _, id := range ids {
		b.CloseStream(id)
	}
}
