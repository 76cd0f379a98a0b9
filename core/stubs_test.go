package engine

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/koscakluka/voicelink/core/events"
)

func withManualDispatch() Option {
	return func(e *Engine) { e.manualDispatch = true }
}

type testRig struct {
	engine    *Engine
	client    *recordingSessionClient
	sink      *recordingSink
	clock     *fakeClock
	publisher *recordingPublisher
	events    *eventRecorder
}

// newTestRig builds an engine in manual dispatch mode with recording
// collaborators. Messages are handled only through dispatchNext.
func newTestRig(t *testing.T, cfg Config, opts ...Option) *testRig {
	t.Helper()

	rig := &testRig{
		client:    &recordingSessionClient{},
		sink:      &recordingSink{},
		clock:     &fakeClock{},
		publisher: &recordingPublisher{},
		events:    &eventRecorder{},
	}
	if cfg.Host == "" {
		cfg.Host = "speech.example.com"
	}
	cfg.EventHandler = rig.events.handle

	base := []Option{
		withManualDispatch(),
		WithSessionClient(rig.client),
		WithSink(rig.sink),
		WithClock(rig.clock),
		WithPublisher(rig.publisher),
		WithResponseDeadline(8 * time.Second),
		WithPlaybackGrace(3 * time.Second),
		WithEnqueueWait(0),
	}
	e, err := New(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("expected engine to initialize, got %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	rig.engine = e
	return rig
}

// dispatchAll handles queued messages until the queue is empty.
func (r *testRig) dispatchAll() int {
	handled := 0
	for r.engine.dispatchNext() {
		handled++
	}
	return handled
}

// dispatchUntil keeps handling messages, including ones posted later by
// background goroutines, until condition holds.
func (r *testRig) dispatchUntil(t *testing.T, description string, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.dispatchAll()
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", description)
}

func (r *testRig) deliver(t *testing.T, ev ClientEvent) {
	t.Helper()

	if ev.RequestID == "" {
		ev.RequestID = r.client.lastRequestID()
	}
	if err := r.engine.Deliver(ev); err != nil {
		t.Fatalf("expected %s to be delivered, got %v", ev.Kind, err)
	}
	r.dispatchAll()
}

func (r *testRig) wake(t *testing.T) {
	t.Helper()

	if err := r.engine.WakeUp(); err != nil {
		t.Fatalf("expected wake to be enqueued, got %v", err)
	}
	r.dispatchAll()
}

type recordingSessionClient struct {
	mu      sync.Mutex
	opens   []SessionRequest
	cancels []string
	openErr error
}

func (c *recordingSessionClient) Open(_ context.Context, req SessionRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens = append(c.opens, req)
	return c.openErr
}

func (c *recordingSessionClient) Cancel(_ context.Context, requestID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels = append(c.cancels, requestID)
	return nil
}

func (c *recordingSessionClient) openCalls() []SessionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SessionRequest(nil), c.opens...)
}

func (c *recordingSessionClient) cancelCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cancels...)
}

func (c *recordingSessionClient) lastRequestID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.opens) == 0 {
		return ""
	}
	return c.opens[len(c.opens)-1].RequestID
}

// recordingSink copies every write, since the engine reuses its buffers.
type recordingSink struct {
	mu         sync.Mutex
	writes     [][]byte
	clearCount int
}

func (s *recordingSink) Write(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, bytes.Clone(audio))
	return nil
}

func (s *recordingSink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearCount++
}

func (s *recordingSink) written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Join(s.writes, nil)
}

func (s *recordingSink) clears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearCount
}

type publishCall struct {
	topic   string
	payload []byte
}

type recordingPublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{topic: topic, payload: bytes.Clone(payload)})
	return p.err
}

func (p *recordingPublisher) publishCalls() []publishCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishCall(nil), p.calls...)
}

type stubSubscriber struct {
	mu           sync.Mutex
	topic        string
	handler      func([]byte)
	unsubscribed bool
}

func (s *stubSubscriber) Subscribe(_ context.Context, topic string, handler func([]byte)) (func() error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topic = topic
	s.handler = handler
	return func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.unsubscribed = true
		return nil
	}, nil
}

func (s *stubSubscriber) receive(payload []byte) {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	handler(payload)
}

type recordedEvent struct {
	id      events.ID
	payload []byte
	err     error
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) handle(event events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{id: event.ID, payload: bytes.Clone(event.Payload), err: event.Err})
	return nil
}

func (r *eventRecorder) byID(id events.ID) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []recordedEvent
	for _, event := range r.events {
		if event.id == id {
			matched = append(matched, event)
		}
	}
	return matched
}

// fakeClock only fires timers when told to.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, timer)
	return timer
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fire runs every pending timer created with duration d and reports how many
// fired.
func (c *fakeClock) fire(d time.Duration) int {
	c.mu.Lock()
	var due []*fakeTimer
	for _, timer := range c.timers {
		if timer.d == d && !timer.stopped && !timer.fired {
			timer.fired = true
			due = append(due, timer)
		}
	}
	c.mu.Unlock()

	for _, timer := range due {
		timer.f()
	}
	return len(due)
}

func (c *fakeClock) pending(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, timer := range c.timers {
		if timer.d == d && !timer.stopped && !timer.fired {
			count++
		}
	}
	return count
}

type staticFetcher struct {
	media []byte
}

func (f staticFetcher) Fetch(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.media)), nil
}

// blockingFetcher streams one chunk and then blocks until the stream is
// cancelled.
type blockingFetcher struct {
	first []byte
}

func (f blockingFetcher) Fetch(ctx context.Context, _ string) (io.ReadCloser, error) {
	return &blockingReader{ctx: ctx, first: f.first}, nil
}

type blockingReader struct {
	ctx   context.Context
	first []byte
	sent  bool
}

func (r *blockingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, r.first), nil
	}
	<-r.ctx.Done()
	return 0, r.ctx.Err()
}

func (r *blockingReader) Close() error { return nil }

type recordingPlayer struct {
	mu      sync.Mutex
	intents []Intent
}

func (p *recordingPlayer) Play(ctx context.Context, intent Intent) error {
	p.mu.Lock()
	p.intents = append(p.intents, intent)
	p.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (p *recordingPlayer) played() []Intent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Intent(nil), p.intents...)
}

// releasingPlayer plays each intent until release is signalled or the
// playback is cancelled.
type releasingPlayer struct {
	mu        sync.Mutex
	intents   []Intent
	cancelled []IntentKind
	release   chan struct{}
}

func newReleasingPlayer() *releasingPlayer {
	return &releasingPlayer{release: make(chan struct{})}
}

func (p *releasingPlayer) Play(ctx context.Context, intent Intent) error {
	p.mu.Lock()
	p.intents = append(p.intents, intent)
	p.mu.Unlock()

	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		p.cancelled = append(p.cancelled, intent.Kind)
		p.mu.Unlock()
		return ctx.Err()
	}
}

func (p *releasingPlayer) played() []Intent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Intent(nil), p.intents...)
}

func (p *releasingPlayer) cancellations() []IntentKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]IntentKind(nil), p.cancelled...)
}
