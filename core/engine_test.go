package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/koscakluka/voicelink/core/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCloseReleasesQueuedPayloadsMidTurn(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.wake(t)
	rig.deliver(t, ClientEvent{Kind: ClientTtsData, Data: []byte("speech")})

	const queued = 5
	for i := 0; i < queued; i++ {
		if err := rig.engine.Deliver(ClientEvent{Kind: ClientTtsData, Data: []byte{byte(i)}}); err != nil {
			t.Fatalf("expected payload %d to be queued, got %v", i, err)
		}
	}
	if err := rig.engine.WakeUp(); err != nil {
		t.Fatalf("expected payload-less message to be queued, got %v", err)
	}

	if err := rig.engine.Close(context.Background()); err != nil {
		t.Fatalf("expected close to succeed, got %v", err)
	}

	if got := rig.engine.ReleasedOnClose(); got != queued {
		t.Fatalf("expected %d payloads released on close, got %d", queued, got)
	}
	status := rig.engine.Status()
	if status.TimerArmed || rig.clock.pending(testDeadline) != 0 {
		t.Fatalf("expected deadline to be disarmed after close")
	}
	if status.Playback != PlaybackIdle || status.TurnOpen {
		t.Fatalf("expected idle engine after close, got %+v", status)
	}
	if status.RequestsCompleted != 0 {
		t.Fatalf("expected speech cut by close not to complete a request, got %d", status.RequestsCompleted)
	}
	if cancels := rig.client.cancelCalls(); len(cancels) != 1 {
		t.Fatalf("expected open session to be cancelled, got %v", cancels)
	}
	if got := testutil.ToFloat64(rig.engine.metrics.turns.WithLabelValues("closed")); got != 1 {
		t.Fatalf("expected turn counted as closed, got %v", got)
	}
}

func TestCloseIsIdempotentAndRejectsNewWork(t *testing.T) {
	rig := newTestRig(t, Config{})

	if err := rig.engine.Close(context.Background()); err != nil {
		t.Fatalf("expected first close to succeed, got %v", err)
	}
	if err := rig.engine.Close(context.Background()); err != nil {
		t.Fatalf("expected second close to be a no-op, got %v", err)
	}

	if err := rig.engine.WakeUp(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestDispatcherGoroutineHandlesEvents(t *testing.T) {
	received := make(chan events.Event, 4)
	client := &recordingSessionClient{}
	e, err := New(Config{
		Host: "speech.example.com",
		EventHandler: func(event events.Event) error {
			received <- event
			return nil
		},
	}, WithSessionClient(client))
	if err != nil {
		t.Fatalf("expected engine to initialize, got %v", err)
	}
	defer e.Close(context.Background())

	if err := e.NetConnected(); err != nil {
		t.Fatalf("expected link up to be enqueued, got %v", err)
	}

	select {
	case event := <-received:
		if event.ID != events.LinkConnected {
			t.Fatalf("expected link connected event, got %s", event.ID)
		}
		if event.Handle.UserData() != nil {
			t.Fatalf("expected no user data, got %v", event.Handle.UserData())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for link connected event")
	}

	if err := e.WakeUp(); err != nil {
		t.Fatalf("expected wake to be enqueued, got %v", err)
	}
	waitForCondition(t, 2*time.Second, "session to start", func() bool {
		return e.Status().Session == StateStarted
	})

	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("expected close to succeed, got %v", err)
	}
	if e.Status().TurnOpen {
		t.Fatalf("expected close to end the open turn")
	}
}

func TestHandlerPanicDoesNotStopDispatcher(t *testing.T) {
	calls := make(chan struct{}, 4)
	e, err := New(Config{
		Host: "speech.example.com",
		EventHandler: func(events.Event) error {
			calls <- struct{}{}
			panic("handler bug")
		},
	})
	if err != nil {
		t.Fatalf("expected engine to initialize, got %v", err)
	}
	defer e.Close(context.Background())

	for i := 0; i < 2; i++ {
		if err := e.NetConnected(); err != nil {
			t.Fatalf("expected link up to be enqueued, got %v", err)
		}
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for handler call %d", i+1)
		}
	}
}

func TestEnqueueFailsWhenQueueFull(t *testing.T) {
	rig := newTestRig(t, Config{QueueCapacity: 2})

	for i := 0; i < 2; i++ {
		if err := rig.engine.WakeUp(); err != nil {
			t.Fatalf("expected enqueue %d to succeed, got %v", i, err)
		}
	}

	if err := rig.engine.WakeUp(); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if got := testutil.ToFloat64(rig.engine.metrics.queueFull); got != 1 {
		t.Fatalf("expected one queue full counted, got %v", got)
	}
	if got := rig.engine.Status().QueueLen; got != 2 {
		t.Fatalf("expected queue length at capacity, got %d", got)
	}
}

func TestMetricsRegisterOnRegisterer(t *testing.T) {
	registry := prometheus.NewRegistry()
	rig := newTestRig(t, Config{}, WithMetricsRegisterer(registry))
	_ = newTestRig(t, Config{}, WithMetricsRegisterer(registry))

	if err := rig.engine.WakeUp(); err != nil {
		t.Fatalf("expected wake to be enqueued, got %v", err)
	}

	count, err := testutil.GatherAndCount(registry, "voicelink_events_enqueued_total")
	if err != nil {
		t.Fatalf("expected metrics to gather, got %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one enqueued series, got %d", count)
	}
}
