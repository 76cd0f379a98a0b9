package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/koscakluka/voicelink/core/events"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const testDeadline = 8 * time.Second

func TestWakeUpOpensSessionAndArmsDeadline(t *testing.T) {
	rig := newTestRig(t, Config{Methods: MethodASR | MethodTTS, Transport: TransportTLS})

	rig.wake(t)

	status := rig.engine.Status()
	if status.Session != StateStarted {
		t.Fatalf("expected session %s, got %s", StateStarted, status.Session)
	}
	if !status.TurnOpen || status.TurnID == "" {
		t.Fatalf("expected an open turn with an id, got %+v", status)
	}
	if !status.TimerArmed {
		t.Fatalf("expected deadline to be armed")
	}

	opens := rig.client.openCalls()
	if len(opens) != 1 {
		t.Fatalf("expected one session open, got %d", len(opens))
	}
	if opens[0].Restart || opens[0].TurnID != status.TurnID || opens[0].Methods != MethodASR|MethodTTS {
		t.Fatalf("expected first open for turn %s, got %+v", status.TurnID, opens[0])
	}
}

func TestRecognitionResultsRearmDeadline(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.wake(t)

	rig.deliver(t, ClientEvent{Kind: ClientAsrBegin})
	rig.deliver(t, ClientEvent{Kind: ClientAsrResult, Text: "turn on the lights"})

	if got := rig.engine.Status().Session; got != StateGotAsrResult {
		t.Fatalf("expected session %s, got %s", StateGotAsrResult, got)
	}
	if got := rig.clock.pending(testDeadline); got != 1 {
		t.Fatalf("expected exactly one armed deadline, got %d", got)
	}

	results := rig.events.byID(events.AsrResult)
	if len(results) != 1 || string(results[0].payload) != "turn on the lights" {
		t.Fatalf("expected one asr result event with the text, got %+v", results)
	}
}

func TestDeadlineExpiryRestartsOncePerTurn(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.wake(t)
	first := rig.client.openCalls()[0]

	if fired := rig.clock.fire(testDeadline); fired != 1 {
		t.Fatalf("expected the deadline to fire, fired %d", fired)
	}
	rig.dispatchAll()

	opens := rig.client.openCalls()
	if len(opens) != 2 {
		t.Fatalf("expected one automatic restart, got %d opens", len(opens))
	}
	if !opens[1].Restart || opens[1].TurnID != first.TurnID || opens[1].RequestID == first.RequestID {
		t.Fatalf("expected restart of turn %s with a new request, got %+v", first.TurnID, opens[1])
	}
	if cancels := rig.client.cancelCalls(); len(cancels) != 1 || cancels[0] != first.RequestID {
		t.Fatalf("expected first request to be cancelled, got %v", cancels)
	}

	status := rig.engine.Status()
	if !status.RestartUsed || status.Session != StateStarted || !status.TimerArmed || !status.TurnOpen {
		t.Fatalf("expected restarted turn with armed deadline, got %+v", status)
	}
	if got := testutil.ToFloat64(rig.engine.metrics.restarts); got != 1 {
		t.Fatalf("expected one restart counted, got %v", got)
	}

	errs := rig.events.byID(events.Error)
	if len(errs) != 1 || !errors.Is(errs[0].err, ErrTimeout) {
		t.Fatalf("expected one timeout error event, got %+v", errs)
	}

	rig.clock.fire(testDeadline)
	rig.dispatchAll()

	if got := len(rig.client.openCalls()); got != 2 {
		t.Fatalf("expected no second restart, got %d opens", got)
	}
	status = rig.engine.Status()
	if status.TurnOpen || status.TimerArmed {
		t.Fatalf("expected second expiry to end the turn, got %+v", status)
	}
	if status.Session != StateGotAsrError {
		t.Fatalf("expected session %s, got %s", StateGotAsrError, status.Session)
	}
	if got := len(rig.events.byID(events.Error)); got != 2 {
		t.Fatalf("expected two error events, got %d", got)
	}

	rig.wake(t)
	if status := rig.engine.Status(); status.RestartUsed {
		t.Fatalf("expected restart guard to reset on the next wake")
	}
}

func TestDeadlineStopsOnceSpeechHasPlayed(t *testing.T) {
	rig := newTestRig(t, Config{}, WithMediaFetcher(blockingFetcher{first: []byte("m")}))
	rig.wake(t)

	rig.deliver(t, ClientEvent{Kind: ClientTtsData, Data: []byte("a")})
	rig.deliver(t, ClientEvent{Kind: ClientTtsEnd})
	if rig.engine.Status().TimerArmed {
		t.Fatalf("expected deadline to stop after speech played")
	}

	rig.deliver(t, ClientEvent{Kind: ClientMediaURL, URL: "https://media.example.com/long"})
	rig.dispatchUntil(t, "media chunk", func() bool {
		return string(rig.sink.written()) == "am"
	})

	if fired := rig.clock.fire(testDeadline); fired != 0 {
		t.Fatalf("expected no deadline during media playback, %d fired", fired)
	}
	rig.dispatchAll()

	status := rig.engine.Status()
	if status.Playback != PlaybackUrlPlaying || !status.TurnOpen || status.RestartUsed {
		t.Fatalf("expected media to keep playing in the open turn, got %+v", status)
	}
	if errs := rig.events.byID(events.Error); len(errs) != 0 {
		t.Fatalf("expected no error events, got %+v", errs)
	}
	if got := len(rig.client.openCalls()); got != 1 {
		t.Fatalf("expected a single session open, got %d", got)
	}
}

func TestStaleDeadlineExpiryIsIgnored(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.wake(t)

	rig.engine.deadline.fire(rig.engine.deadline.arm(testDeadline))
	rig.engine.deadline.arm(testDeadline)
	rig.dispatchAll()

	if got := len(rig.client.openCalls()); got != 1 {
		t.Fatalf("expected stale expiry not to restart, got %d opens", got)
	}
	if rig.engine.Status().RestartUsed {
		t.Fatalf("expected restart guard to stay unused")
	}
}

func TestResultsOfCancelledRequestAreIgnored(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.wake(t)
	stale := rig.client.lastRequestID()

	rig.clock.fire(testDeadline)
	rig.dispatchAll()

	rig.deliver(t, ClientEvent{Kind: ClientAsrResult, RequestID: stale, Text: "late"})
	if got := len(rig.events.byID(events.AsrResult)); got != 0 {
		t.Fatalf("expected stale result to be ignored, got %d events", got)
	}

	rig.deliver(t, ClientEvent{Kind: ClientAsrResult, Text: "fresh"})
	if got := len(rig.events.byID(events.AsrResult)); got != 1 {
		t.Fatalf("expected result of the current request, got %d events", got)
	}
}

func TestOpenFailureConsumesRestartThenEndsTurn(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.client.openErr = ErrAuth

	rig.wake(t)

	if got := len(rig.client.openCalls()); got != 2 {
		t.Fatalf("expected open and one restart, got %d opens", got)
	}
	if status := rig.engine.Status(); status.TurnOpen || status.TimerArmed {
		t.Fatalf("expected turn to end after second failure, got %+v", status)
	}

	errs := rig.events.byID(events.Error)
	if len(errs) != 2 {
		t.Fatalf("expected two error events, got %d", len(errs))
	}
	for _, ev := range errs {
		if !errors.Is(ev.err, ErrAuth) {
			t.Fatalf("expected auth errors, got %v", ev.err)
		}
	}
}

func TestAsrErrorFromClientRestarts(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.wake(t)

	rig.deliver(t, ClientEvent{Kind: ClientAsrError, Err: ErrProtocol})

	if got := len(rig.client.openCalls()); got != 2 {
		t.Fatalf("expected restart after client error, got %d opens", got)
	}
	if errs := rig.events.byID(events.Error); len(errs) != 1 || !errors.Is(errs[0].err, ErrProtocol) {
		t.Fatalf("expected protocol error event, got %+v", errs)
	}
}

func TestAsrEndClosesTurn(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.wake(t)
	requestID := rig.client.lastRequestID()

	rig.deliver(t, ClientEvent{Kind: ClientAsrBegin})
	rig.deliver(t, ClientEvent{Kind: ClientAsrEnd})

	status := rig.engine.Status()
	if status.Session != StateGotAsrEnd || status.TurnOpen || status.TimerArmed {
		t.Fatalf("expected closed turn after asr end, got %+v", status)
	}
	if cancels := rig.client.cancelCalls(); len(cancels) != 1 || cancels[0] != requestID {
		t.Fatalf("expected session to be cancelled, got %v", cancels)
	}
	if got := testutil.ToFloat64(rig.engine.metrics.turns.WithLabelValues("completed")); got != 1 {
		t.Fatalf("expected one completed turn, got %v", got)
	}
}

func TestLinkLossAbandonsTurn(t *testing.T) {
	rig := newTestRig(t, Config{})
	if err := rig.engine.NetConnected(); err != nil {
		t.Fatalf("expected link up to be enqueued, got %v", err)
	}
	rig.wake(t)
	rig.deliver(t, ClientEvent{Kind: ClientTtsData, Data: []byte{1, 2}})

	if err := rig.engine.NetDisconnected(); err != nil {
		t.Fatalf("expected link down to be enqueued, got %v", err)
	}
	rig.dispatchAll()

	status := rig.engine.Status()
	if status.Session != StateLinkDisconnected || status.TurnOpen || status.TimerArmed {
		t.Fatalf("expected abandoned turn, got %+v", status)
	}
	if status.Playback != PlaybackIdle || status.Connected {
		t.Fatalf("expected idle playback and disconnected flag, got %+v", status)
	}
	if got := len(rig.events.byID(events.LinkConnected)); got != 1 {
		t.Fatalf("expected one link connected event, got %d", got)
	}
	if got := len(rig.events.byID(events.LinkDisconnected)); got != 1 {
		t.Fatalf("expected one link disconnected event, got %d", got)
	}
}

func TestLinkConnectedKeepsOpenTurnState(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.wake(t)
	rig.deliver(t, ClientEvent{Kind: ClientAsrBegin})

	if err := rig.engine.NetConnected(); err != nil {
		t.Fatalf("expected connect to be enqueued, got %v", err)
	}
	rig.dispatchAll()

	status := rig.engine.Status()
	if status.Session != StateGotAsrBegin || !status.TurnOpen {
		t.Fatalf("expected turn to stay at %s, got %+v", StateGotAsrBegin, status)
	}
	if got := len(rig.events.byID(events.LinkConnected)); got != 1 {
		t.Fatalf("expected link connected event, got %d", got)
	}
}

func TestNlpResultRequiresMethod(t *testing.T) {
	rig := newTestRig(t, Config{Methods: MethodASR | MethodTTS})
	rig.wake(t)

	rig.deliver(t, ClientEvent{Kind: ClientNlpResult, Text: `{"intent":"lights"}`})
	if got := len(rig.events.byID(events.NlpResult)); got != 0 {
		t.Fatalf("expected nlp result to be dropped, got %d events", got)
	}

	rig = newTestRig(t, Config{})
	rig.wake(t)
	rig.deliver(t, ClientEvent{Kind: ClientNlpResult, Text: `{"intent":"lights"}`})
	if got := len(rig.events.byID(events.NlpResult)); got != 1 {
		t.Fatalf("expected nlp result event, got %d", got)
	}
}

func TestMessagesOutsideTurnAreIgnored(t *testing.T) {
	rig := newTestRig(t, Config{})

	rig.deliver(t, ClientEvent{Kind: ClientAsrResult, Text: "nobody asked"})
	rig.deliver(t, ClientEvent{Kind: ClientTtsData, Data: []byte{1}})

	if got := len(rig.events.byID(events.AsrResult)); got != 0 {
		t.Fatalf("expected no events outside a turn, got %d", got)
	}
	if got := rig.engine.Status().Playback; got != PlaybackIdle {
		t.Fatalf("expected idle playback, got %s", got)
	}
}

func TestDeliverRejectsUnknownKind(t *testing.T) {
	rig := newTestRig(t, Config{})

	if err := rig.engine.Deliver(ClientEvent{Kind: ClientEventKind(99)}); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}
