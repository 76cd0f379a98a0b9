package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/koscakluka/voicelink/core/events"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type sessionMachine struct {
	state SessionState

	// turnOpen is false while idle, awaiting the next wake trigger.
	turnOpen  bool
	turnID    string
	requestID string

	turnCtx  context.Context
	turnSpan trace.Span
}

func (e *Engine) apply(in sessionInput) {
	from := e.session.state
	next, ok := transition(from, in)
	if !ok {
		e.logger.Warn("illegal session transition", "state", from, "input", in)
		return
	}

	e.session.state = next
	if from != next {
		e.logger.Debug("session state changed", "from", from, "to", next, "input", in)
	}
	if span := e.session.turnSpan; span != nil {
		span.AddEvent("session state", trace.WithAttributes(
			attribute.String("voicelink.from", from.String()),
			attribute.String("voicelink.to", next.String()),
		))
	}
}

// onLinkConnected leaves an open turn where it is; the connect notification
// only moves an idle session.
func (e *Engine) onLinkConnected() {
	if !e.session.turnOpen {
		e.apply(inputLinkConnected)
	}
	e.emit(events.LinkConnected, nil, nil)
}

// onLinkLost abandons the turn from any state.
func (e *Engine) onLinkLost() {
	e.apply(inputLinkLost)
	e.deadline.disarm()
	e.arbiter.forceIdle()
	if e.session.turnOpen {
		_ = e.endTurn("link_lost")
	}
	e.emit(events.LinkDisconnected, nil, nil)
}

func (e *Engine) onWakeup() {
	if e.session.turnOpen {
		_ = e.endTurn("superseded")
	}

	e.apply(inputWakeup)
	e.restartUsed.Store(false)

	e.session.turnOpen = true
	e.session.turnID = uuid.NewString()
	e.session.turnCtx, e.session.turnSpan = tracer.Start(e.baseCtx, "voice turn",
		trace.WithAttributes(
			attribute.String("voicelink.turn_id", e.session.turnID),
			attribute.String("voicelink.methods", e.cfg.Methods.String()),
		))

	e.arbiter.startTurn()
	e.openRequest(false)
}

// openRequest opens a session for the current turn and arms the deadline.
// A failed open goes through the regular failure path.
func (e *Engine) openRequest(restart bool) {
	e.apply(inputOpened)
	e.session.requestID = uuid.NewString()
	e.deadline.arm(e.responseDeadline)

	req := SessionRequest{
		TurnID:    e.session.turnID,
		RequestID: e.session.requestID,
		Methods:   e.cfg.Methods,
		Restart:   restart,
	}
	if err := e.client.Open(e.session.turnCtx, req); err != nil {
		e.onFailure(fmt.Errorf("opening session: %w", err))
	}
}

// cancelRequest tears down the current session request, if any.
func (e *Engine) cancelRequest() error {
	requestID := e.session.requestID
	if requestID == "" {
		return nil
	}
	e.session.requestID = ""

	if err := e.client.Cancel(e.baseCtx, requestID); err != nil {
		e.logger.Warn("cancelling session failed", "request_id", requestID, "error", err)
		return fmt.Errorf("cancelling session %s: %w", requestID, err)
	}
	return nil
}

func (e *Engine) onAsrResult(msg message) {
	e.apply(inputAsrResult)
	e.emit(events.AsrResult, msg.payload.Bytes(), nil)
	e.armResponseDeadline()
}

func (e *Engine) onNlpResult(msg message) {
	if !e.cfg.Methods.Has(MethodNLP) {
		e.logger.Debug("dropping nlp result, method not enabled")
		return
	}
	e.apply(inputAsrResult)
	e.emit(events.NlpResult, msg.payload.Bytes(), nil)
	e.armResponseDeadline()
}

func (e *Engine) onExternData(msg message) {
	e.apply(inputExternData)
	e.emit(events.ChannelData, msg.payload.Bytes(), nil)
}

func (e *Engine) onTtsData(msg message) {
	if !e.cfg.Methods.Has(MethodTTS) {
		e.logger.Debug("dropping tts data, method not enabled", "bytes", msg.payload.Len())
		return
	}
	e.apply(inputTtsData)
	e.arbiter.ttsChunk(msg.payload.Bytes())
	e.armResponseDeadline()
}

// armResponseDeadline restarts the response deadline while the reply is
// still outstanding. Once the turn speech has played, the arbiter's grace
// timer or the media stream decides when the request completes.
func (e *Engine) armResponseDeadline() {
	switch e.arbiter.state {
	case PlaybackTtsPlayed, PlaybackUrlPlaying, PlaybackUrlPlayed:
		return
	}
	e.deadline.arm(e.responseDeadline)
}

func (e *Engine) onDeadlineExpired(generation uint64) {
	if !e.session.turnOpen || !e.deadline.isCurrent(generation) {
		e.logger.Debug("ignoring stale deadline expiry", "generation", generation)
		return
	}
	e.onFailure(fmt.Errorf("no response within %s: %w", e.responseDeadline, ErrTimeout))
}

// onFailure surfaces err and restarts the session once per turn. A second
// failure ends the turn.
func (e *Engine) onFailure(err error) {
	e.apply(inputFailure)
	e.logger.Warn("session failed", "error", err, "class", errorClass(err), "turn_id", e.session.turnID)
	e.recordTurnError(err)
	e.emit(events.Error, []byte(err.Error()), err)

	if e.restartUsed.CompareAndSwap(false, true) {
		e.metrics.restarts.Inc()
		e.apply(inputRestart)
		_ = e.cancelRequest()
		e.openRequest(true)
		return
	}

	_ = e.endTurn("failed")
}

func (e *Engine) onAsrEnd() {
	e.apply(inputAsrEnd)
	_ = e.endTurn("completed")
}

// onRequestComplete closes the turn once playback of speech and any
// follow-up media has finished.
func (e *Engine) onRequestComplete() {
	if e.session.turnOpen {
		_ = e.endTurn("completed")
	}
}

// endTurn returns to idle, awaiting the next wake trigger.
func (e *Engine) endTurn(outcome string) error {
	e.deadline.disarm()
	err := e.cancelRequest()
	e.session.turnOpen = false
	e.arbiter.endTurn()

	e.metrics.turns.WithLabelValues(outcome).Inc()
	if span := e.session.turnSpan; span != nil {
		span.SetAttributes(attribute.String("voicelink.outcome", outcome))
		span.End()
	}
	e.session.turnSpan = nil
	e.session.turnCtx = nil
	return err
}

func (e *Engine) recordTurnError(err error) {
	span := e.session.turnSpan
	if span == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// onPlaybackTransition stops the response deadline once the turn speech has
// played: nothing more is expected from the speech service.
func (e *Engine) onPlaybackTransition(from, to PlaybackState) {
	e.recordPlaybackTransition(from, to)
	if e.session.turnOpen && (to == PlaybackTtsPlayed || to == PlaybackUrlPlaying) {
		e.deadline.disarm()
	}
}

func (e *Engine) recordPlaybackTransition(from, to PlaybackState) {
	if span := e.session.turnSpan; span != nil {
		span.AddEvent("playback state", trace.WithAttributes(
			attribute.String("voicelink.from", from.String()),
			attribute.String("voicelink.to", to.String()),
		))
	}
}
