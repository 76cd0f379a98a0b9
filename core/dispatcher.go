package engine

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// run is the dispatcher loop: the only goroutine that changes session and
// playback state.
func (e *Engine) run() {
	defer close(e.dispatcherDone)

	for {
		msg, ok := e.queue.dequeue(e.closing)
		if !ok {
			return
		}

		select {
		case <-e.closing:
			// Dequeued after Close started: count it with the drained ones.
			if msg.payload.Release() {
				e.closeReleased.Add(1)
			}
			return
		default:
		}

		e.dispatchMessage(msg)
	}
}

// dispatchNext pops and handles one queued message without blocking. It
// reports false when the queue was empty.
func (e *Engine) dispatchNext() bool {
	select {
	case msg := <-e.queue.items:
		e.dispatchMessage(msg)
		return true
	default:
		return false
	}
}

func (e *Engine) dispatchMessage(msg message) {
	defer func() {
		msg.payload.Release()
		e.metrics.queueDepth.Set(float64(e.queue.len()))
		e.publishStatus()
	}()

	queuedTime := time.Since(msg.queuedAt).Seconds()
	if span := e.session.turnSpan; span != nil {
		span.AddEvent("taken out of queue", trace.WithAttributes(
			attribute.String("voicelink.message", msg.kind.String()),
			attribute.Float64("voicelink.queued_time", queuedTime),
		))
	}

	e.metrics.eventsDispatched.WithLabelValues(msg.kind.String()).Inc()
	e.dispatch(msg)

	if e.arbiter.takeCompletion() {
		e.onRequestComplete()
	}
}

func (e *Engine) dispatch(msg message) {
	switch msg.kind {
	case msgLinkConnected:
		e.onLinkConnected()
	case msgLinkDisconnected:
		e.onLinkLost()
	case msgWakeup:
		e.onWakeup()
	case msgExternData:
		e.onExternData(msg)
	case msgDeadlineExpired:
		e.onDeadlineExpired(msg.generation)
	case msgPlayIntent:
		e.arbiter.queueIntent(msg.intent)
	case msgMediaResolved:
		if msg.err != nil {
			e.surfaceError(msg.err)
			return
		}
		e.arbiter.mediaResolved(msg.text)
	case msgMediaChunk:
		e.arbiter.mediaChunk(msg.generation, msg.payload.Bytes())
	case msgMediaDone:
		e.arbiter.mediaDone(msg.generation, msg.err)
	case msgPlaybackGraceExpired:
		e.arbiter.graceExpired(msg.generation)
	case msgLocalDone:
		e.arbiter.localDone(msg.generation)
	case msgAsrBegin, msgAsrResult, msgNlpResult, msgTtsData, msgTtsEnd, msgMediaURL, msgAsrError, msgAsrEnd:
		e.dispatchTurnMessage(msg)
	default:
		e.logger.Warn("skipped message of unknown kind", "kind", msg.kind)
	}
}

// dispatchTurnMessage handles messages produced by the session client. They
// only apply to the open turn and its current request.
func (e *Engine) dispatchTurnMessage(msg message) {
	if !e.session.turnOpen {
		e.logger.Debug("ignoring message outside of a turn", "kind", msg.kind)
		return
	}
	if msg.requestID != "" && msg.requestID != e.session.requestID {
		e.logger.Debug("ignoring message from a previous request", "kind", msg.kind, "request_id", msg.requestID)
		return
	}

	switch msg.kind {
	case msgAsrBegin:
		e.apply(inputAsrBegin)
	case msgAsrResult:
		e.onAsrResult(msg)
	case msgNlpResult:
		e.onNlpResult(msg)
	case msgTtsData:
		e.onTtsData(msg)
	case msgTtsEnd:
		e.arbiter.ttsEnded()
	case msgMediaURL:
		e.arbiter.queueURL(msg.text)
	case msgAsrError:
		e.onFailure(msg.err)
	case msgAsrEnd:
		e.onAsrEnd()
	}
}
