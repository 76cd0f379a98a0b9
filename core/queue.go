package engine

import (
	"fmt"
	"sync"
	"time"
)

type messageKind int

const (
	msgLinkConnected messageKind = iota + 1
	msgLinkDisconnected
	msgWakeup
	msgAsrBegin
	msgAsrResult
	msgNlpResult
	msgExternData
	msgTtsData
	msgTtsEnd
	msgMediaURL
	msgAsrError
	msgAsrEnd
	msgDeadlineExpired
	msgPlayIntent
	msgMediaResolved
	msgMediaChunk
	msgMediaDone
	msgPlaybackGraceExpired
	msgLocalDone
)

func (k messageKind) String() string {
	switch k {
	case msgLinkConnected:
		return "link_connected"
	case msgLinkDisconnected:
		return "link_disconnected"
	case msgWakeup:
		return "wakeup"
	case msgAsrBegin:
		return "asr_begin"
	case msgAsrResult:
		return "asr_result"
	case msgNlpResult:
		return "nlp_result"
	case msgExternData:
		return "extern_data"
	case msgTtsData:
		return "tts_data"
	case msgTtsEnd:
		return "tts_end"
	case msgMediaURL:
		return "media_url"
	case msgAsrError:
		return "asr_error"
	case msgAsrEnd:
		return "asr_end"
	case msgDeadlineExpired:
		return "deadline_expired"
	case msgPlayIntent:
		return "play_intent"
	case msgMediaResolved:
		return "media_resolved"
	case msgMediaChunk:
		return "media_chunk"
	case msgMediaDone:
		return "media_done"
	case msgPlaybackGraceExpired:
		return "playback_grace_expired"
	case msgLocalDone:
		return "local_done"
	}
	return fmt.Sprintf("message(%d)", int(k))
}

type message struct {
	kind    messageKind
	payload *Payload

	// requestID scopes session client messages to the request that produced
	// them so results of a cancelled request are not applied to its restart.
	requestID  string
	text       string
	err        error
	generation uint64
	intent     Intent

	queuedAt time.Time
}

// eventQueue is a bounded FIFO with many producers and exactly one consumer.
//
// The mutex covers only the payload copy and the push, which keeps each
// producer's messages in call order. The consumer never takes the mutex.
type eventQueue struct {
	mu     sync.Mutex
	closed bool
	items  chan message

	payloads *payloadPool
}

func newEventQueue(capacity int, payloads *payloadPool) *eventQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &eventQueue{
		items:    make(chan message, capacity),
		payloads: payloads,
	}
}

// enqueue copies data into an owned payload and pushes msg. A full queue is
// waited on for at most wait before failing with [ErrQueueFull]; the copied
// payload is released on failure.
func (q *eventQueue) enqueue(msg message, data []byte, wait time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	msg.payload = q.payloads.copy(data)
	msg.queuedAt = time.Now()

	select {
	case q.items <- msg:
		return nil
	default:
	}

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case q.items <- msg:
			return nil
		case <-timer.C:
		}
	}

	msg.payload.Release()
	return ErrQueueFull
}

// dequeue blocks until a message is available or done is closed.
func (q *eventQueue) dequeue(done <-chan struct{}) (message, bool) {
	select {
	case <-done:
		return message{}, false
	case msg := <-q.items:
		return msg, true
	}
}

// drain closes the queue to producers, releases every queued payload and
// returns how many were released.
func (q *eventQueue) drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	released := 0
	for {
		select {
		case msg := <-q.items:
			if msg.payload.Release() {
				released++
			}
		default:
			return released
		}
	}
}

func (q *eventQueue) len() int { return len(q.items) }

func (q *eventQueue) capacity() int { return cap(q.items) }
