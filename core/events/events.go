package events

import (
	"fmt"
	"time"
)

// ID identifies a public engine event.
type ID int

const (
	// Error is emitted for every failure surfaced to the caller: upstream
	// session failures, deadline expiry and media stream errors.
	Error ID = iota
	// LinkConnected is emitted when the host reports network connectivity.
	LinkConnected
	// AsrResult carries partial or final recognition text.
	AsrResult
	// NlpResult carries the natural-language result for the turn.
	NlpResult
	// ChannelData carries an auxiliary payload from the server or the
	// subscribed channel topic.
	ChannelData
	// LinkDisconnected is emitted when the link is lost from any state.
	LinkDisconnected
)

func (id ID) String() string {
	switch id {
	case Error:
		return "error"
	case LinkConnected:
		return "link_connected"
	case AsrResult:
		return "asr_result"
	case NlpResult:
		return "nlp_result"
	case ChannelData:
		return "channel_data"
	case LinkDisconnected:
		return "link_disconnected"
	}
	return fmt.Sprintf("event(%d)", int(id))
}

// Handle is the engine an event originated from.
type Handle interface {
	UserData() any
}

// Event is delivered synchronously on the engine's dispatcher goroutine.
//
// Payload is only valid for the duration of the handler call; handlers that
// keep it must copy it.
type Event struct {
	ID        ID
	Handle    Handle
	Payload   []byte
	Err       error
	Timestamp time.Time
}

func New(id ID, handle Handle, payload []byte, err error) Event {
	return Event{ID: id, Handle: handle, Payload: payload, Err: err, Timestamp: time.Now()}
}

// Len mirrors the payload length reported alongside the event.
func (e Event) Len() int { return len(e.Payload) }

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("%s (%d bytes)", e.ID, len(e.Payload))
}
