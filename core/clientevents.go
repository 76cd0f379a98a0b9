package engine

import (
	"fmt"
)

// ClientEventKind identifies what a session client reported.
type ClientEventKind int

const (
	ClientLinkConnected ClientEventKind = iota + 1
	ClientLinkDisconnected
	ClientAsrBegin
	ClientAsrResult
	ClientNlpResult
	ClientExternData
	ClientTtsData
	ClientTtsEnd
	ClientMediaURL
	ClientAsrError
	ClientAsrEnd
)

func (k ClientEventKind) String() string {
	switch k {
	case ClientLinkConnected:
		return "link_connected"
	case ClientLinkDisconnected:
		return "link_disconnected"
	case ClientAsrBegin:
		return "asr_begin"
	case ClientAsrResult:
		return "asr_result"
	case ClientNlpResult:
		return "nlp_result"
	case ClientExternData:
		return "extern_data"
	case ClientTtsData:
		return "tts_data"
	case ClientTtsEnd:
		return "tts_end"
	case ClientMediaURL:
		return "media_url"
	case ClientAsrError:
		return "asr_error"
	case ClientAsrEnd:
		return "asr_end"
	}
	return fmt.Sprintf("client_event(%d)", int(k))
}

// ClientEvent is something the session client received from the speech
// service. RequestID, when set, ties the event to the [SessionRequest] it
// belongs to; events of a superseded request are ignored.
type ClientEvent struct {
	Kind      ClientEventKind
	RequestID string

	Text string
	Data []byte
	URL  string
	Err  error
}

var clientMessageKinds = map[ClientEventKind]messageKind{
	ClientLinkConnected:    msgLinkConnected,
	ClientLinkDisconnected: msgLinkDisconnected,
	ClientAsrBegin:         msgAsrBegin,
	ClientAsrResult:        msgAsrResult,
	ClientNlpResult:        msgNlpResult,
	ClientExternData:       msgExternData,
	ClientTtsData:          msgTtsData,
	ClientTtsEnd:           msgTtsEnd,
	ClientMediaURL:         msgMediaURL,
	ClientAsrError:         msgAsrError,
	ClientAsrEnd:           msgAsrEnd,
}

// Deliver enqueues an event from the session client. It may be called from
// any goroutine; Data is copied before Deliver returns.
func (e *Engine) Deliver(ev ClientEvent) error {
	kind, ok := clientMessageKinds[ev.Kind]
	if !ok {
		return fmt.Errorf("%w: unknown client event %s", ErrProtocol, ev.Kind)
	}

	msg := message{kind: kind, requestID: ev.RequestID, text: ev.Text, err: ev.Err}
	data := ev.Data

	switch ev.Kind {
	case ClientLinkConnected:
		e.connected.Store(true)
	case ClientLinkDisconnected:
		e.connected.Store(false)
	case ClientAsrResult, ClientNlpResult:
		if data == nil {
			data = []byte(ev.Text)
		}
	case ClientMediaURL:
		msg.text = ev.URL
		if msg.text == "" {
			msg.text = ev.Text
		}
	case ClientAsrError:
		if msg.err == nil {
			msg.err = fmt.Errorf("%w: speech service reported an error: %s", ErrTransport, ev.Text)
		}
	}

	return e.enqueue(msg, data)
}
