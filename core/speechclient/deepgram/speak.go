package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	engine "github.com/koscakluka/voicelink/core"
	"go.opentelemetry.io/otel/attribute"
)

const (
	speakMessage   = "Speak"
	flushMessage   = "Flush"
	flushedMessage = "Flushed"
	closeMessage   = "Close"
	warningMessage = "Warning"
)

func (c *Client) speakQuery() url.Values {
	query := url.Values{}
	query.Set("encoding", c.encoding.Format.Name())
	query.Set("sample_rate", strconv.Itoa(c.encoding.SampleRate))
	query.Set("model", c.cfg.Voice)
	query.Set("container", "none")
	return query
}

// speak synthesizes text and delivers the audio as TTS data, followed by
// the end of speech once Deepgram has flushed everything.
func (s *session) speak(ctx context.Context, text string) error {
	ctx, span := tracer.Start(ctx, "speak")
	defer span.End()
	span.SetAttributes(attribute.Int("request.text_length", len(text)))

	conn, err := s.client.dial(ctx, s.client.cfg.SpeakURL, s.client.speakQuery(), "token")
	if err != nil {
		return err
	}
	defer conn.Close()
	defer closeOnDone(ctx, conn)()

	send := func(msg controlMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(s.client.writeTimeout))
		return conn.WriteJSON(msg)
	}
	if err := send(controlMessage{Type: speakMessage, Text: text}); err != nil {
		return fmt.Errorf("%w: failed to speak deepgram text: %v", engine.ErrTransport, err)
	}
	if err := send(controlMessage{Type: flushMessage}); err != nil {
		return fmt.Errorf("%w: failed to flush deepgram buffer: %v", engine.ErrTransport, err)
	}

	audioBytes := 0
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: reading deepgram speech: %v", engine.ErrTransport, err)
		}

		switch msgType {
		case websocket.BinaryMessage:
			audioBytes += len(msg)
			s.deliver(engine.ClientEvent{Kind: engine.ClientTtsData, Data: msg})

		case websocket.TextMessage:
			var parsedMsg controlMessage
			if err := json.Unmarshal(msg, &parsedMsg); err != nil {
				return fmt.Errorf("%w: failed to unmarshal deepgram message: %v", engine.ErrProtocol, err)
			}

			switch parsedMsg.Type {
			case flushedMessage:
				span.SetAttributes(attribute.Int("response.audio_bytes", audioBytes))
				s.deliver(engine.ClientEvent{Kind: engine.ClientTtsEnd})
				if err := send(controlMessage{Type: closeMessage}); err != nil {
					logger.Debug("failed to close deepgram speech", "request_id", s.req.RequestID, "error", err)
				}
				return nil
			case warningMessage:
				logger.Warn("deepgram speech warning", "request_id", s.req.RequestID, "message", string(msg))
			case "Error":
				var errMsg errorMessage
				_ = json.Unmarshal(msg, &errMsg)
				return fmt.Errorf("%w: deepgram error: %s %s", engine.ErrTransport, errMsg.Description, errMsg.Message)
			}
		}
	}
}
