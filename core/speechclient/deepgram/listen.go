package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	engine "github.com/koscakluka/voicelink/core"
	"go.opentelemetry.io/otel/attribute"
)

type controlMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type errorMessage struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func (c *Client) listenQuery() url.Values {
	query := url.Values{}
	query.Set("encoding", c.encoding.Format.Name())
	query.Set("sample_rate", strconv.Itoa(c.encoding.SampleRate))
	query.Set("channels", "1")
	query.Set("model", c.cfg.Model)
	query.Set("language", c.cfg.Language)
	query.Set("smart_format", "true")
	query.Set("interim_results", "true")
	query.Set("utterance_end_ms", strconv.Itoa(int(c.cfg.UtteranceEnd/time.Millisecond)))
	query.Set("endpointing", "300")
	query.Set("vad_events", "true")
	return query
}

// listen streams audio until the utterance ends and returns its transcript.
// Every final segment is delivered as it arrives.
func (s *session) listen(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "listen")
	defer span.End()

	conn, err := s.client.dial(ctx, s.client.cfg.ListenURL, s.client.listenQuery(), "Token")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	defer closeOnDone(ctx, conn)()

	var writeMu sync.Mutex
	write := func(msgType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(s.client.writeTimeout))
		return conn.WriteMessage(msgType, data)
	}

	if err := s.client.source.Start(ctx, func(audio []byte) {
		if err := write(websocket.BinaryMessage, audio); err != nil {
			logger.Debug("failed to write to deepgram", "request_id", s.req.RequestID, "error", err)
		}
	}); err != nil {
		return "", fmt.Errorf("%w: starting audio source: %v", engine.ErrTransport, err)
	}
	defer func() { _ = s.client.source.Stop() }()

	var (
		began    bool
		segments []string
	)
	begin := func() {
		if !began {
			began = true
			s.deliver(engine.ClientEvent{Kind: engine.ClientAsrBegin})
		}
	}

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return strings.Join(segments, " "), nil
			}
			return "", fmt.Errorf("%w: reading deepgram message: %v", engine.ErrTransport, err)
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var parsedMsg controlMessage
		if err := json.Unmarshal(msg, &parsedMsg); err != nil {
			return "", fmt.Errorf("%w: failed to unmarshal deepgram message: %v", engine.ErrProtocol, err)
		}

		ended := false
		switch api.TypeResponse(parsedMsg.Type) {
		case api.TypeSpeechStartedResponse:
			begin()

		case api.TypeMessageResponse:
			var msgResp api.MessageResponse
			if err := json.Unmarshal(msg, &msgResp); err != nil {
				return "", fmt.Errorf("%w: failed to unmarshal deepgram results: %v", engine.ErrProtocol, err)
			}
			if !msgResp.IsFinal || len(msgResp.Channel.Alternatives) == 0 {
				continue
			}
			if transcript := strings.TrimSpace(msgResp.Channel.Alternatives[0].Transcript); transcript != "" {
				begin()
				segments = append(segments, transcript)
				s.deliver(engine.ClientEvent{Kind: engine.ClientAsrResult, Text: transcript})
			}
			ended = msgResp.SpeechFinal && len(segments) > 0

		case api.TypeUtteranceEndResponse:
			ended = len(segments) > 0

		case "Error":
			var errMsg errorMessage
			_ = json.Unmarshal(msg, &errMsg)
			return "", fmt.Errorf("%w: deepgram error: %s %s", engine.ErrTransport, errMsg.Description, errMsg.Message)
		}

		if ended {
			span.SetAttributes(attribute.Int("response.segments", len(segments)))
			if err := write(websocket.TextMessage, mustMarshal(controlMessage{Type: string(api.TypeCloseStreamResponse)})); err != nil {
				logger.Debug("failed to close deepgram stream", "request_id", s.req.RequestID, "error", err)
			}
			return strings.Join(segments, " "), nil
		}
	}
}

func mustMarshal(v any) []byte {
	out, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return out
}
