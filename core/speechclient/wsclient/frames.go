package wsclient

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Frame types exchanged with the speech service as JSON text messages. TTS
// audio travels as binary messages and upstream microphone audio likewise.
const (
	FrameStart     = "start"
	FrameCancel    = "cancel"
	FrameAsrBegin  = "asr.begin"
	FrameAsrResult = "asr.result"
	FrameNlpResult = "nlp.result"
	FrameExtern    = "extern"
	FrameTtsEnd    = "tts.end"
	FrameMedia     = "media"
	FrameError     = "error"
	FrameEnd       = "end"
)

// Error codes carried by error frames.
const (
	CodeAuth     = "auth"
	CodeProtocol = "protocol"
	CodeTimeout  = "timeout"
)

type Frame struct {
	Type string `json:"type" jsonschema:"enum=start,enum=cancel,enum=asr.begin,enum=asr.result,enum=nlp.result,enum=extern,enum=tts.end,enum=media,enum=error,enum=end"`

	TurnID    string `json:"turn_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	// Methods is only sent in start frames.
	Methods []string `json:"methods,omitempty"`
	Restart bool     `json:"restart,omitempty"`

	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	// Data is base64 encoded on the wire.
	Data []byte `json:"data,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// FrameSchema returns the JSON schema of [Frame], for server implementers.
func FrameSchema() ([]byte, error) {
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(&Frame{})
	schema.Title = "voicelink session frame"

	out, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("error marshalling frame schema: %w", err)
	}
	return out, nil
}
