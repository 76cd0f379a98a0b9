// Package nlp holds what speech clients need from a language model: turning
// one recognized utterance into a reply to speak and, optionally, media to
// play after it.
package nlp

import (
	"context"
	"encoding/json"
)

// Reply is the structured interpretation of one utterance.
type Reply struct {
	// Text is spoken back to the user. It may be empty when the intent is
	// fully served by media.
	Text string `json:"reply" jsonschema:"description=Short answer spoken back to the user"`
	// Intent names what the user asked for, e.g. "question" or "play_music".
	Intent string `json:"intent" jsonschema:"description=Short snake_case name of what the user wants"`
	// MediaURL is played after Text when the user asked for media.
	MediaURL string `json:"media_url" jsonschema:"description=URL of media to play after the reply or an empty string"`
}

// Marshal is the payload delivered to the engine as the NLP result.
func (r Reply) Marshal() []byte {
	out, _ := json.Marshal(r)
	return out
}

// Responder interprets a finished utterance.
type Responder interface {
	Respond(ctx context.Context, utterance string) (Reply, error)
}

// ResponderFunc adapts a plain function to [Responder].
type ResponderFunc func(ctx context.Context, utterance string) (Reply, error)

func (f ResponderFunc) Respond(ctx context.Context, utterance string) (Reply, error) {
	return f(ctx, utterance)
}
