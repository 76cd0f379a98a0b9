package groq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	engine "github.com/koscakluka/voicelink/core"
	"github.com/koscakluka/voicelink/core/nlp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultURL   = "https://api.groq.com/openai/v1/chat/completions"
	DefaultModel = "openai/gpt-oss-20b"

	DefaultInstructions = "You are the voice assistant of a smart speaker. " +
		"Answer in one or two short spoken sentences. " +
		"When the user asks for music or a video, set media_url if you know a direct URL."

	// DefaultHistory is how many previous exchanges are sent as context.
	DefaultHistory = 4
)

// Responder asks a Groq hosted model for a structured [nlp.Reply].
type Responder struct {
	apiKey       string
	url          string
	model        string
	instructions string
	historySize  int
	client       *http.Client

	schema jsonschema.Schema

	mu      sync.Mutex
	history []message
}

type Option func(*Responder)

func WithModel(model string) Option {
	return func(r *Responder) {
		if model != "" {
			r.model = model
		}
	}
}

func WithInstructions(instructions string) Option {
	return func(r *Responder) { r.instructions = instructions }
}

// WithURL points the responder at another OpenAI compatible endpoint.
func WithURL(url string) Option {
	return func(r *Responder) {
		if url != "" {
			r.url = url
		}
	}
}

// WithHistory sets how many previous exchanges are kept. Zero disables
// history.
func WithHistory(exchanges int) Option {
	return func(r *Responder) {
		if exchanges >= 0 {
			r.historySize = exchanges
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(r *Responder) {
		if client != nil {
			r.client = client
		}
	}
}

func New(apiKey string, opts ...Option) (*Responder, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: groq api key is required", engine.ErrConfig)
	}

	r := &Responder{
		apiKey:       apiKey,
		url:          DefaultURL,
		model:        DefaultModel,
		instructions: DefaultInstructions,
		historySize:  DefaultHistory,
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
				return operationName + " " + request.URL.Path
			}),
		)},
	}
	for _, opt := range opts {
		opt(r)
	}

	reflector := jsonschema.Reflector{DoNotReference: true}
	r.schema = *reflector.Reflect(&nlp.Reply{})
	return r, nil
}

func (r *Responder) Respond(ctx context.Context, utterance string) (nlp.Reply, error) {
	ctx, span := tracer.Start(ctx, "respond to utterance")
	defer span.End()
	span.SetAttributes(attribute.String("request.model", r.model))

	reply, err := r.prompt(ctx, utterance)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nlp.Reply{}, err
	}

	span.SetAttributes(
		attribute.String("response.intent", reply.Intent),
		attribute.Bool("response.has_media", reply.MediaURL != ""),
	)
	r.remember(utterance, reply)
	return reply, nil
}

func (r *Responder) prompt(ctx context.Context, utterance string) (nlp.Reply, error) {
	reqBody := schemaRequestBody{
		Model:    r.model,
		Messages: r.messages(utterance),
		ResponseFormat: &chatResponseFormat{
			Type: "json_schema",
			JSONSchema: &jsonSchema{
				Name:   "Reply",
				Schema: r.schema,
				Strict: true,
			},
		},
	}

	requestBodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nlp.Reply{}, fmt.Errorf("error marshalling JSON: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewBuffer(requestBodyBytes))
	if err != nil {
		return nlp.Reply{}, fmt.Errorf("%w: error creating HTTP request: %v", engine.ErrConfig, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return nlp.Reply{}, fmt.Errorf("%w: error sending request: %v", engine.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		logger.Debug("groq request failed", "status", resp.Status, "body", string(errorBody))

		sentinel := engine.ErrTransport
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			sentinel = engine.ErrAuth
		}
		return nlp.Reply{}, fmt.Errorf("%w: non-OK HTTP status: %s", sentinel, resp.Status)
	}

	var responseBody schemaResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&responseBody); err != nil {
		return nlp.Reply{}, fmt.Errorf("%w: error decoding response body: %v", engine.ErrProtocol, err)
	}
	if len(responseBody.Choices) == 0 {
		return nlp.Reply{}, fmt.Errorf("%w: response without choices", engine.ErrProtocol)
	}

	content := responseBody.Choices[0].Message.Content
	if split := strings.Split(content, "```"); len(split) > 1 {
		content = strings.TrimPrefix(split[1], "json")
	}

	var reply nlp.Reply
	if err := json.Unmarshal([]byte(content), &reply); err != nil {
		return nlp.Reply{}, fmt.Errorf("%w: error unmarshalling reply: %v", engine.ErrProtocol, err)
	}
	return reply, nil
}

func (r *Responder) messages(utterance string) []message {
	r.mu.Lock()
	defer r.mu.Unlock()

	messages := make([]message, 0, len(r.history)+2)
	if r.instructions != "" {
		messages = append(messages, message{Role: messageRoleSystem, Content: r.instructions})
	}
	messages = append(messages, r.history...)
	return append(messages, message{Role: messageRoleUser, Content: utterance})
}

func (r *Responder) remember(utterance string, reply nlp.Reply) {
	if r.historySize == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history,
		message{Role: messageRoleUser, Content: utterance},
		message{Role: messageRoleAssistant, Content: string(reply.Marshal())},
	)
	if excess := len(r.history) - 2*r.historySize; excess > 0 {
		r.history = r.history[excess:]
	}
}
