package deepgram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	engine "github.com/koscakluka/voicelink/core"
	"github.com/koscakluka/voicelink/core/audio"
	"github.com/koscakluka/voicelink/core/nlp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultListenURL = "wss://api.deepgram.com/v1/listen"
	DefaultSpeakURL  = "wss://api.deepgram.com/v1/speak"
	DefaultModel     = "nova-3"
	DefaultLanguage  = "en-US"
	DefaultVoice     = "aura-2-thalia-en"

	DefaultUtteranceEnd = time.Second
)

// Deliverer receives the events of every session. [engine.Engine]
// implements it.
type Deliverer interface {
	Deliver(engine.ClientEvent) error
}

// AudioSource streams microphone audio while a session listens.
type AudioSource interface {
	Start(ctx context.Context, onAudio func(audio []byte)) error
	Stop() error
}

type Config struct {
	APIKey string

	ListenURL string
	SpeakURL  string
	Model     string
	Language  string
	Voice     string

	// Format is used for both the microphone audio and the synthesized reply.
	Format       audio.Format
	UtteranceEnd time.Duration
}

// Client is an engine session client built from Deepgram's streaming
// recognition and synthesis. A session listens until the utterance ends,
// asks the responder for a reply, speaks it and ends.
type Client struct {
	cfg       Config
	encoding  encodingInfo
	source    AudioSource
	responder nlp.Responder
	dialer    *websocket.Dialer

	writeTimeout time.Duration

	mu        sync.Mutex
	deliverer Deliverer
	sessions  map[string]*session
}

type Option func(*Client)

// WithResponder sets who turns the utterance into a reply. Without one the
// session ends after recognition.
func WithResponder(responder nlp.Responder) Option {
	return func(c *Client) { c.responder = responder }
}

func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *Client) {
		if dialer != nil {
			c.dialer = dialer
		}
	}
}

func New(cfg Config, source AudioSource, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: deepgram api key is required", engine.ErrConfig)
	}
	if source == nil {
		return nil, fmt.Errorf("%w: deepgram sessions need an audio source", engine.ErrConfig)
	}
	if cfg.ListenURL == "" {
		cfg.ListenURL = DefaultListenURL
	}
	if cfg.SpeakURL == "" {
		cfg.SpeakURL = DefaultSpeakURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.Format.IsZero() {
		cfg.Format = audio.DefaultFormat()
	}
	if cfg.UtteranceEnd <= 0 {
		cfg.UtteranceEnd = DefaultUtteranceEnd
	}

	encoding, err := convertEncoding(cfg.Format)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:          cfg,
		encoding:     encoding,
		source:       source,
		dialer:       websocket.DefaultDialer,
		writeTimeout: 5 * time.Second,
		sessions:     map[string]*session{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Attach(deliverer Deliverer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliverer = deliverer
}

// Open starts the session in the background. Results and failures are
// delivered as client events.
func (c *Client) Open(ctx context.Context, req engine.SessionRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deliverer == nil {
		return fmt.Errorf("%w: deepgram client is not attached to an engine", engine.ErrConfig)
	}
	if _, ok := c.sessions[req.RequestID]; ok {
		return fmt.Errorf("%w: request %s already open", engine.ErrProtocol, req.RequestID)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		client:    c,
		req:       req,
		deliverer: c.deliverer,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.sessions[req.RequestID] = s

	go s.run()
	return nil
}

// Cancel stops the request. Nothing is delivered for it afterwards.
func (c *Client) Cancel(_ context.Context, requestID string) error {
	c.mu.Lock()
	s, ok := c.sessions[requestID]
	delete(c.sessions, requestID)
	c.mu.Unlock()

	if ok {
		s.cancel()
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = map[string]*session{}
	c.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		s.cancel()
	}
	for _, s := range sessions {
		select {
		case <-s.done:
		case <-time.After(c.writeTimeout):
			errs = append(errs, fmt.Errorf("%w: session %s did not stop", engine.ErrTimeout, s.req.RequestID))
		}
	}
	return errors.Join(errs...)
}

func (c *Client) forget(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[s.req.RequestID] == s {
		delete(c.sessions, s.req.RequestID)
	}
}

func (c *Client) dial(ctx context.Context, rawURL string, query url.Values, authScheme string) (*websocket.Conn, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid deepgram url %q: %v", engine.ErrConfig, rawURL, err)
	}
	target.RawQuery = query.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, target.String(),
		http.Header{"Authorization": {authScheme + " " + c.cfg.APIKey}})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: deepgram rejected credentials: %s", engine.ErrAuth, resp.Status)
		}
		return nil, fmt.Errorf("%w: failed to open socket connection to deepgram: %v", engine.ErrTransport, err)
	}
	return conn, nil
}

type session struct {
	client    *Client
	req       engine.SessionRequest
	deliverer Deliverer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *session) run() {
	defer close(s.done)
	defer s.client.forget(s)
	defer s.cancel()

	ctx, span := tracer.Start(s.ctx, "deepgram session")
	defer span.End()
	span.SetAttributes(
		attribute.String("voicelink.turn_id", s.req.TurnID),
		attribute.String("voicelink.request_id", s.req.RequestID),
	)

	if err := s.converse(ctx); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.deliver(engine.ClientEvent{Kind: engine.ClientAsrError, Err: err})
	}
}

func (s *session) converse(ctx context.Context) error {
	utterance, err := s.listen(ctx)
	if err != nil {
		return err
	}
	if utterance == "" || s.client.responder == nil {
		s.deliver(engine.ClientEvent{Kind: engine.ClientAsrEnd})
		return nil
	}

	reply, err := s.client.responder.Respond(ctx, utterance)
	if err != nil {
		return fmt.Errorf("responding to utterance: %w", err)
	}
	s.deliver(engine.ClientEvent{Kind: engine.ClientNlpResult, Data: reply.Marshal()})

	if s.req.Methods.Has(engine.MethodTTS) && reply.Text != "" {
		if err := s.speak(ctx, reply.Text); err != nil {
			return err
		}
	}
	if reply.MediaURL != "" {
		s.deliver(engine.ClientEvent{Kind: engine.ClientMediaURL, URL: reply.MediaURL})
	}
	s.deliver(engine.ClientEvent{Kind: engine.ClientAsrEnd})
	return nil
}

func (s *session) deliver(event engine.ClientEvent) {
	if s.ctx.Err() != nil {
		return
	}
	event.RequestID = s.req.RequestID
	if err := s.deliverer.Deliver(event); err != nil {
		logger.Warn("failed to deliver session event", "kind", event.Kind, "request_id", s.req.RequestID, "error", err)
	}
}

// closeOnDone unblocks reads on conn once ctx is cancelled.
func closeOnDone(ctx context.Context, conn *websocket.Conn) func() {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()
	return func() { close(stop) }
}
