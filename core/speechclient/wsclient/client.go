package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	engine "github.com/koscakluka/voicelink/core"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const DefaultPath = "/v1/session"

// TokenSource returns the credential sent with every session. Generating it
// is up to the host.
type TokenSource func(ctx context.Context) (string, error)

// Deliverer receives everything the client reads from the speech service.
// [engine.Engine] implements it.
type Deliverer interface {
	Deliver(engine.ClientEvent) error
}

// AudioSource streams microphone audio upstream while a session is open.
type AudioSource interface {
	Start(ctx context.Context, onAudio func(audio []byte)) error
	Stop() error
}

type Config struct {
	Transport engine.Transport
	Host      string
	Port      int
	Path      string
	DeviceID  string
}

// Client is an engine session client speaking JSON frames over a websocket.
// Every SessionRequest gets its own connection.
type Client struct {
	cfg    Config
	tokens TokenSource
	audio  AudioSource
	dialer *websocket.Dialer

	writeTimeout time.Duration

	mu        sync.Mutex
	deliverer Deliverer
	sessions  map[string]*session
}

type Option func(*Client)

func WithTokenSource(tokens TokenSource) Option {
	return func(c *Client) { c.tokens = tokens }
}

func WithAudioSource(source AudioSource) Option {
	return func(c *Client) { c.audio = source }
}

func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *Client) {
		if dialer != nil {
			c.dialer = dialer
		}
	}
}

func WithWriteTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.writeTimeout = timeout
		}
	}
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("%w: websocket host is required", engine.ErrConfig)
	}
	if cfg.Port == 0 {
		cfg.Port = cfg.Transport.DefaultPort()
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}

	c := &Client{
		cfg:          cfg,
		dialer:       websocket.DefaultDialer,
		writeTimeout: 5 * time.Second,
		sessions:     map[string]*session{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Attach sets where events read from the service go. It must be called
// before the first Open.
func (c *Client) Attach(deliverer Deliverer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliverer = deliverer
}

// SessionURL is the address dialed for req.
func (c *Client) SessionURL(req engine.SessionRequest) string {
	scheme := "wss"
	if c.cfg.Transport == engine.TransportTCP {
		scheme = "ws"
	}

	query := url.Values{}
	query.Set("sn", req.TurnID)
	query.Set("methods", strconv.Itoa(int(req.Methods)))
	if c.cfg.DeviceID != "" {
		query.Set("device", c.cfg.DeviceID)
	}

	return (&url.URL{
		Scheme:   scheme,
		Host:     net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port)),
		Path:     c.cfg.Path,
		RawQuery: query.Encode(),
	}).String()
}

// Open starts the session in the background and returns immediately.
// Failures are delivered as [engine.ClientAsrError] events.
func (c *Client) Open(ctx context.Context, req engine.SessionRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deliverer == nil {
		return fmt.Errorf("%w: websocket client is not attached to an engine", engine.ErrConfig)
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

// Cancel tells the service to stop the request and closes its connection.
// Unknown request ids are ignored.
func (c *Client) Cancel(_ context.Context, requestID string) error {
	c.mu.Lock()
	s, ok := c.sessions[requestID]
	delete(c.sessions, requestID)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return s.stop(true)
}

// Close cancels every open session.
func (c *Client) Close() error {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = map[string]*session{}
	c.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.stop(true); err != nil {
			errs = append(errs, err)
		}
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

type session struct {
	client    *Client
	req       engine.SessionRequest
	deliverer Deliverer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	connMu sync.Mutex
	conn   *websocket.Conn
}

func (s *session) run() {
	defer close(s.done)
	defer s.client.forget(s)
	defer s.cancel()

	ctx, span := tracer.Start(s.ctx, "speech session")
	defer span.End()
	span.SetAttributes(
		attribute.String("voicelink.turn_id", s.req.TurnID),
		attribute.String("voicelink.request_id", s.req.RequestID),
		attribute.Bool("voicelink.restart", s.req.Restart),
	)

	conn, err := s.dial(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.fail(err)
		return
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer conn.Close()

	// Unblocks the read loop once the session is cancelled.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	if err := s.writeJSON(Frame{
		Type:      FrameStart,
		TurnID:    s.req.TurnID,
		RequestID: s.req.RequestID,
		Methods:   methodNames(s.req.Methods),
		Restart:   s.req.Restart,
	}); err != nil {
		s.fail(fmt.Errorf("%w: sending start frame: %v", engine.ErrTransport, err))
		return
	}

	if source := s.client.audio; source != nil {
		if err := source.Start(ctx, s.sendAudio); err != nil {
			logger.Warn("failed to start upstream audio", "request_id", s.req.RequestID, "error", err)
		} else {
			defer func() { _ = source.Stop() }()
		}
	}

	if err := s.readLoop(conn); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.fail(err)
	}
}

func (s *session) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if s.client.tokens != nil {
		token, err := s.client.tokens(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: fetching session token: %v", engine.ErrAuth, err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	sessionURL := s.client.SessionURL(s.req)
	conn, resp, err := s.client.dialer.DialContext(ctx, sessionURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: speech service rejected credentials: %s", engine.ErrAuth, resp.Status)
		}
		return nil, fmt.Errorf("%w: dialing %s: %v", engine.ErrTransport, sessionURL, err)
	}
	return conn, nil
}

// readLoop translates frames until the service ends the session or the
// connection fails. A nil error means the session ended normally or was
// cancelled.
func (s *session) readLoop(conn *websocket.Conn) error {
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("%w: reading session frame: %v", engine.ErrTransport, err)
		}

		if msgType == websocket.BinaryMessage {
			s.deliver(engine.ClientEvent{Kind: engine.ClientTtsData, Data: msg})
			continue
		}

		var frame Frame
		if err := json.Unmarshal(msg, &frame); err != nil {
			return fmt.Errorf("%w: decoding session frame: %v", engine.ErrProtocol, err)
		}

		event, ok, err := translate(frame)
		if err != nil {
			return err
		}
		if !ok {
			logger.Debug("ignoring session frame", "type", frame.Type)
			continue
		}

		s.deliver(event)
		if frame.Type == FrameEnd {
			return nil
		}
	}
}

func translate(frame Frame) (engine.ClientEvent, bool, error) {
	switch frame.Type {
	case FrameAsrBegin:
		return engine.ClientEvent{Kind: engine.ClientAsrBegin}, true, nil
	case FrameAsrResult:
		return engine.ClientEvent{Kind: engine.ClientAsrResult, Text: frame.Text}, true, nil
	case FrameNlpResult:
		return engine.ClientEvent{Kind: engine.ClientNlpResult, Text: frame.Text}, true, nil
	case FrameExtern:
		return engine.ClientEvent{Kind: engine.ClientExternData, Data: frame.Data}, true, nil
	case FrameTtsEnd:
		return engine.ClientEvent{Kind: engine.ClientTtsEnd}, true, nil
	case FrameMedia:
		if frame.URL == "" {
			return engine.ClientEvent{}, false, fmt.Errorf("%w: media frame without url", engine.ErrProtocol)
		}
		return engine.ClientEvent{Kind: engine.ClientMediaURL, URL: frame.URL}, true, nil
	case FrameError:
		return engine.ClientEvent{Kind: engine.ClientAsrError, Err: frameError(frame)}, true, nil
	case FrameEnd:
		return engine.ClientEvent{Kind: engine.ClientAsrEnd}, true, nil
	case "":
		return engine.ClientEvent{}, false, fmt.Errorf("%w: frame without type", engine.ErrProtocol)
	}
	return engine.ClientEvent{}, false, nil
}

func frameError(frame Frame) error {
	sentinel := engine.ErrTransport
	switch frame.Code {
	case CodeAuth:
		sentinel = engine.ErrAuth
	case CodeProtocol:
		sentinel = engine.ErrProtocol
	case CodeTimeout:
		sentinel = engine.ErrTimeout
	}
	if frame.Message == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, frame.Message)
}

func (s *session) deliver(event engine.ClientEvent) {
	event.RequestID = s.req.RequestID
	if err := s.deliverer.Deliver(event); err != nil {
		logger.Warn("failed to deliver session event", "kind", event.Kind, "request_id", s.req.RequestID, "error", err)
	}
}

func (s *session) fail(err error) {
	if s.ctx.Err() != nil {
		return
	}
	s.deliver(engine.ClientEvent{Kind: engine.ClientAsrError, Err: err})
}

func (s *session) sendAudio(audio []byte) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.client.writeTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		logger.Debug("failed to send upstream audio", "request_id", s.req.RequestID, "error", err)
	}
}

func (s *session) writeJSON(frame Frame) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("connection not open")
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.client.writeTimeout))
	return s.conn.WriteJSON(frame)
}

// stop cancels the session. With notify set the service is told first.
func (s *session) stop(notify bool) error {
	var err error
	if notify {
		if writeErr := s.writeJSON(Frame{Type: FrameCancel, RequestID: s.req.RequestID}); writeErr != nil {
			s.connMu.Lock()
			opened := s.conn != nil
			s.connMu.Unlock()
			if opened {
				err = fmt.Errorf("%w: sending cancel frame: %v", engine.ErrTransport, writeErr)
			}
		}
	}

	s.cancel()
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.connMu.Unlock()
	return err
}

func methodNames(methods engine.Method) []string {
	if methods == 0 {
		return nil
	}
	return strings.Split(methods.String(), "|")
}
