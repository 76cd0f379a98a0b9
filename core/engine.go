package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jinzhu/copier"
	"github.com/koscakluka/voicelink/core/events"
	"github.com/prometheus/client_golang/prometheus"
)

// Engine coordinates voice turns for one device: it owns the event queue,
// the dispatcher goroutine, the session state machine and the playback
// arbiter. All state changes happen on the dispatcher goroutine.
type Engine struct {
	cfg Config

	client     SessionClient
	publisher  Publisher
	subscriber Subscriber
	fetcher    MediaFetcher
	resolver   MediaResolver
	player     LocalPlayer
	sink       Sink
	clock      Clock
	registerer prometheus.Registerer

	responseDeadline time.Duration
	playbackGrace    time.Duration
	enqueueWait      time.Duration
	mediaChunkSize   int

	queue    *eventQueue
	payloads *payloadPool
	deadline *oneShotTimer
	session  sessionMachine
	arbiter  *arbiter
	output   *audioOutput

	connected   atomic.Bool
	restartUsed atomic.Bool
	movieURL    atomic.Pointer[string]
	status      atomic.Pointer[Status]

	unsubscribe func() error

	logger  *slog.Logger
	metrics *metrics

	baseCtx context.Context
	cancel  context.CancelFunc

	closing        chan struct{}
	dispatcherDone chan struct{}
	closeOnce      sync.Once
	closeReleased  atomic.Int64

	// manualDispatch leaves the dispatcher goroutine unstarted so tests can
	// step through messages with dispatchNext.
	manualDispatch bool
}

// Status is a point-in-time snapshot of the engine, safe to read from any
// goroutine.
type Status struct {
	Session           SessionState
	Playback          PlaybackState
	TurnOpen          bool
	TurnID            string
	RestartUsed       bool
	TimerArmed        bool
	RequestsCompleted int
	Connected         bool
	QueueLen          int
}

// New validates cfg, subscribes to the channel topic when a subscriber is
// configured and starts the dispatcher goroutine.
func New(cfg Config, opts ...Option) (*Engine, error) {
	var owned Config
	if err := copier.Copy(&owned, &cfg); err != nil {
		return nil, fmt.Errorf("%w: copying config: %v", ErrConfig, err)
	}
	if err := owned.normalize(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:              owned,
		client:           noopSessionClient{},
		resolver:         identityResolver{},
		clock:            realClock{},
		responseDeadline: DefaultResponseDeadline,
		playbackGrace:    DefaultPlaybackGrace,
		enqueueWait:      DefaultEnqueueWait,
		mediaChunkSize:   DefaultMediaChunkSize,
		logger:           logger,
		closing:          make(chan struct{}),
		dispatcherDone:   make(chan struct{}),
		session:          sessionMachine{state: StateLinkDisconnected},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = slog.New(newLevelHandler(e.logger.Handler(), owned.LogLevel.slogLevel()))

	m, err := newMetrics(e.registerer)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	e.metrics = m

	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	e.payloads = newPayloadPool(e.metrics.payloadsReleased.Inc)
	e.queue = newEventQueue(owned.QueueCapacity, e.payloads)
	e.deadline = newOneShotTimer(e.clock, func(generation uint64) {
		e.post(e.baseCtx, message{kind: msgDeadlineExpired, generation: generation}, nil)
	})
	e.output = newAudioOutput(e.sink, e.logger)
	e.arbiter = newArbiter(e.baseCtx, arbiterConfig{
		output:       e.output,
		fetcher:      e.fetcher,
		resolver:     e.resolver,
		player:       e.player,
		clock:        e.clock,
		grace:        e.playbackGrace,
		chunkSize:    e.mediaChunkSize,
		capacity:     DefaultIntentCapacity,
		logger:       e.logger,
		post:         e.post,
		onError:      e.surfaceError,
		onTransition: e.onPlaybackTransition,
	})

	if e.subscriber != nil && owned.SubscribeTopic != "" {
		unsubscribe, err := e.subscriber.Subscribe(e.baseCtx, owned.SubscribeTopic, e.receiveChannelData)
		if err != nil {
			e.cancel()
			return nil, fmt.Errorf("%w: subscribing to %q: %v", ErrTransport, owned.SubscribeTopic, err)
		}
		e.unsubscribe = unsubscribe
	}

	e.publishStatus()

	if !e.manualDispatch {
		go e.run()
	} else {
		close(e.dispatcherDone)
	}

	e.logger.Info("engine initialized",
		"host", owned.Host, "port", owned.Port,
		"transport", owned.Transport, "methods", owned.Methods,
		"queue_capacity", owned.QueueCapacity)

	return e, nil
}

func (e *Engine) UserData() any { return e.cfg.UserData }

// Config returns the normalized configuration the engine runs with.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Status() Status {
	status := *e.status.Load()
	status.Connected = e.connected.Load()
	status.QueueLen = e.queue.len()
	return status
}

// ReleasedOnClose reports how many queued payloads [Engine.Close] released.
func (e *Engine) ReleasedOnClose() int { return int(e.closeReleased.Load()) }

// WakeUp starts a new turn. A turn already in progress is superseded.
func (e *Engine) WakeUp() error {
	return e.enqueue(message{kind: msgWakeup}, nil)
}

// NetConnected must be called by the host once the network is up.
func (e *Engine) NetConnected() error {
	e.connected.Store(true)
	return e.enqueue(message{kind: msgLinkConnected}, nil)
}

// NetDisconnected must be called by the host when the network is lost. The
// current turn is abandoned and playback stops.
func (e *Engine) NetDisconnected() error {
	e.connected.Store(false)
	return e.enqueue(message{kind: msgLinkDisconnected}, nil)
}

// SetConnected only updates the connectivity flag consulted by
// [Engine.UploadChannelData].
func (e *Engine) SetConnected(connected bool) {
	e.connected.Store(connected)
}

func (e *Engine) IsConnected() bool { return e.connected.Load() }

// SetMovieURL sets the media played by the next [Engine.HTTPPlay].
func (e *Engine) SetMovieURL(url string) {
	e.movieURL.Store(&url)
}

func (e *Engine) BluetoothPlay() error {
	return e.enqueue(message{kind: msgPlayIntent, intent: Intent{Kind: IntentBluetooth}}, nil)
}

func (e *Engine) TonePlay() error {
	return e.enqueue(message{kind: msgPlayIntent, intent: Intent{Kind: IntentTone}}, nil)
}

// HTTPPlay queues the movie URL for playback after the next turn speech.
func (e *Engine) HTTPPlay() error {
	url := e.movieURL.Load()
	if url == nil || *url == "" {
		return fmt.Errorf("%w: no movie url set", ErrConfig)
	}
	return e.enqueue(message{kind: msgPlayIntent, intent: Intent{Kind: IntentHTTP, URL: *url}}, nil)
}

// enqueue is used by every producer that can take an error back.
func (e *Engine) enqueue(msg message, data []byte) error {
	err := e.queue.enqueue(msg, data, e.enqueueWait)
	switch {
	case err == nil:
		e.metrics.eventsEnqueued.WithLabelValues(msg.kind.String()).Inc()
		e.metrics.queueDepth.Set(float64(e.queue.len()))
	case errors.Is(err, ErrQueueFull):
		e.metrics.queueFull.Inc()
		e.logger.Warn("event queue full", "kind", msg.kind, "capacity", e.queue.capacity())
		return fmt.Errorf("enqueueing %s: %w", msg.kind, err)
	default:
		return fmt.Errorf("enqueueing %s: %w", msg.kind, err)
	}
	return nil
}

// post is used by internal producers that have nobody to return an error to:
// timers and media goroutines. It retries while the queue is full until ctx
// is done or the engine closes.
func (e *Engine) post(ctx context.Context, msg message, data []byte) bool {
	for {
		err := e.enqueue(msg, data)
		if err == nil {
			return true
		}
		if !errors.Is(err, ErrQueueFull) {
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-e.closing:
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// emit delivers a public event on the dispatcher goroutine.
func (e *Engine) emit(id events.ID, payload []byte, err error) {
	handler := e.cfg.EventHandler
	if handler == nil {
		return
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			e.logger.Error("event handler panicked", "event", id, "panic", recovered)
		}
	}()

	if handlerErr := handler(events.New(id, e, payload, err)); handlerErr != nil {
		e.logger.Warn("event handler failed", "event", id, "error", handlerErr)
	}
}

// surfaceError reports a failure outside the session lifecycle, like a
// media stream error.
func (e *Engine) surfaceError(err error) {
	e.logger.Warn("playback error", "error", err, "class", errorClass(err))
	e.recordTurnError(err)
	e.emit(events.Error, []byte(err.Error()), err)
}

func (e *Engine) publishStatus() {
	e.status.Store(&Status{
		Session:           e.session.state,
		Playback:          e.arbiter.state,
		TurnOpen:          e.session.turnOpen,
		TurnID:            e.session.turnID,
		RestartUsed:       e.restartUsed.Load(),
		TimerArmed:        e.deadline.armed(),
		RequestsCompleted: e.arbiter.requestsCompleted,
	})
}

// Close stops the dispatcher, disarms the timer, forces playback idle and
// releases every queued payload. Collaborator failures are returned joined
// but never stop the cleanup. Close may be called mid-turn and more than
// once.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() { err = e.close(ctx) })
	return err
}

func (e *Engine) close(ctx context.Context) error {
	var errs []error

	close(e.closing)
	e.deadline.disarm()

	dispatcherStopped := true
	select {
	case <-e.dispatcherDone:
	case <-ctx.Done():
		dispatcherStopped = false
		errs = append(errs, fmt.Errorf("waiting for dispatcher: %w", ctx.Err()))
	}

	if dispatcherStopped {
		e.arbiter.forceIdle()
		if e.session.turnOpen {
			if err := e.endTurn("closed"); err != nil {
				errs = append(errs, err)
			}
		}
	}
	e.cancel()

	released := e.queue.drain()
	e.closeReleased.Add(int64(released))

	if e.unsubscribe != nil {
		if err := e.unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribing from %q: %w", e.cfg.SubscribeTopic, err))
		}
	}

	e.deadline.disarm()
	if dispatcherStopped {
		e.publishStatus()
	}

	e.logger.Info("engine closed", "released_payloads", e.closeReleased.Load())
	return errors.Join(errs...)
}
