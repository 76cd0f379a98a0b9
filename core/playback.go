package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// PlaybackState is the arbiter's view of the audio output.
type PlaybackState int

const (
	PlaybackIdle PlaybackState = iota
	PlaybackTtsPlaying
	PlaybackTtsPlayed
	PlaybackUrlPlaying
	PlaybackUrlPlayed
)

func (s PlaybackState) String() string {
	switch s {
	case PlaybackIdle:
		return "idle"
	case PlaybackTtsPlaying:
		return "tts_playing"
	case PlaybackTtsPlayed:
		return "tts_played"
	case PlaybackUrlPlaying:
		return "url_playing"
	case PlaybackUrlPlayed:
		return "url_played"
	}
	return fmt.Sprintf("playback(%d)", int(s))
}

type IntentKind int

const (
	IntentBluetooth IntentKind = iota + 1
	IntentTone
	IntentHTTP
)

func (k IntentKind) String() string {
	switch k {
	case IntentBluetooth:
		return "bluetooth"
	case IntentTone:
		return "tone"
	case IntentHTTP:
		return "http"
	}
	return fmt.Sprintf("intent(%d)", int(k))
}

// Intent is a pending request for the audio output that does not come from
// the current turn's speech.
type Intent struct {
	Kind IntentKind
	URL  string
}

type arbiterConfig struct {
	output       *audioOutput
	fetcher      MediaFetcher
	resolver     MediaResolver
	player       LocalPlayer
	clock        Clock
	grace        time.Duration
	chunkSize    int
	capacity     int
	retryBackoff time.Duration
	logger       *slog.Logger

	// post enqueues a message from a background goroutine, retrying while the
	// queue is full until ctx is done.
	post         func(ctx context.Context, msg message, data []byte) bool
	onError      func(error)
	onTransition func(from, to PlaybackState)
}

// arbiter decides what owns the audio output: turn speech first, then at
// most one follow-up media stream. It runs on the dispatcher goroutine only;
// the goroutines it starts report back through post.
type arbiter struct {
	arbiterConfig

	state PlaybackState

	// waitQueue holds intents not yet resolved. urlQueue holds resolved media
	// URLs ready to stream after the current speech. deferred holds URLs
	// resolved between turns; they join the next turn.
	waitQueue []Intent
	urlQueue  []string
	deferred  []string

	turnEnded bool

	streamGeneration uint64
	streamCancel     context.CancelFunc

	// localCancel is set while a local intent plays; the next intent waits
	// for its msgLocalDone.
	localGeneration uint64
	localCancel     context.CancelFunc
	graceTimer       *oneShotTimer

	requestsCompleted int
	completionPending bool

	baseCtx context.Context
}

func newArbiter(ctx context.Context, cfg arbiterConfig) *arbiter {
	a := &arbiter{arbiterConfig: cfg, baseCtx: ctx, turnEnded: true}
	if a.capacity < 1 {
		a.capacity = DefaultIntentCapacity
	}
	if a.chunkSize < 1 {
		a.chunkSize = DefaultMediaChunkSize
	}
	if a.grace <= 0 {
		a.grace = DefaultPlaybackGrace
	}
	if a.retryBackoff <= 0 {
		a.retryBackoff = 5 * time.Millisecond
	}
	a.graceTimer = newOneShotTimer(cfg.clock, func(generation uint64) {
		a.post(ctx, message{kind: msgPlaybackGraceExpired, generation: generation}, nil)
	})
	return a
}

func (a *arbiter) setState(to PlaybackState) {
	from := a.state
	if from == to {
		return
	}
	a.state = to
	a.logger.Debug("playback state changed", "from", from, "to", to)
	if a.onTransition != nil {
		a.onTransition(from, to)
	}
}

// startTurn prepares for a new wake. Media queued for the previous turn is
// dropped and anything but turn speech is interrupted.
func (a *arbiter) startTurn() {
	a.turnEnded = false
	if a.state != PlaybackIdle && a.state != PlaybackTtsPlaying {
		a.bargeIn()
	}
	a.urlQueue, a.deferred = a.deferred, nil
}

// ttsChunk plays a chunk of turn speech. Speech always wins the output.
func (a *arbiter) ttsChunk(audio []byte) {
	switch a.state {
	case PlaybackIdle:
		a.stopLocal()
		a.setState(PlaybackTtsPlaying)
	case PlaybackTtsPlaying:
	default:
		a.bargeIn()
	}
	a.output.Write(audio)
}

// bargeIn discards in-flight and queued media and hands the output back to
// speech.
func (a *arbiter) bargeIn() {
	a.stopStream()
	a.urlQueue = nil
	a.stopLocal()
	a.graceTimer.disarm()
	a.output.Clear()
	a.setState(PlaybackTtsPlaying)
}

func (a *arbiter) ttsEnded() {
	if a.state != PlaybackTtsPlaying {
		return
	}
	a.setState(PlaybackTtsPlayed)
	a.advance()
}

// endTurn records that the speech service will send nothing more for this
// turn. Speech still playing is treated as complete.
func (a *arbiter) endTurn() {
	a.turnEnded = true
	switch a.state {
	case PlaybackTtsPlaying:
		a.setState(PlaybackTtsPlayed)
		a.advance()
	case PlaybackTtsPlayed:
		a.advance()
	case PlaybackIdle:
		if len(a.urlQueue) > 0 {
			a.logger.Debug("dropping media without turn speech", "urls", len(a.urlQueue))
			a.urlQueue = nil
		}
	}
}

// mediaResolved takes a URL resolved from a play intent. Outside a turn it
// waits for the next one.
func (a *arbiter) mediaResolved(url string) {
	if !a.turnEnded {
		a.queueURL(url)
		return
	}
	if url == "" || len(a.deferred) >= a.capacity {
		a.logger.Warn("dropping resolved media", "url", url)
		return
	}
	a.deferred = append(a.deferred, url)
}

func (a *arbiter) queueURL(url string) {
	if url == "" {
		return
	}
	if len(a.urlQueue) >= a.capacity {
		a.logger.Warn("media queue full, dropping url", "url", url)
		return
	}
	a.urlQueue = append(a.urlQueue, url)
	a.advance()
}

// advance moves out of the post-speech grace state when possible.
func (a *arbiter) advance() {
	if a.state != PlaybackTtsPlayed {
		return
	}

	if len(a.urlQueue) > 0 {
		url := a.urlQueue[0]
		a.urlQueue = a.urlQueue[1:]
		a.startStream(url)
		return
	}

	if a.turnEnded {
		a.finish()
		return
	}

	if !a.graceTimer.armed() {
		a.graceTimer.arm(a.grace)
	}
}

func (a *arbiter) graceExpired(generation uint64) {
	if !a.graceTimer.isCurrent(generation) || a.state != PlaybackTtsPlayed || len(a.urlQueue) > 0 {
		return
	}
	a.finish()
}

func (a *arbiter) startStream(url string) {
	a.graceTimer.disarm()
	a.stopStream()

	a.streamGeneration++
	generation := a.streamGeneration
	ctx, cancel := context.WithCancel(a.baseCtx)
	a.streamCancel = cancel

	a.setState(PlaybackUrlPlaying)
	go a.stream(ctx, generation, url)
}

// stream reads the media in chunks and posts each one, so barge-in stays
// observable between chunks.
func (a *arbiter) stream(ctx context.Context, generation uint64, url string) {
	done := func(err error) {
		a.post(ctx, message{kind: msgMediaDone, generation: generation, err: err}, nil)
	}

	if a.fetcher == nil {
		done(fmt.Errorf("%w: no media fetcher configured", ErrConfig))
		return
	}

	body, err := a.fetcher.Fetch(ctx, url)
	if err != nil {
		done(fmt.Errorf("fetching media %q: %w", url, err))
		return
	}
	defer body.Close()

	buf := make([]byte, a.chunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if ok := a.post(ctx, message{kind: msgMediaChunk, generation: generation}, buf[:n]); !ok {
				return
			}
		}
		if errors.Is(err, io.EOF) {
			done(nil)
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			done(fmt.Errorf("%w: reading media %q: %v", ErrTransport, url, err))
			return
		}
	}
}

func (a *arbiter) mediaChunk(generation uint64, audio []byte) {
	if a.state != PlaybackUrlPlaying || generation != a.streamGeneration {
		return
	}
	a.output.Write(audio)
}

func (a *arbiter) mediaDone(generation uint64, err error) {
	if a.state != PlaybackUrlPlaying || generation != a.streamGeneration {
		return
	}

	a.stopStream()
	a.setState(PlaybackUrlPlayed)
	if err != nil {
		a.onError(err)
	}
	a.finish()
}

// finish ends the request: speech and any follow-up media are done.
func (a *arbiter) finish() {
	a.graceTimer.disarm()
	if len(a.urlQueue) > 0 {
		a.logger.Debug("dropping media left after request", "urls", len(a.urlQueue))
		a.urlQueue = nil
	}
	a.setState(PlaybackIdle)
	a.requestsCompleted++
	a.completionPending = true
	a.serveIntents()
}

// takeCompletion reports a finished request once.
func (a *arbiter) takeCompletion() bool {
	pending := a.completionPending
	a.completionPending = false
	return pending
}

// forceIdle drops every stream and queue without completing the request.
func (a *arbiter) forceIdle() {
	a.stopStream()
	a.stopLocal()
	a.graceTimer.disarm()
	a.urlQueue = nil
	a.deferred = nil
	a.waitQueue = nil
	a.turnEnded = true
	a.output.Clear()
	a.setState(PlaybackIdle)
}

func (a *arbiter) stopStream() {
	if a.streamCancel != nil {
		a.streamCancel()
		a.streamCancel = nil
	}
	a.streamGeneration++
}

func (a *arbiter) stopLocal() {
	if a.localCancel != nil {
		a.localCancel()
		a.localCancel = nil
	}
	a.localGeneration++
}

func (a *arbiter) queueIntent(intent Intent) {
	if len(a.waitQueue) >= a.capacity {
		a.onError(fmt.Errorf("%w: playback intent %s dropped", ErrQueueFull, intent.Kind))
		return
	}
	a.waitQueue = append(a.waitQueue, intent)
	a.serveIntents()
}

// serveIntents starts waiting intents while the output is idle and no local
// intent is playing. Resolution and local playback run off the dispatcher.
func (a *arbiter) serveIntents() {
	for a.state == PlaybackIdle && a.localCancel == nil && len(a.waitQueue) > 0 {
		intent := a.waitQueue[0]
		a.waitQueue = a.waitQueue[1:]

		switch intent.Kind {
		case IntentHTTP:
			go a.resolve(intent)
		default:
			a.playLocal(intent)
		}
	}
}

func (a *arbiter) resolve(intent Intent) {
	url, err := a.resolver.Resolve(a.baseCtx, intent.URL)
	if err != nil {
		err = fmt.Errorf("resolving media %q: %w", intent.URL, err)
	}
	a.post(a.baseCtx, message{kind: msgMediaResolved, text: url, err: err}, nil)
}

func (a *arbiter) playLocal(intent Intent) {
	if a.player == nil {
		a.logger.Warn("no local player configured, dropping intent", "intent", intent.Kind)
		return
	}

	a.stopLocal()
	generation := a.localGeneration
	ctx, cancel := context.WithCancel(a.baseCtx)
	a.localCancel = cancel
	go func() {
		if err := a.player.Play(ctx, intent); err != nil && ctx.Err() == nil {
			a.logger.Warn("local playback failed", "intent", intent.Kind, "error", err)
		}
		a.post(a.baseCtx, message{kind: msgLocalDone, generation: generation}, nil)
	}()
}

// localDone frees the output for the next waiting intent.
func (a *arbiter) localDone(generation uint64) {
	if a.localCancel == nil || generation != a.localGeneration {
		return
	}
	a.localCancel()
	a.localCancel = nil
	a.serveIntents()
}
