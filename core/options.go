package engine

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Option func(*Engine)

func WithSessionClient(client SessionClient) Option {
	return func(e *Engine) {
		if client != nil {
			e.client = client
		}
	}
}

// WithPublisher sets the outbound half of the channel data gateway.
func WithPublisher(publisher Publisher) Option {
	return func(e *Engine) { e.publisher = publisher }
}

// WithSubscriber sets the inbound half of the channel data gateway. The
// subscription is made on the configured subscribe topic during [New].
func WithSubscriber(subscriber Subscriber) Option {
	return func(e *Engine) { e.subscriber = subscriber }
}

func WithMediaFetcher(fetcher MediaFetcher) Option {
	return func(e *Engine) { e.fetcher = fetcher }
}

func WithMediaResolver(resolver MediaResolver) Option {
	return func(e *Engine) {
		if resolver != nil {
			e.resolver = resolver
		}
	}
}

// WithSink sets the audio output owned by the playback arbiter. Nil and
// typed-nil sinks are treated as unconfigured and audio is dropped.
func WithSink(sink Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

func WithLocalPlayer(player LocalPlayer) Option {
	return func(e *Engine) { e.player = player }
}

// WithClock replaces the timer source used for the response deadline and the
// playback grace period.
func WithClock(clock Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger replaces the default OpenTelemetry bridged logger. Records are
// still filtered by [Config.LogLevel].
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetricsRegisterer(registerer prometheus.Registerer) Option {
	return func(e *Engine) { e.registerer = registerer }
}

// WithResponseDeadline sets how long a turn may wait for the next response
// from the speech service before it is treated as a timeout.
func WithResponseDeadline(deadline time.Duration) Option {
	return func(e *Engine) {
		if deadline > 0 {
			e.responseDeadline = deadline
		}
	}
}

// WithPlaybackGrace sets how long the arbiter waits for follow-up media after
// speech finished playing.
func WithPlaybackGrace(grace time.Duration) Option {
	return func(e *Engine) {
		if grace > 0 {
			e.playbackGrace = grace
		}
	}
}

// WithEnqueueWait bounds how long producers wait for queue capacity. Zero
// makes every enqueue fail fast on a full queue.
func WithEnqueueWait(wait time.Duration) Option {
	return func(e *Engine) {
		if wait >= 0 {
			e.enqueueWait = wait
		}
	}
}

func WithMediaChunkSize(size int) Option {
	return func(e *Engine) {
		if size > 0 {
			e.mediaChunkSize = size
		}
	}
}
