package engine

import (
	"log/slog"
	"reflect"
)

// audioOutput wraps the configured [Sink] for the playback arbiter.
//
// Writes are best-effort: a failing sink is logged and the arbiter keeps
// progressing, the same way a missing sink simply drops audio.
type audioOutput struct {
	sink   Sink
	logger *slog.Logger

	written int
}

func newAudioOutput(sink Sink, logger *slog.Logger) *audioOutput {
	output := &audioOutput{logger: logger}
	output.Set(sink)
	return output
}

// Set replaces the sink. Nil and typed-nil sinks are treated as unconfigured.
func (a *audioOutput) Set(sink Sink) {
	if isNilSink(sink) {
		a.sink = nil
		return
	}
	a.sink = sink
}

func (a *audioOutput) isConfigured() bool { return a.sink != nil }

func (a *audioOutput) Write(audio []byte) {
	if a.sink == nil || len(audio) == 0 {
		return
	}

	if err := a.sink.Write(audio); err != nil {
		a.logger.Warn("audio sink write failed", "error", err, "bytes", len(audio))
		return
	}
	a.written += len(audio)
}

// Clear flushes audio buffered in the sink, used when a stream is discarded.
func (a *audioOutput) Clear() {
	if a.sink != nil {
		a.sink.Clear()
	}
}

func isNilSink(sink Sink) bool {
	if sink == nil {
		return true
	}

	v := reflect.ValueOf(sink)
	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return v.IsNil()
	default:
		return false
	}
}
