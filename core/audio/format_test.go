package audio

import (
	"testing"
	"time"
)

func TestDefaultFormat(t *testing.T) {
	format := DefaultFormat()

	if err := format.Validate(); err != nil {
		t.Fatalf("expected default format to be valid, got %v", err)
	}
	if got := format.BytesPerFrame(); got != 2 {
		t.Fatalf("expected 2 bytes per frame, got %d", got)
	}
	if got := format.Duration(32000); got != time.Second {
		t.Fatalf("expected 32000 bytes to last one second, got %s", got)
	}
}

func TestFormatValidate(t *testing.T) {
	tests := []Format{
		{SampleRate: 0, Channels: 1, Encoding: EncodingLinear16},
		{SampleRate: 8000, Channels: 0, Encoding: EncodingMulaw},
		{SampleRate: 8000, Channels: 1, Encoding: Encoding("opus")},
	}

	for _, format := range tests {
		if err := format.Validate(); err == nil {
			t.Fatalf("expected %s to be rejected", format)
		}
	}
}

func TestEncodingSilence(t *testing.T) {
	if got := EncodingMulaw.Silence(); got != 0xFF {
		t.Fatalf("expected mulaw silence 0xFF, got %#x", got)
	}
	if got := EncodingALaw.Silence(); got != 0x55 {
		t.Fatalf("expected alaw silence 0x55, got %#x", got)
	}
	if got := EncodingLinear16.Silence(); got != 0 {
		t.Fatalf("expected linear16 silence 0, got %#x", got)
	}
}
