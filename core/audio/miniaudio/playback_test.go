package miniaudio

import (
	"errors"
	"testing"
)

func TestPlaybackBufferFillsAndPadsWithSilence(t *testing.T) {
	buffer := playbackBuffer{silence: 0x7F}
	if err := buffer.write([]byte{1, 2, 3}); err != nil {
		t.Fatalf("expected write to succeed, got %v", err)
	}

	out := make([]byte, 5)
	if n := buffer.fill(out); n != 3 {
		t.Fatalf("expected 3 audio bytes, got %d", n)
	}

	want := []byte{1, 2, 3, 0x7F, 0x7F}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, out)
		}
	}
	if got := buffer.len(); got != 0 {
		t.Fatalf("expected buffer to be drained, %d bytes left", got)
	}
}

func TestPlaybackBufferKeepsRemainder(t *testing.T) {
	buffer := playbackBuffer{}
	_ = buffer.write([]byte{1, 2, 3, 4})

	out := make([]byte, 3)
	buffer.fill(out)

	if got := buffer.len(); got != 1 {
		t.Fatalf("expected one byte left for the next period, got %d", got)
	}
}

func TestPlaybackBufferClear(t *testing.T) {
	buffer := playbackBuffer{}
	_ = buffer.write([]byte{1, 2})
	buffer.clear()

	out := []byte{9, 9}
	if n := buffer.fill(out); n != 0 {
		t.Fatalf("expected cleared buffer to play nothing, got %d bytes", n)
	}
	if out[0] != 0 || out[1] != 0 {
		t.Fatalf("expected silence after clear, got %v", out)
	}
}

func TestPlaybackBufferRejectsOverflow(t *testing.T) {
	buffer := playbackBuffer{maxBytes: 4}
	_ = buffer.write([]byte{1, 2, 3})

	if err := buffer.write([]byte{4, 5}); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("expected ErrBufferFull, got %v", err)
	}
}
