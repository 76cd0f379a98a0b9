package miniaudio

import (
	"fmt"
	"strings"

	"github.com/gen2brain/malgo"
)

// Client owns the miniaudio context shared by the playback sink and the
// microphone.
type Client struct {
	// audioContext is only kept so Close can uninitialize it.
	audioContext *malgo.AllocatedContext
}

func NewClient() (*Client, error) {
	audioCtx, err := malgo.InitContext(
		nil,
		malgo.ContextConfig{},
		func(message string) { logger.Debug("malgo", "message", strings.TrimSpace(message)) },
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}

	return &Client{audioContext: audioCtx}, nil
}

func (c *Client) Close() error {
	if c.audioContext == nil {
		return nil
	}

	err := c.audioContext.Uninit()
	c.audioContext.Free()
	c.audioContext = nil
	if err != nil {
		return fmt.Errorf("failed to uninitialize audio context: %w", err)
	}
	return nil
}
