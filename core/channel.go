package engine

import (
	"context"
	"fmt"
)

// UploadChannelData publishes data on the publish topic. It fails with
// [ErrTransport] without calling the publisher while the connectivity flag is
// down. The session state is never touched.
func (e *Engine) UploadChannelData(ctx context.Context, data []byte) error {
	if !e.connected.Load() {
		return fmt.Errorf("%w: not connected", ErrTransport)
	}
	if e.publisher == nil {
		return fmt.Errorf("%w: no publisher configured", ErrTransport)
	}
	if e.cfg.PublishTopic == "" {
		return fmt.Errorf("%w: no publish topic configured", ErrConfig)
	}

	if err := e.publisher.Publish(ctx, e.cfg.PublishTopic, data); err != nil {
		e.logger.Warn("channel publish failed", "topic", e.cfg.PublishTopic, "error", err)
		return fmt.Errorf("%w: publishing to %q: %v", ErrTransport, e.cfg.PublishTopic, err)
	}
	return nil
}

// UploadChannelDataStatus is [Engine.UploadChannelData] with the device
// status code convention: 0 on success, -1 on failure.
func (e *Engine) UploadChannelDataStatus(data []byte) int {
	if err := e.UploadChannelData(e.baseCtx, data); err != nil {
		return -1
	}
	return 0
}

// receiveChannelData is the subscription handler. It runs on the transport's
// goroutine, so it only copies and enqueues.
func (e *Engine) receiveChannelData(payload []byte) {
	if payload == nil {
		payload = []byte{}
	}
	if err := e.enqueue(message{kind: msgExternData}, payload); err != nil {
		e.logger.Warn("dropping channel data", "bytes", len(payload), "error", err)
	}
}
