// Package events defines the public events an engine delivers to its
// handler.
//
// Events are delivered in order on the engine's dispatcher goroutine:
//
//   - Error (error): a session failure, an expired response deadline or a
//     media stream error. Err carries the cause.
//   - LinkConnected (link_connected): the host reported connectivity.
//   - AsrResult (asr_result): recognized text for the open turn. Partial
//     and final segments are delivered as they arrive.
//   - NlpResult (nlp_result): the natural-language result of the turn.
//   - ChannelData (channel_data): an auxiliary payload from the speech
//     server or the subscribed channel topic.
//   - LinkDisconnected (link_disconnected): the link was lost.
//
// Payload is owned by the engine and only valid during the handler call.
package events
