// Package stream implements the external recorder stream handler.
//
// A Handler owns one recorder process. It negotiates the control protocol,
// queries the recorder's capabilities and runs an acquisition loop that paces
// the recorder with XON/XOFF or SendBytes, reads transport stream data and
// hands it to registered consumers. Streaming is reference counted across
// callers. A stream that stops producing data is restarted; unrecoverable
// failures leave the handler in StateError and it must be replaced.
//
// Consumed bytes can be kept in a bounded replay buffer so a consumer that
// joins late can be handed recent history with Replay.
package stream
