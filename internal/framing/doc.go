// Package framing moves discrete messages over byte streams.
//
// A frame is a 4-byte big-endian length followed by the payload. Envelopes
// transform payloads on the way in and out (Checksum prefixes a SHA-256
// digest). QueuedSender and QueuedReceiver put a drop-oldest buffer between
// callers and the stream; both are activeloop handlers, so the goroutine that
// does the blocking I/O is owned by whoever starts the loop.
package framing
