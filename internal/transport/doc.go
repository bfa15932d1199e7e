// Package transport moves letters over a single TCP connection.
//
// This package includes:
//   - Transmitter: drains an outgoing queue, writing one frame per letter
//   - Receiver: reads into a fixed buffer and reassembles frames
//   - Session: supervises one Transmitter/Receiver pair per connection
//   - Connector: dials an outbound binding with fixed-backoff retries
//   - Listener: accepts inbound connections for a bound address
//   - Probe: detects half-open connections without consuming data
//
// Every fatal condition (I/O fault, zero-byte read, undecodable frame) ends
// the session and is reported exactly once to its owner. Nothing in this
// package retries a failed connection; that is the channel's job.
package transport
