// Package contracts provides the core value types of the postbox transport.
//
// This package defines what flows between two socket endpoints:
//   - Letter: a discrete message with a type, option flags and ordered parts
//   - LetterType / LetterOptions: protocol role and delivery flags
//   - Binding: an (address, port) pair identifying listeners and peers
//
// It also holds the error taxonomy shared by every layer: ConnectError for
// transient dial failures, SocketError and ProtocolError for faults that end a
// connection, and DeliveryError for letters lost with their channel.
package contracts
