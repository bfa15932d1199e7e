// Package channel implements a reliable letter channel over one TCP
// connection.
//
// A channel performs the Initialize handshake, acknowledges letters that ask
// for it, keeps the connection alive with heartbeats, optionally packs user
// letters into batches, and reports every state change and delivery through
// a Handler. Outbound channels reconnect after a failure; inbound channels
// end with their connection.
//
// Handler methods run on a dedicated goroutine per channel, in the order the
// events happened. They may call back into the channel.
package channel
