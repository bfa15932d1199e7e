//go:build !unix

package transport

import "net"

// Probe is a no-op where non-blocking peeks are unavailable
func Probe(conn net.Conn) error {
	return nil
}
