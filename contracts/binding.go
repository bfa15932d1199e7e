package contracts

import (
	"net"
	"strconv"
)

// Binding identifies a listen endpoint or a remote peer
type Binding struct {
	Address string
	Port    int
}

// NewBinding creates a binding for the given address and port
func NewBinding(address string, port int) Binding {
	return Binding{Address: address, Port: port}
}

// BindingFromAddr converts a network address into a binding
func BindingFromAddr(addr net.Addr) Binding {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return Binding{Address: tcp.IP.String(), Port: tcp.Port}
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Binding{Address: addr.String()}
	}
	p, _ := strconv.Atoi(port)
	return Binding{Address: host, Port: p}
}

// String returns the host:port form of the binding
func (b Binding) String() string {
	return net.JoinHostPort(b.Address, strconv.Itoa(b.Port))
}

// IsZero reports whether the binding is unset
func (b Binding) IsZero() bool {
	return b.Address == "" && b.Port == 0
}
