package transport

import (
	"net"

	"github.com/voxcore/voxcore/sip"
)

var (
	SIPDebug bool
)

const (
	// Transport for different sip messages. GO uses lowercase, but for message parsing, we should
	// use this constants for setting message Transport
	TransportUDP = "UDP"
	TransportTCP = "TCP"
	TransportTLS = "TLS"
	TransportWS  = "WS"
	TransportWSS = "WSS"
)

// Addr is a resolved local or remote endpoint, split out so callers can
// pass a nil IP to mean "let the OS pick".
type Addr struct {
	IP   net.IP
	Port int
}

// Transport implements network specific features.
type Transport interface {
	Network() string
	GetConnection(addr string) (Connection, error)
	CreateConnection(addr string, handler sip.MessageHandler) (Connection, error)
	String() string
	Close() error
}
