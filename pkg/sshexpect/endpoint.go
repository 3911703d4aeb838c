package sshexpect

import (
	"net"
	"strconv"
)

// DefaultSSHPort is used when an Endpoint does not specify a port.
const DefaultSSHPort = 22

// Endpoint holds the connection parameters for one host.
// It is a value object: construct it once and only read it afterwards.
type Endpoint struct {
	Host   string
	User   string
	Secret string
	Port   int

	// InternalHost is the in-network (LAN/VPN) address, when the host also
	// has an external one. Nested hops issued from the gateway use it when
	// set, since the gateway sits inside the station network.
	InternalHost string
}

// Addr returns the host:port address for dialing.
func (e Endpoint) Addr() string {
	port := e.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(port))
}

// HopHost returns the address a nested hop should use: the internal
// host when one is configured, the external host otherwise.
func (e Endpoint) HopHost() string {
	if e.InternalHost != "" {
		return e.InternalHost
	}
	return e.Host
}
