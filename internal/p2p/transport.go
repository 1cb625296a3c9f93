// Package p2p moves opaque datagrams between nodes. Three transports share
// one contract: UDP for production, QUIC streams where UDP is filtered, and
// an in-memory network for tests.
package p2p

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/Trustflow-Network-Labs/dht-node/internal/utils"
)

var (
	ErrTransportClosed = errors.New("transport closed")
	ErrNotStarted      = errors.New("transport not started")
	ErrMessageTooLarge = errors.New("message too large")
)

// Receiver is called for every inbound datagram. It is invoked from the
// transport's read goroutine and must not block for long.
type Receiver func(src netip.AddrPort, data []byte)

// Transport is an unreliable, unordered datagram service.
type Transport interface {
	// Start binds the transport and begins delivering to recv.
	Start(recv Receiver) error
	// Send transmits data to dst. A nil error does not mean delivery.
	Send(dst netip.AddrPort, data []byte) error
	// LocalAddr is the bound address, valid after Start.
	LocalAddr() netip.AddrPort
	Close() error
}

func unmap(a netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(a.Addr().Unmap(), a.Port())
}

// NewTransport builds the transport named by dht_transport. certDir holds
// QUIC certificates and is ignored for UDP.
func NewTransport(config *utils.ConfigManager, logger *utils.LogsManager, certDir string) (Transport, error) {
	host := config.GetConfigWithDefault("dht_listen_addr", "0.0.0.0")
	port := config.GetConfigInt("dht_port", 30610, 0, 65535)
	listenAddr := net.JoinHostPort(host, strconv.Itoa(port))
	maxSize := int(config.GetConfigBytes("dht_max_message_size", 64*1024))

	switch kind := config.GetConfigWithDefault("dht_transport", "udp"); kind {
	case "udp":
		return NewUDPTransport(listenAddr, maxSize, logger), nil
	case "quic":
		return NewQUICTransport(listenAddr, maxSize, certDir, config, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}
