package p2p

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/Trustflow-Network-Labs/dht-node/internal/utils"
)

// UDPTransport sends each message as one UDP datagram.
type UDPTransport struct {
	listenAddr string
	maxSize    int
	logger     *utils.LogsManager

	conn   *net.UDPConn
	local  netip.AddrPort
	closed atomic.Bool
	wg     sync.WaitGroup
}

func NewUDPTransport(listenAddr string, maxSize int, logger *utils.LogsManager) *UDPTransport {
	return &UDPTransport{
		listenAddr: listenAddr,
		maxSize:    maxSize,
		logger:     logger,
	}
}

func (u *UDPTransport) Start(recv Receiver) error {
	addr, err := net.ResolveUDPAddr("udp", u.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve listen address %s: %w", u.listenAddr, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP %s: %w", u.listenAddr, err)
	}
	u.conn = conn
	u.local = unmap(conn.LocalAddr().(*net.UDPAddr).AddrPort())

	u.logger.Info(fmt.Sprintf("UDP transport listening on %s", u.local), "transport")

	u.wg.Add(1)
	go u.readLoop(recv)
	return nil
}

func (u *UDPTransport) readLoop(recv Receiver) {
	defer u.wg.Done()

	buf := make([]byte, u.maxSize+1)
	for {
		n, src, err := u.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if u.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			u.logger.Warn(fmt.Sprintf("UDP read error: %v", err), "transport")
			continue
		}
		if n > u.maxSize {
			u.logger.Debug(fmt.Sprintf("Dropping oversized datagram from %s", src), "transport")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		recv(unmap(src), data)
	}
}

func (u *UDPTransport) Send(dst netip.AddrPort, data []byte) error {
	if u.closed.Load() {
		return ErrTransportClosed
	}
	if u.conn == nil {
		return ErrNotStarted
	}
	if len(data) > u.maxSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}

	if _, err := u.conn.WriteToUDPAddrPort(data, dst); err != nil {
		return fmt.Errorf("failed to send to %s: %w", dst, err)
	}
	return nil
}

func (u *UDPTransport) LocalAddr() netip.AddrPort {
	return u.local
}

func (u *UDPTransport) Close() error {
	if !u.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if u.conn != nil {
		err = u.conn.Close()
	}
	u.wg.Wait()
	return err
}
