package p2p

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryNetwork connects MemoryTransports by address. Delivery is
// asynchronous; a filter can drop or a delay can slow datagrams.
type MemoryNetwork struct {
	mu     sync.RWMutex
	nodes  map[netip.AddrPort]*MemoryTransport
	filter func(src, dst netip.AddrPort, data []byte) bool
	delay  time.Duration
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{nodes: make(map[netip.AddrPort]*MemoryTransport)}
}

// SetFilter installs a predicate; datagrams for which it returns false are
// dropped.
func (n *MemoryNetwork) SetFilter(f func(src, dst netip.AddrPort, data []byte) bool) {
	n.mu.Lock()
	n.filter = f
	n.mu.Unlock()
}

func (n *MemoryNetwork) SetDelay(d time.Duration) {
	n.mu.Lock()
	n.delay = d
	n.mu.Unlock()
}

// NewTransport returns a transport that owns addr once started.
func (n *MemoryNetwork) NewTransport(addr netip.AddrPort) *MemoryTransport {
	return &MemoryTransport{
		network: n,
		addr:    addr,
		inbox:   make(chan packet, 1024),
		done:    make(chan struct{}),
	}
}

func (n *MemoryNetwork) deliver(src, dst netip.AddrPort, data []byte) {
	n.mu.RLock()
	target := n.nodes[dst]
	filter := n.filter
	delay := n.delay
	n.mu.RUnlock()

	if target == nil {
		return
	}
	if filter != nil && !filter(src, dst, data) {
		return
	}

	p := packet{src: src, data: append([]byte(nil), data...)}
	if delay > 0 {
		time.AfterFunc(delay, func() { target.enqueue(p) })
		return
	}
	target.enqueue(p)
}

type packet struct {
	src  netip.AddrPort
	data []byte
}

type MemoryTransport struct {
	network *MemoryNetwork
	addr    netip.AddrPort
	inbox   chan packet
	done    chan struct{}
	started atomic.Bool
	closed  atomic.Bool
	wg      sync.WaitGroup

	sent     atomic.Int64
	received atomic.Int64
}

func (m *MemoryTransport) Start(recv Receiver) error {
	if m.closed.Load() {
		return ErrTransportClosed
	}
	m.network.mu.Lock()
	m.network.nodes[m.addr] = m
	m.network.mu.Unlock()
	m.started.Store(true)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.done:
				return
			case p := <-m.inbox:
				m.received.Add(1)
				recv(p.src, p.data)
			}
		}
	}()
	return nil
}

func (m *MemoryTransport) enqueue(p packet) {
	if m.closed.Load() {
		return
	}
	select {
	case m.inbox <- p:
	default:
		// full inbox behaves like a lost datagram
	}
}

func (m *MemoryTransport) Send(dst netip.AddrPort, data []byte) error {
	if m.closed.Load() {
		return ErrTransportClosed
	}
	if !m.started.Load() {
		return ErrNotStarted
	}
	m.sent.Add(1)
	m.network.deliver(m.addr, dst, data)
	return nil
}

func (m *MemoryTransport) LocalAddr() netip.AddrPort { return m.addr }

// Sent is the number of datagrams handed to the network.
func (m *MemoryTransport) Sent() int64 { return m.sent.Load() }

func (m *MemoryTransport) Received() int64 { return m.received.Load() }

func (m *MemoryTransport) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.network.mu.Lock()
	if m.network.nodes[m.addr] == m {
		delete(m.network.nodes, m.addr)
	}
	m.network.mu.Unlock()
	close(m.done)
	m.wg.Wait()
	return nil
}
