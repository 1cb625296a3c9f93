package handler

import (
	"fmt"
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/contact"
	"github.com/Trustflow-Network-Labs/dht-node/internal/database"
	"github.com/Trustflow-Network-Labs/dht-node/internal/dispatch"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
	"github.com/Trustflow-Network-Labs/dht-node/internal/message"
	"github.com/Trustflow-Network-Labs/dht-node/internal/routing"
	"github.com/Trustflow-Network-Labs/dht-node/internal/utils"
)

// answer builds the reply of a peer; nil lets the request time out.
type answer func(f *message.Factory, req message.Request) message.Response

type fakePeer struct {
	contact contact.Contact
	factory *message.Factory
	answer  answer
}

type fakeCall struct {
	handle message.RequestHandle
	cb     dispatch.Callback
}

// fakeNet stands in for the dispatcher. Every peer answers after delay,
// requests to unknown or silent peers time out after their timeout.
type fakeNet struct {
	t       *testing.T
	factory *message.Factory
	delay   time.Duration

	mu          sync.Mutex
	peers       map[netip.AddrPort]*fakePeer
	refused     map[netip.AddrPort]bool
	pending     map[message.ID]fakeCall
	asked       map[netip.AddrPort]int
	requests    []message.Request
	inflight    int
	maxInflight int
	forgotten   int
}

func newFakeNet(t *testing.T, local *contact.Contact) *fakeNet {
	return &fakeNet{
		t:       t,
		factory: message.NewFactory(message.NewTagger(), func() contact.Contact { return *local }),
		delay:   time.Millisecond,
		peers:   make(map[netip.AddrPort]*fakePeer),
		refused: make(map[netip.AddrPort]bool),
		pending: make(map[message.ID]fakeCall),
		asked:   make(map[netip.AddrPort]int),
	}
}

func (n *fakeNet) Factory() *message.Factory { return n.factory }

func (n *fakeNet) addPeer(c contact.Contact, a answer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	peer := &fakePeer{contact: c, answer: a}
	peer.factory = message.NewFactory(message.NewTagger(), func() contact.Contact { return peer.contact })
	n.peers[c.Addr] = peer
}

func (n *fakeNet) Send(cb dispatch.Callback, contactID kuid.KUID, dst netip.AddrPort, req message.Request, timeout time.Duration) (message.RequestHandle, error) {
	h := message.RequestHandle{ContactID: contactID, Addr: dst, Request: req}

	n.mu.Lock()
	if n.refused[dst] {
		n.mu.Unlock()
		return message.RequestHandle{}, fmt.Errorf("send to %s refused", dst)
	}
	n.pending[h.ID()] = fakeCall{handle: h, cb: cb}
	n.asked[dst]++
	n.requests = append(n.requests, req)
	n.inflight++
	if n.inflight > n.maxInflight {
		n.maxInflight = n.inflight
	}
	peer := n.peers[dst]
	n.mu.Unlock()

	go func() {
		var resp message.Response
		if peer != nil && peer.answer != nil {
			resp = peer.answer(peer.factory, req)
		}
		if resp == nil {
			time.Sleep(timeout)
			if call, ok := n.take(h.ID()); ok {
				call.cb.OnTimeout(h, timeout)
			}
			return
		}
		time.Sleep(n.delay)
		if call, ok := n.take(h.ID()); ok {
			call.cb.OnResponse(h, resp, n.delay)
		}
	}()
	return h, nil
}

// refuse makes sends to addr fail immediately.
func (n *fakeNet) refuse(addr netip.AddrPort) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.refused[addr] = true
}

func (n *fakeNet) take(id message.ID) (fakeCall, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	call, ok := n.pending[id]
	if ok {
		delete(n.pending, id)
		n.inflight--
	}
	return call, ok
}

func (n *fakeNet) Forget(ids ...message.ID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	removed := 0
	for _, id := range ids {
		if _, ok := n.pending[id]; ok {
			delete(n.pending, id)
			n.inflight--
			removed++
		}
	}
	n.forgotten += removed
	return removed
}

func (n *fakeNet) askedCount(addr netip.AddrPort) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.asked[addr]
}

func (n *fakeNet) pendingCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

func (n *fakeNet) sentOps() []message.OpCode {
	n.mu.Lock()
	defer n.mu.Unlock()
	ops := make([]message.OpCode, len(n.requests))
	for i, r := range n.requests {
		ops[i] = r.Op()
	}
	return ops
}

type testEnv struct {
	local contact.Contact
	net   *fakeNet
	hc    *Context
	db    *database.MemoryDatabase
}

func testConfig() Config {
	return Config{
		K:                   20,
		FindNodeAlpha:       3,
		FindValueAlpha:      3,
		BoostFrequency:      10 * time.Millisecond,
		RequestTimeout:      30 * time.Millisecond,
		MinRequestTimeout:   10 * time.Millisecond,
		PingParallelism:     3,
		PingMaxErrors:       1,
		StoreParallelism:    4,
		MaxValuesPerRequest: 32,
	}
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	env := &testEnv{local: contact.New(kuid.Random(), netip.MustParseAddrPort("10.0.0.1:4000"))}
	env.net = newFakeNet(t, &env.local)
	env.db = database.NewMemoryDatabase(5, 0.25)

	cm := utils.NewConfigManagerFromMap(nil)
	logger := utils.NewLogsManagerForWriter(io.Discard, "error")
	env.hc = &Context{
		Sender:   env.net,
		Routes:   routing.NewTable(env.local, cm, logger),
		Database: env.db,
		Config:   cfg,
		Logger:   logger,
	}
	return env
}

var peerSeq int

// peer creates a contact with a distinct address.
func peer(id kuid.KUID) contact.Contact {
	peerSeq++
	return contact.New(id, netip.MustParseAddrPort(fmt.Sprintf("10.1.%d.%d:5000", peerSeq/250, peerSeq%250+1)))
}

// nodes answers FIND_NODE (and FIND_VALUE) with contacts and a token.
func nodes(contacts ...contact.Contact) answer {
	return func(f *message.Factory, req message.Request) message.Response {
		return f.NewFindNodeResponse(req, []byte("token"), contacts)
	}
}

// near returns an id sharing the first prefix bits with key.
func near(key kuid.KUID, prefix int) kuid.KUID {
	return kuid.RandomWithPrefix(key, prefix)
}
