// Package inbound answers the requests other nodes send us.
package inbound

import (
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/contact"
	"github.com/Trustflow-Network-Labs/dht-node/internal/database"
	"github.com/Trustflow-Network-Labs/dht-node/internal/dispatch"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
	"github.com/Trustflow-Network-Labs/dht-node/internal/message"
	"github.com/Trustflow-Network-Labs/dht-node/internal/routing"
	"github.com/Trustflow-Network-Labs/dht-node/internal/security"
	"github.com/Trustflow-Network-Labs/dht-node/internal/utils"
)

// Responder sends responses. *dispatch.Dispatcher implements it.
type Responder interface {
	SendResponse(dst netip.AddrPort, resp message.Response) error
	Factory() *message.Factory
}

// Registrar is where handlers are installed.
type Registrar interface {
	SetRequestHandler(op message.OpCode, h dispatch.RequestHandler)
}

type Handlers struct {
	responder Responder
	routes    routing.RouteTable
	db        database.Database
	tokens    security.TokenProvider
	logger    *utils.LogsManager
	k         int
	maxValues int

	bootstrapping atomic.Bool
	accurate      atomic.Bool
	sizeEstimate  func() uint64
	now           func() time.Time
}

func New(responder Responder, routes routing.RouteTable, db database.Database, tokens security.TokenProvider, config *utils.ConfigManager, logger *utils.LogsManager) *Handlers {
	return &Handlers{
		responder:    responder,
		routes:       routes,
		db:           db,
		tokens:       tokens,
		logger:       logger,
		k:            config.GetConfigInt("dht_k", 20, 1, 256),
		maxValues:    config.GetConfigInt("dht_max_values_per_request", 32, 1, 256),
		sizeEstimate: func() uint64 { return 0 },
		now:          time.Now,
	}
}

// SetBootstrapping makes FIND_NODE answer with no contacts.
func (h *Handlers) SetBootstrapping(v bool) { h.bootstrapping.Store(v) }

// SetAccurate reports whether the routing table is trustworthy yet. Until
// it is, FIND_NODE answers with the most recently seen contacts.
func (h *Handlers) SetAccurate(v bool) { h.accurate.Store(v) }

func (h *Handlers) SetSizeEstimate(fn func() uint64) { h.sizeEstimate = fn }

// Register installs every handler on r.
func (h *Handlers) Register(r Registrar) {
	r.SetRequestHandler(message.OpPingRequest, dispatch.RequestHandlerFunc(h.Ping))
	r.SetRequestHandler(message.OpFindNodeRequest, dispatch.RequestHandlerFunc(h.FindNode))
	r.SetRequestHandler(message.OpFindValueRequest, dispatch.RequestHandlerFunc(h.FindValue))
	r.SetRequestHandler(message.OpStoreRequest, dispatch.RequestHandlerFunc(h.Store))
}

func (h *Handlers) reply(src netip.AddrPort, resp message.Response) {
	if err := h.responder.SendResponse(src, resp); err != nil {
		h.logger.Debug(fmt.Sprintf("Failed to answer %s with %s: %v", src, resp.Op(), err), "inbound")
	}
}

func (h *Handlers) Ping(src netip.AddrPort, req message.Request) {
	h.reply(src, h.responder.Factory().NewPingResponse(req, src, h.sizeEstimate()))
}

func (h *Handlers) FindNode(src netip.AddrPort, req message.Request) {
	r, ok := req.(*message.FindNodeRequest)
	if !ok {
		return
	}
	h.answerWithContacts(src, req, r.Lookup)
}

// answerWithContacts replies to req with the contacts nearest key and a
// token for the requester.
func (h *Handlers) answerWithContacts(src netip.AddrPort, req message.Request, key kuid.KUID) {
	requester := req.Head().Sender.ID

	var contacts []contact.Contact
	switch {
	case h.bootstrapping.Load():
	case h.routes.LocalNode().IsFirewalled() || !h.accurate.Load():
		contacts = h.without(h.routes.RecentlySeen(h.k+1), requester)
	default:
		contacts = h.without(h.routes.Select(key, h.k+1, routing.SelectAlive), requester)
	}
	if len(contacts) > h.k {
		contacts = contacts[:h.k]
	}

	tok := h.tokens.Issue(src)
	h.reply(src, h.responder.Factory().NewFindNodeResponse(req, tok, contacts))
}

func (h *Handlers) without(contacts []contact.Contact, id kuid.KUID) []contact.Contact {
	out := contacts[:0]
	for _, c := range contacts {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}

func (h *Handlers) FindValue(src netip.AddrPort, req message.Request) {
	r, ok := req.(*message.FindValueRequest)
	if !ok {
		return
	}
	load := h.db.RequestLoad(r.Lookup, true)

	var available []database.ValueTuple
	for _, v := range h.db.Get(r.Lookup) {
		if r.ValueType.Matches(v.Type) {
			available = append(available, v)
		}
	}
	if len(available) == 0 {
		h.answerWithContacts(src, req, r.Lookup)
		return
	}

	f := h.responder.Factory()
	if len(r.SecondaryKeys) > 0 {
		wanted := make(map[kuid.KUID]bool, len(r.SecondaryKeys))
		for _, k := range r.SecondaryKeys {
			wanted[k] = true
		}
		var subset []database.ValueTuple
		for _, v := range available {
			if wanted[v.SecondaryKey] && len(subset) < h.maxValues {
				subset = append(subset, v)
			}
		}
		h.reply(src, f.NewFindValueResponse(req, load, nil, subset))
		return
	}

	if len(available) == 1 {
		h.reply(src, f.NewFindValueResponse(req, load, nil, available))
		return
	}
	keys := make([]kuid.KUID, len(available))
	for i, v := range available {
		keys[i] = v.SecondaryKey
	}
	h.reply(src, f.NewFindValueResponse(req, load, keys, nil))
}

func (h *Handlers) Store(src netip.AddrPort, req message.Request) {
	r, ok := req.(*message.StoreRequest)
	if !ok {
		return
	}

	valid := h.tokens.Verify(r.Token, src)
	if !valid {
		h.logger.Debug(fmt.Sprintf("Rejecting store of %d values from %s: bad token", len(r.Values), src), "inbound")
	}

	statuses := make([]message.StoreStatus, len(r.Values))
	for i, v := range r.Values {
		code := message.StatusError
		if valid && i < h.maxValues {
			v.CreationTime = h.now()
			v.LocalOrigin = false
			if database.Apply(h.db, v) {
				code = message.StatusOK
			}
		}
		statuses[i] = message.StoreStatus{Primary: v.PrimaryKey, Secondary: v.SecondaryKey, Code: code}
	}
	h.reply(src, h.responder.Factory().NewStoreResponse(req, statuses))
}
