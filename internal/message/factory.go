package message

import (
	"net/netip"

	"github.com/Trustflow-Network-Labs/dht-node/internal/contact"
	"github.com/Trustflow-Network-Labs/dht-node/internal/database"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
	"github.com/Trustflow-Network-Labs/dht-node/internal/security"
)

// Factory builds messages stamped with the local node's header.
type Factory struct {
	tagger *Tagger
	local  func() contact.Contact
}

// NewFactory takes a func for the local contact because the advertised
// address and flags change at runtime.
func NewFactory(tagger *Tagger, local func() contact.Contact) *Factory {
	return &Factory{tagger: tagger, local: local}
}

func (f *Factory) Tagger() *Tagger { return f.tagger }

func (f *Factory) sender() contact.Contact {
	c := f.local()
	return contact.Contact{ID: c.ID, Addr: c.Addr, Flags: c.Flags}
}

func (f *Factory) requestHeader(dst netip.AddrPort) Header {
	return Header{ID: f.tagger.NewID(dst), Version: Version, Sender: f.sender()}
}

func (f *Factory) responseHeader(req Request) Header {
	return Header{ID: req.Head().ID, Version: Version, Sender: f.sender()}
}

func (f *Factory) NewPingRequest(dst netip.AddrPort) *PingRequest {
	return &PingRequest{Header: f.requestHeader(dst)}
}

// NewCollisionPingRequest pings with a foreign sender id so the receiver
// does not mistake the ping for one from the node being tested.
func (f *Factory) NewCollisionPingRequest(dst netip.AddrPort, sender kuid.KUID) *PingRequest {
	h := f.requestHeader(dst)
	h.Sender.ID = sender
	h.Sender.Flags |= contact.FlagFirewalled
	return &PingRequest{Header: h}
}

func (f *Factory) NewFindNodeRequest(dst netip.AddrPort, key kuid.KUID) *FindNodeRequest {
	return &FindNodeRequest{Header: f.requestHeader(dst), Lookup: key}
}

func (f *Factory) NewFindValueRequest(dst netip.AddrPort, key kuid.KUID, secondary []kuid.KUID, vt database.ValueType) *FindValueRequest {
	return &FindValueRequest{Header: f.requestHeader(dst), Lookup: key, SecondaryKeys: secondary, ValueType: vt}
}

func (f *Factory) NewStoreRequest(dst netip.AddrPort, token security.Token, values []database.ValueTuple) *StoreRequest {
	return &StoreRequest{Header: f.requestHeader(dst), Token: token, Values: values}
}

func (f *Factory) NewPingResponse(req Request, external netip.AddrPort, estimatedSize uint64) *PingResponse {
	return &PingResponse{Header: f.responseHeader(req), ExternalAddr: external, EstimatedSize: estimatedSize}
}

func (f *Factory) NewFindNodeResponse(req Request, token security.Token, contacts []contact.Contact) *FindNodeResponse {
	return &FindNodeResponse{Header: f.responseHeader(req), Token: token, Contacts: contacts}
}

func (f *Factory) NewFindValueResponse(req Request, load float32, keys []kuid.KUID, values []database.ValueTuple) *FindValueResponse {
	return &FindValueResponse{Header: f.responseHeader(req), RequestLoad: load, SecondaryKeys: keys, Values: values}
}

func (f *Factory) NewStoreResponse(req Request, statuses []StoreStatus) *StoreResponse {
	return &StoreResponse{Header: f.responseHeader(req), Statuses: statuses}
}
