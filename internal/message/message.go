// Package message defines the DHT wire messages as a closed set of Go
// types, the factory that stamps headers on them and their bencode codec.
package message

import (
	"fmt"
	"net/netip"

	"github.com/Trustflow-Network-Labs/dht-node/internal/contact"
	"github.com/Trustflow-Network-Labs/dht-node/internal/database"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
	"github.com/Trustflow-Network-Labs/dht-node/internal/security"
)

// Version of the wire format.
const Version = 1

type OpCode uint8

const (
	OpPingRequest OpCode = iota + 1
	OpPingResponse
	OpFindNodeRequest
	OpFindNodeResponse
	OpFindValueRequest
	OpFindValueResponse
	OpStoreRequest
	OpStoreResponse
)

var opNames = map[OpCode]string{
	OpPingRequest:       "PING_REQUEST",
	OpPingResponse:      "PING_RESPONSE",
	OpFindNodeRequest:   "FIND_NODE_REQUEST",
	OpFindNodeResponse:  "FIND_NODE_RESPONSE",
	OpFindValueRequest:  "FIND_VALUE_REQUEST",
	OpFindValueResponse: "FIND_VALUE_RESPONSE",
	OpStoreRequest:      "STORE_REQUEST",
	OpStoreResponse:     "STORE_RESPONSE",
}

func (op OpCode) String() string {
	if s, ok := opNames[op]; ok {
		return s
	}
	return fmt.Sprintf("OP(%d)", uint8(op))
}

func (op OpCode) Valid() bool {
	_, ok := opNames[op]
	return ok
}

// IsRequest reports whether op names a request.
func (op OpCode) IsRequest() bool {
	return op.Valid() && op%2 == 1
}

// acceptable lists the response op codes a request may be answered with.
var acceptable = map[OpCode][]OpCode{
	OpPingRequest:      {OpPingResponse},
	OpFindNodeRequest:  {OpFindNodeResponse},
	OpFindValueRequest: {OpFindValueResponse, OpFindNodeResponse},
	OpStoreRequest:     {OpStoreResponse},
}

// Accepts reports whether resp is a legal answer to req.
func Accepts(req Request, resp Response) bool {
	for _, op := range acceptable[req.Op()] {
		if resp.Op() == op {
			return true
		}
	}
	return false
}

// Header is carried by every message.
type Header struct {
	ID      ID
	Version int
	// Sender is the contact information the sender advertises.
	Sender contact.Contact
}

func (h Header) Head() Header { return h }

type Message interface {
	Op() OpCode
	Head() Header
}

// Request is implemented only by the request types of this package.
type Request interface {
	Message
	isRequest()
}

// Response is implemented only by the response types of this package.
type Response interface {
	Message
	isResponse()
}

// LookupRequest is a request that names a target key.
type LookupRequest interface {
	Request
	LookupKey() kuid.KUID
}

type PingRequest struct {
	Header
}

type PingResponse struct {
	Header
	// ExternalAddr is the requester's address as the responder saw it.
	ExternalAddr  netip.AddrPort
	EstimatedSize uint64
}

type FindNodeRequest struct {
	Header
	Lookup kuid.KUID
}

type FindNodeResponse struct {
	Header
	Token    security.Token
	Contacts []contact.Contact
}

type FindValueRequest struct {
	Header
	Lookup        kuid.KUID
	SecondaryKeys []kuid.KUID
	ValueType     database.ValueType
}

type FindValueResponse struct {
	Header
	RequestLoad float32
	// SecondaryKeys lists what is available when Values is not sent in full.
	SecondaryKeys []kuid.KUID
	Values        []database.ValueTuple
}

type StoreRequest struct {
	Header
	Token  security.Token
	Values []database.ValueTuple
}

type StatusCode uint8

const (
	StatusOK StatusCode = iota + 1
	StatusError
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	default:
		return fmt.Sprintf("STATUS(%d)", uint8(c))
	}
}

// StoreStatus is the outcome for one value of a store request.
type StoreStatus struct {
	Primary   kuid.KUID
	Secondary kuid.KUID
	Code      StatusCode
}

func (s StoreStatus) Identity() database.Identity {
	return database.Identity{Primary: s.Primary, Secondary: s.Secondary}
}

type StoreResponse struct {
	Header
	Statuses []StoreStatus
}

func (*PingRequest) Op() OpCode       { return OpPingRequest }
func (*PingResponse) Op() OpCode      { return OpPingResponse }
func (*FindNodeRequest) Op() OpCode   { return OpFindNodeRequest }
func (*FindNodeResponse) Op() OpCode  { return OpFindNodeResponse }
func (*FindValueRequest) Op() OpCode  { return OpFindValueRequest }
func (*FindValueResponse) Op() OpCode { return OpFindValueResponse }
func (*StoreRequest) Op() OpCode      { return OpStoreRequest }
func (*StoreResponse) Op() OpCode     { return OpStoreResponse }

func (*PingRequest) isRequest()      {}
func (*FindNodeRequest) isRequest()  {}
func (*FindValueRequest) isRequest() {}
func (*StoreRequest) isRequest()     {}

func (*PingResponse) isResponse()      {}
func (*FindNodeResponse) isResponse()  {}
func (*FindValueResponse) isResponse() {}
func (*StoreResponse) isResponse()     {}

func (m *FindNodeRequest) LookupKey() kuid.KUID  { return m.Lookup }
func (m *FindValueRequest) LookupKey() kuid.KUID { return m.Lookup }

// RequestHandle identifies one outstanding request: who it went to and what
// was asked.
type RequestHandle struct {
	ContactID kuid.KUID
	Addr      netip.AddrPort
	Request   Request
}

func (h RequestHandle) ID() ID { return h.Request.Head().ID }

func (h RequestHandle) String() string {
	return fmt.Sprintf("%s %s to %s@%s", h.Request.Op(), h.ID(), h.ContactID.Short(), h.Addr)
}
