package message

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/anacrolix/torrent/bencode"

	"github.com/Trustflow-Network-Labs/dht-node/internal/contact"
	"github.com/Trustflow-Network-Labs/dht-node/internal/database"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
	"github.com/Trustflow-Network-Labs/dht-node/internal/security"
)

// MaxContacts caps the contact list accepted in one FIND_NODE response.
const MaxContacts = 64

// MaxValues caps the values accepted in one message.
const MaxValues = 256

var ErrMalformed = errors.New("malformed message")

type wireContact struct {
	ID    []byte `bencode:"i"`
	Addr  []byte `bencode:"a"`
	Flags int64  `bencode:"f"`
}

type wireValue struct {
	Primary   []byte      `bencode:"p"`
	Secondary []byte      `bencode:"s"`
	Type      int64       `bencode:"t"`
	Version   int64       `bencode:"v"`
	Payload   []byte      `bencode:"d"`
	Creator   wireContact `bencode:"c"`
}

type wireStatus struct {
	Primary   []byte `bencode:"p"`
	Secondary []byte `bencode:"s"`
	Code      int64  `bencode:"c"`
}

type wireMessage struct {
	Op            int64         `bencode:"o"`
	ID            []byte        `bencode:"m"`
	Version       int64         `bencode:"v"`
	Sender        wireContact   `bencode:"s"`
	Key           []byte        `bencode:"k,omitempty"`
	Token         []byte        `bencode:"t,omitempty"`
	Contacts      []wireContact `bencode:"c,omitempty"`
	SecondaryKeys [][]byte      `bencode:"sk,omitempty"`
	ValueType     int64         `bencode:"vt,omitempty"`
	Values        []wireValue   `bencode:"vs,omitempty"`
	Statuses      []wireStatus  `bencode:"st,omitempty"`
	External      []byte        `bencode:"ea,omitempty"`
	EstimatedSize int64         `bencode:"es,omitempty"`
	// request load in thousandths, bencode has no floats
	RequestLoad int64 `bencode:"rl,omitempty"`
}

// Encode serialises m for the wire.
func Encode(m Message) ([]byte, error) {
	h := m.Head()
	w := wireMessage{
		Op:      int64(m.Op()),
		ID:      h.ID[:],
		Version: int64(h.Version),
		Sender:  encodeContact(h.Sender),
	}

	switch msg := m.(type) {
	case *PingRequest:
	case *PingResponse:
		if msg.ExternalAddr.IsValid() {
			addr, err := msg.ExternalAddr.MarshalBinary()
			if err != nil {
				return nil, err
			}
			w.External = addr
		}
		w.EstimatedSize = int64(msg.EstimatedSize)
	case *FindNodeRequest:
		w.Key = msg.Lookup[:]
	case *FindNodeResponse:
		w.Token = msg.Token
		for _, c := range msg.Contacts {
			w.Contacts = append(w.Contacts, encodeContact(c))
		}
	case *FindValueRequest:
		w.Key = msg.Lookup[:]
		w.SecondaryKeys = encodeKeys(msg.SecondaryKeys)
		w.ValueType = int64(msg.ValueType)
	case *FindValueResponse:
		w.RequestLoad = int64(msg.RequestLoad * 1000)
		w.SecondaryKeys = encodeKeys(msg.SecondaryKeys)
		w.Values = encodeValues(msg.Values)
	case *StoreRequest:
		w.Token = msg.Token
		w.Values = encodeValues(msg.Values)
	case *StoreResponse:
		for _, s := range msg.Statuses {
			w.Statuses = append(w.Statuses, wireStatus{
				Primary:   bytesOf(s.Primary),
				Secondary: bytesOf(s.Secondary),
				Code:      int64(s.Code),
			})
		}
	default:
		return nil, fmt.Errorf("cannot encode %T", m)
	}

	return bencode.Marshal(w)
}

// Decode parses a datagram. Every error wraps ErrMalformed.
func Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := bencode.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	id, ok := IDFromBytes(w.ID)
	if !ok {
		return nil, fmt.Errorf("%w: message id of %d bytes", ErrMalformed, len(w.ID))
	}
	sender, err := decodeContact(w.Sender)
	if err != nil {
		return nil, fmt.Errorf("%w: sender: %v", ErrMalformed, err)
	}
	h := Header{ID: id, Version: int(w.Version), Sender: sender}

	switch OpCode(w.Op) {
	case OpPingRequest:
		return &PingRequest{Header: h}, nil

	case OpPingResponse:
		m := &PingResponse{Header: h, EstimatedSize: uint64(max(w.EstimatedSize, 0))}
		if len(w.External) > 0 {
			if err := m.ExternalAddr.UnmarshalBinary(w.External); err != nil {
				return nil, fmt.Errorf("%w: external address: %v", ErrMalformed, err)
			}
		}
		return m, nil

	case OpFindNodeRequest:
		key, err := kuid.FromBytes(w.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: lookup key: %v", ErrMalformed, err)
		}
		return &FindNodeRequest{Header: h, Lookup: key}, nil

	case OpFindNodeResponse:
		if len(w.Contacts) > MaxContacts {
			return nil, fmt.Errorf("%w: %d contacts", ErrMalformed, len(w.Contacts))
		}
		m := &FindNodeResponse{Header: h, Token: security.Token(w.Token)}
		for _, wc := range w.Contacts {
			c, err := decodeContact(wc)
			if err != nil {
				return nil, fmt.Errorf("%w: contact: %v", ErrMalformed, err)
			}
			m.Contacts = append(m.Contacts, c)
		}
		return m, nil

	case OpFindValueRequest:
		key, err := kuid.FromBytes(w.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: lookup key: %v", ErrMalformed, err)
		}
		keys, err := decodeKeys(w.SecondaryKeys)
		if err != nil {
			return nil, err
		}
		return &FindValueRequest{Header: h, Lookup: key, SecondaryKeys: keys, ValueType: database.ValueType(w.ValueType)}, nil

	case OpFindValueResponse:
		keys, err := decodeKeys(w.SecondaryKeys)
		if err != nil {
			return nil, err
		}
		values, err := decodeValues(w.Values)
		if err != nil {
			return nil, err
		}
		return &FindValueResponse{Header: h, RequestLoad: float32(w.RequestLoad) / 1000, SecondaryKeys: keys, Values: values}, nil

	case OpStoreRequest:
		values, err := decodeValues(w.Values)
		if err != nil {
			return nil, err
		}
		return &StoreRequest{Header: h, Token: security.Token(w.Token), Values: values}, nil

	case OpStoreResponse:
		if len(w.Statuses) > MaxValues {
			return nil, fmt.Errorf("%w: %d statuses", ErrMalformed, len(w.Statuses))
		}
		m := &StoreResponse{Header: h}
		for _, ws := range w.Statuses {
			p, err := kuid.FromBytes(ws.Primary)
			if err != nil {
				return nil, fmt.Errorf("%w: status primary key: %v", ErrMalformed, err)
			}
			s, err := kuid.FromBytes(ws.Secondary)
			if err != nil {
				return nil, fmt.Errorf("%w: status secondary key: %v", ErrMalformed, err)
			}
			m.Statuses = append(m.Statuses, StoreStatus{Primary: p, Secondary: s, Code: StatusCode(ws.Code)})
		}
		return m, nil
	}

	return nil, fmt.Errorf("%w: unknown op code %d", ErrMalformed, w.Op)
}

func bytesOf(k kuid.KUID) []byte { return k.Bytes() }

func encodeContact(c contact.Contact) wireContact {
	addr, _ := c.Addr.MarshalBinary()
	return wireContact{ID: c.ID.Bytes(), Addr: addr, Flags: int64(c.Flags)}
}

func decodeContact(w wireContact) (contact.Contact, error) {
	id, err := kuid.FromBytes(w.ID)
	if err != nil {
		return contact.Contact{}, err
	}
	var addr netip.AddrPort
	if err := addr.UnmarshalBinary(w.Addr); err != nil {
		return contact.Contact{}, err
	}
	c := contact.New(id, addr)
	c.Flags = contact.Flags(w.Flags)
	return c, nil
}

func encodeKeys(keys []kuid.KUID) [][]byte {
	var out [][]byte
	for _, k := range keys {
		out = append(out, k.Bytes())
	}
	return out
}

func decodeKeys(in [][]byte) ([]kuid.KUID, error) {
	if len(in) > MaxValues {
		return nil, fmt.Errorf("%w: %d secondary keys", ErrMalformed, len(in))
	}
	var out []kuid.KUID
	for _, b := range in {
		k, err := kuid.FromBytes(b)
		if err != nil {
			return nil, fmt.Errorf("%w: secondary key: %v", ErrMalformed, err)
		}
		out = append(out, k)
	}
	return out, nil
}

func encodeValues(values []database.ValueTuple) []wireValue {
	var out []wireValue
	for _, v := range values {
		out = append(out, wireValue{
			Primary:   v.PrimaryKey.Bytes(),
			Secondary: v.SecondaryKey.Bytes(),
			Type:      int64(v.Type),
			Version:   int64(v.Version),
			Payload:   v.Payload,
			Creator:   encodeContact(v.Creator),
		})
	}
	return out
}

func decodeValues(in []wireValue) ([]database.ValueTuple, error) {
	if len(in) > MaxValues {
		return nil, fmt.Errorf("%w: %d values", ErrMalformed, len(in))
	}
	var out []database.ValueTuple
	for _, w := range in {
		p, err := kuid.FromBytes(w.Primary)
		if err != nil {
			return nil, fmt.Errorf("%w: value primary key: %v", ErrMalformed, err)
		}
		s, err := kuid.FromBytes(w.Secondary)
		if err != nil {
			return nil, fmt.Errorf("%w: value secondary key: %v", ErrMalformed, err)
		}
		creator, err := decodeContact(w.Creator)
		if err != nil {
			return nil, fmt.Errorf("%w: value creator: %v", ErrMalformed, err)
		}
		out = append(out, database.ValueTuple{
			PrimaryKey:   p,
			SecondaryKey: s,
			Type:         database.ValueType(w.Type),
			Version:      int(w.Version),
			Payload:      w.Payload,
			Creator:      creator,
		})
	}
	return out, nil
}
