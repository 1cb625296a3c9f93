package message

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/anacrolix/torrent/bencode"

	"github.com/Trustflow-Network-Labs/dht-node/internal/contact"
	"github.com/Trustflow-Network-Labs/dht-node/internal/database"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
	"github.com/Trustflow-Network-Labs/dht-node/internal/security"
)

var (
	localAddr  = netip.MustParseAddrPort("10.0.0.1:30610")
	remoteAddr = netip.MustParseAddrPort("10.0.0.2:30610")
)

func testFactory() (*Factory, contact.Contact) {
	local := contact.New(kuid.Random(), localAddr)
	local.Flags = contact.FlagFirewalled
	return NewFactory(NewTagger(), func() contact.Contact { return local }), local
}

func TestIDTaggedForDestination(t *testing.T) {
	tagger := NewTagger()
	id := tagger.NewID(remoteAddr)

	if !tagger.IsFor(id, remoteAddr) {
		t.Error("ID must verify for its destination")
	}
	if !tagger.IsFor(id, netip.MustParseAddrPort("[::ffff:10.0.0.2]:30610")) {
		t.Error("IPv4-mapped form of the destination must verify")
	}
	if tagger.IsFor(id, netip.MustParseAddrPort("10.0.0.2:30611")) {
		t.Error("ID must not verify for another port")
	}
	if NewTagger().IsFor(id, remoteAddr) {
		t.Error("ID must not verify under another secret")
	}
	if tagger.NewID(remoteAddr) == id {
		t.Error("IDs must be unique")
	}
}

func TestAccepts(t *testing.T) {
	f, _ := testFactory()
	findValue := f.NewFindValueRequest(remoteAddr, kuid.Random(), nil, database.ValueTypeAny)
	ping := f.NewPingRequest(remoteAddr)

	if !Accepts(findValue, f.NewFindValueResponse(findValue, 0, nil, nil)) {
		t.Error("FIND_VALUE must accept a value response")
	}
	if !Accepts(findValue, f.NewFindNodeResponse(findValue, nil, nil)) {
		t.Error("FIND_VALUE must accept a node response")
	}
	if Accepts(ping, f.NewFindNodeResponse(ping, nil, nil)) {
		t.Error("PING must not accept a node response")
	}
	if !OpStoreRequest.IsRequest() || OpStoreResponse.IsRequest() || OpCode(99).IsRequest() {
		t.Error("Unexpected IsRequest result")
	}
}

func TestResponseReusesRequestID(t *testing.T) {
	f, local := testFactory()
	req := f.NewFindNodeRequest(remoteAddr, kuid.Random())
	resp := f.NewFindNodeResponse(req, security.Token("tok"), nil)

	if resp.Head().ID != req.Head().ID {
		t.Error("Response must carry the request id")
	}
	if resp.Head().Sender.ID != local.ID || !resp.Head().Sender.IsFirewalled() {
		t.Errorf("Unexpected sender %+v", resp.Head().Sender)
	}
}

func TestCollisionPingUsesForeignSender(t *testing.T) {
	f, local := testFactory()
	fake := kuid.Random()
	req := f.NewCollisionPingRequest(remoteAddr, fake)

	if req.Head().Sender.ID != fake || req.Head().Sender.ID == local.ID {
		t.Error("Collision ping must use the supplied sender id")
	}
	if !req.Head().Sender.IsFirewalled() {
		t.Error("Collision ping sender must be flagged firewalled")
	}
}

func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode %s failed: %v", m.Op(), err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode %s failed: %v", m.Op(), err)
	}
	if out.Op() != m.Op() || out.Head().ID != m.Head().ID {
		t.Fatalf("Header mismatch for %s", m.Op())
	}
	return out
}

func TestCodecFindNodeResponse(t *testing.T) {
	f, local := testFactory()
	req := f.NewFindNodeRequest(remoteAddr, kuid.Random())
	contacts := []contact.Contact{
		contact.New(kuid.Random(), netip.MustParseAddrPort("192.0.2.1:1000")),
		contact.New(kuid.Random(), netip.MustParseAddrPort("[2001:db8::1]:2000")),
	}
	got := roundTrip(t, f.NewFindNodeResponse(req, security.Token{1, 2, 3}, contacts)).(*FindNodeResponse)

	if got.Head().Sender.ID != local.ID || got.Head().Sender.Addr != local.Addr || !got.Head().Sender.IsFirewalled() {
		t.Errorf("Sender not preserved: %+v", got.Head().Sender)
	}
	if string(got.Token) != string([]byte{1, 2, 3}) {
		t.Errorf("Token not preserved: %v", got.Token)
	}
	if len(got.Contacts) != 2 || got.Contacts[1].Addr != contacts[1].Addr || got.Contacts[0].ID != contacts[0].ID {
		t.Errorf("Contacts not preserved: %v", got.Contacts)
	}
}

func TestCodecValuesAndStatuses(t *testing.T) {
	f, local := testFactory()
	key := kuid.Random()
	value := database.ValueTuple{
		PrimaryKey:   key,
		SecondaryKey: local.ID,
		Type:         database.ValueTypeText,
		Version:      3,
		Payload:      []byte("hello"),
		Creator:      local,
	}

	store := roundTrip(t, f.NewStoreRequest(remoteAddr, security.Token("t"), []database.ValueTuple{value})).(*StoreRequest)
	if len(store.Values) != 1 {
		t.Fatalf("Expected one value, got %d", len(store.Values))
	}
	v := store.Values[0]
	if v.Identity() != value.Identity() || v.Type != value.Type || v.Version != 3 || string(v.Payload) != "hello" {
		t.Errorf("Value not preserved: %+v", v)
	}

	fv := f.NewFindValueRequest(remoteAddr, key, []kuid.KUID{local.ID}, database.ValueTypeText)
	gotReq := roundTrip(t, fv).(*FindValueRequest)
	if gotReq.ValueType != database.ValueTypeText || len(gotReq.SecondaryKeys) != 1 || gotReq.SecondaryKeys[0] != local.ID {
		t.Errorf("FindValue request not preserved: %+v", gotReq)
	}

	resp := roundTrip(t, f.NewFindValueResponse(fv, 1.5, []kuid.KUID{local.ID}, nil)).(*FindValueResponse)
	if resp.RequestLoad != 1.5 || len(resp.Values) != 0 || len(resp.SecondaryKeys) != 1 {
		t.Errorf("FindValue response not preserved: %+v", resp)
	}

	st := roundTrip(t, f.NewStoreResponse(store, []StoreStatus{{Primary: key, Secondary: local.ID, Code: StatusOK}})).(*StoreResponse)
	if len(st.Statuses) != 1 || st.Statuses[0].Code != StatusOK || st.Statuses[0].Identity() != value.Identity() {
		t.Errorf("Statuses not preserved: %+v", st.Statuses)
	}
}

func TestCodecPingResponse(t *testing.T) {
	f, _ := testFactory()
	ping := f.NewPingRequest(remoteAddr)
	got := roundTrip(t, f.NewPingResponse(ping, netip.MustParseAddrPort("203.0.113.5:4444"), 1234)).(*PingResponse)

	if got.ExternalAddr.String() != "203.0.113.5:4444" || got.EstimatedSize != 1234 {
		t.Errorf("Ping response not preserved: %+v", got)
	}
}

func TestDecodeMalformed(t *testing.T) {
	f, _ := testFactory()
	good, err := Encode(f.NewPingRequest(remoteAddr))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	cases := map[string][]byte{
		"garbage":   []byte("not bencode"),
		"truncated": good[:len(good)/2],
		"empty":     {},
	}
	for name, data := range cases {
		if _, err := Decode(data); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: expected ErrMalformed, got %v", name, err)
		}
	}

	// unknown op code
	msg := f.NewPingRequest(remoteAddr)
	w := wireMessage{Op: 42, ID: msg.ID[:], Sender: encodeContact(msg.Sender)}
	data, _ := bencode.Marshal(w)
	if _, err := Decode(data); !errors.Is(err, ErrMalformed) {
		t.Errorf("unknown op: expected ErrMalformed, got %v", err)
	}
}
