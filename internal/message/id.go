package message

import (
	"crypto/rand"
	"encoding/hex"
	"net/netip"

	"github.com/google/uuid"

	"github.com/Trustflow-Network-Labs/dht-node/internal/utils"
)

const (
	IDLength  = 16
	tagLength = 4
	randLen   = IDLength - tagLength
)

// ID correlates a request with its response. The last four bytes tag the
// destination address so a response arriving from anywhere else can be
// recognised as forged.
type ID [IDLength]byte

func (id ID) String() string { return hex.EncodeToString(id[:]) }

func (id ID) IsZero() bool { return id == ID{} }

func IDFromBytes(b []byte) (ID, bool) {
	var id ID
	if len(b) != IDLength {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// Tagger mints and checks destination-tagged IDs under a per-process secret.
type Tagger struct {
	secret []byte
}

func NewTagger() *Tagger {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic(err)
	}
	return &Tagger{secret: secret}
}

func (t *Tagger) tag(random []byte, addr netip.AddrPort) []byte {
	a := addr.Addr().Unmap()
	b := a.AsSlice()
	port := []byte{byte(addr.Port() >> 8), byte(addr.Port())}
	out, err := utils.KeyedDigest(t.secret, tagLength, random, b, port)
	if err != nil {
		panic(err)
	}
	return out
}

// NewID returns a fresh ID tagged for dst.
func (t *Tagger) NewID(dst netip.AddrPort) ID {
	var id ID
	u := uuid.New()
	copy(id[:randLen], u[:randLen])
	copy(id[randLen:], t.tag(id[:randLen], dst))
	return id
}

// IsFor reports whether id was minted for addr.
func (t *Tagger) IsFor(id ID, addr netip.AddrPort) bool {
	tag := t.tag(id[:randLen], addr)
	var diff byte
	for i := range tag {
		diff |= tag[i] ^ id[randLen+i]
	}
	return diff == 0
}
