// Package kuid implements the 160-bit identifiers used for nodes and keys,
// and the XOR metric that orders them.
package kuid

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"sort"

	"github.com/anacrolix/dht/v2/int160"
	"github.com/anacrolix/dht/v2/krpc"
	"github.com/mr-tron/base58"

	"github.com/Trustflow-Network-Labs/dht-node/internal/utils"
)

// Length is the size of a KUID in bytes.
const Length = 20

// Bits is the size of a KUID in bits.
const Bits = Length * 8

var ErrInvalidLength = errors.New("kuid: invalid length")

// KUID is an immutable 160-bit identifier.
type KUID [Length]byte

// Random returns a uniformly random identifier.
func Random() KUID {
	return KUID(krpc.RandomNodeID())
}

// FromBytes copies b into a KUID. b must be exactly Length bytes.
func FromBytes(b []byte) (KUID, error) {
	var k KUID
	if len(b) != Length {
		return k, fmt.Errorf("%w: %d bytes", ErrInvalidLength, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// Parse accepts the hex form (40 characters) or the base58 form.
func Parse(s string) (KUID, error) {
	if len(s) == 2*Length {
		if b, err := hex.DecodeString(s); err == nil {
			return FromBytes(b)
		}
	}
	b, err := base58.Decode(s)
	if err != nil {
		return KUID{}, fmt.Errorf("kuid: cannot parse %q: %w", s, err)
	}
	return FromBytes(b)
}

// ForKey derives the identifier of an application key.
func ForKey(key string) KUID {
	var k KUID
	copy(k[:], utils.Digest([]byte(key), Length))
	return k
}

func (k KUID) Bytes() []byte {
	return append([]byte(nil), k[:]...)
}

func (k KUID) String() string {
	return hex.EncodeToString(k[:])
}

func (k KUID) Base58() string {
	return base58.Encode(k[:])
}

// Short is the first 8 hex characters, for logs.
func (k KUID) Short() string {
	return hex.EncodeToString(k[:4])
}

func (k KUID) IsZero() bool {
	return k == KUID{}
}

func (k KUID) Int160() int160.T {
	return int160.FromByteArray(k)
}

// Xor returns k XOR o.
func (k KUID) Xor(o KUID) KUID {
	var r KUID
	for i := range k {
		r[i] = k[i] ^ o[i]
	}
	return r
}

// Distance is the XOR distance between k and o.
func (k KUID) Distance(o KUID) int160.T {
	return int160.Distance(k.Int160(), o.Int160())
}

// CommonPrefixLen returns the number of leading bits k and o share.
// Identical ids share Bits bits.
func (k KUID) CommonPrefixLen(o KUID) int {
	for i := range k {
		if x := k[i] ^ o[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return Bits
}

// Bit reports whether bit i (0 = most significant) is set.
func (k KUID) Bit(i int) bool {
	return k[i/8]&(0x80>>uint(i%8)) != 0
}

// FlipBit returns a copy of k with bit i inverted.
func (k KUID) FlipBit(i int) KUID {
	k[i/8] ^= 0x80 >> uint(i%8)
	return k
}

// CompareDistance orders a and b by their distance to target: negative when
// a is closer, zero when equal, positive when b is closer.
func CompareDistance(target, a, b KUID) int {
	da := target.Distance(a)
	db := target.Distance(b)
	return da.Cmp(db)
}

// Closer reports whether a is strictly closer to target than b.
func Closer(target, a, b KUID) bool {
	return CompareDistance(target, a, b) < 0
}

// SortByDistance sorts ids in place, closest to target first.
func SortByDistance(target KUID, ids []KUID) {
	sort.SliceStable(ids, func(i, j int) bool {
		return Closer(target, ids[i], ids[j])
	})
}

// RandomWithPrefix returns a random id sharing exactly prefixLen leading
// bits with k. It is used to pick refresh targets inside a bucket.
func RandomWithPrefix(k KUID, prefixLen int) KUID {
	if prefixLen >= Bits {
		return k
	}
	r := Random()
	for i := 0; i < prefixLen; i++ {
		if r.Bit(i) != k.Bit(i) {
			r = r.FlipBit(i)
		}
	}
	if r.Bit(prefixLen) == k.Bit(prefixLen) {
		r = r.FlipBit(prefixLen)
	}
	return r
}
