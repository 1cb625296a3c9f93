// Package database holds the values this node stores on behalf of the DHT,
// plus the node's own bookkeeping tables (blacklist, known contacts).
package database

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/contact"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
)

// ValueType is a four character code.
type ValueType uint32

const (
	// ValueTypeAny matches every type in lookups.
	ValueTypeAny ValueType = 0
)

var (
	ValueTypeBinary = MustValueType("BINA")
	ValueTypeText   = MustValueType("TEXT")
)

func ParseValueType(s string) (ValueType, error) {
	if strings.EqualFold(s, "any") || s == "" {
		return ValueTypeAny, nil
	}
	if len(s) != 4 {
		return 0, fmt.Errorf("value type %q must be four characters", s)
	}
	return ValueType(binary.BigEndian.Uint32([]byte(s))), nil
}

func MustValueType(s string) ValueType {
	t, err := ParseValueType(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t ValueType) String() string {
	if t == ValueTypeAny {
		return "ANY"
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(t))
	return string(b[:])
}

// Matches reports whether a value of type v satisfies a request for t.
func (t ValueType) Matches(v ValueType) bool {
	return t == ValueTypeAny || t == v
}

// ValueTuple is one stored value. (PrimaryKey, SecondaryKey) identifies it;
// the secondary key is the creator's node id.
type ValueTuple struct {
	PrimaryKey   kuid.KUID
	SecondaryKey kuid.KUID
	Type         ValueType
	Version      int
	Payload      []byte
	Creator      contact.Contact
	// local metadata, not sent on the wire
	CreationTime time.Time
	LocalOrigin  bool
}

// IsRemove reports whether the tuple asks for deletion of its identity.
func (v ValueTuple) IsRemove() bool {
	return len(v.Payload) == 0
}

// Identity is the (primary, secondary) pair.
type Identity struct {
	Primary   kuid.KUID
	Secondary kuid.KUID
}

func (v ValueTuple) Identity() Identity {
	return Identity{Primary: v.PrimaryKey, Secondary: v.SecondaryKey}
}

func (v ValueTuple) String() string {
	return fmt.Sprintf("%s/%s %s (%d bytes)", v.PrimaryKey.Short(), v.SecondaryKey.Short(), v.Type, len(v.Payload))
}

// Database is the value store collaborator.
type Database interface {
	// Get returns every value stored under key, ordered by secondary key.
	Get(key kuid.KUID) []ValueTuple
	// Store adds, replaces or (for an empty payload) removes a value.
	// It returns false when the value was rejected.
	Store(v ValueTuple) bool
	// RequestLoad returns the smoothed request rate for key, counting this
	// request first when increment is set.
	RequestLoad(key kuid.KUID, increment bool) float32
	// Values returns every stored value.
	Values() []ValueTuple
	// Expire drops foreign values created before cutoff.
	Expire(cutoff time.Time) int
	Size() int
	Close() error
}

// Apply stores v and reports success. A removal of a value that is
// already gone counts as applied.
func Apply(db Database, v ValueTuple) bool {
	if db.Store(v) {
		return true
	}
	if !v.IsRemove() {
		return false
	}
	for _, old := range db.Get(v.PrimaryKey) {
		if old.SecondaryKey == v.SecondaryKey {
			return false
		}
	}
	return true
}
