package handler

import (
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/contact"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
	"github.com/Trustflow-Network-Labs/dht-node/internal/security"
)

// Entry is a contact that answered a lookup, with the token it handed out.
type Entry struct {
	Contact contact.Contact
	Token   security.Token
	Hop     int
}

// State is the final snapshot of a lookup. Nearest is sorted by XOR
// distance to Key and holds at most K entries.
type State struct {
	Key        kuid.KUID
	Nearest    []Entry
	Collisions []contact.Contact
	// Hops is the largest hop count among responders.
	Hops     int
	Timeouts int
	// RouteTableTimeouts counts timeouts of contacts that seeded the
	// lookup from the routing table.
	RouteTableTimeouts int
	Queried            int
	Boosts             int
	Elapsed            time.Duration
}

// Contacts returns the nearest contacts without tokens.
func (s State) Contacts() []contact.Contact {
	out := make([]contact.Contact, len(s.Nearest))
	for i, e := range s.Nearest {
		out[i] = e.Contact
	}
	return out
}

func (s State) clone() State {
	s.Nearest = append([]Entry(nil), s.Nearest...)
	s.Collisions = append([]contact.Contact(nil), s.Collisions...)
	return s
}
