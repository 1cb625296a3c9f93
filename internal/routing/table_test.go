package routing

import (
	"fmt"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/contact"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
	"github.com/Trustflow-Network-Labs/dht-node/internal/utils"
)

func setupTestTable(t *testing.T, values map[string]string) *Table {
	t.Helper()
	local := contact.New(kuid.Random(), netip.MustParseAddrPort("10.0.0.1:30610"))
	cm := utils.NewConfigManagerFromMap(values)
	logger := utils.NewLogsManagerForWriter(io.Discard, "error")
	return NewTable(local, cm, logger)
}

func addrN(n int) netip.AddrPort {
	return netip.MustParseAddrPort(fmt.Sprintf("10.1.%d.%d:4000", n/250, n%250+1))
}

// idInBucket returns a random id sharing exactly prefixLen bits with local.
func idInBucket(local kuid.KUID, prefixLen int) kuid.KUID {
	return kuid.RandomWithPrefix(local, prefixLen)
}

func TestAddReportsNewContacts(t *testing.T) {
	table := setupTestTable(t, nil)

	c := contact.New(kuid.Random(), addrN(1))
	if !table.Add(c) {
		t.Fatal("first add should report a new contact")
	}
	if table.Add(c) {
		t.Fatal("second add should not report a new contact")
	}
	got, ok := table.Get(c.ID)
	if !ok || !got.IsAlive() {
		t.Fatalf("contact not alive after add: %+v", got)
	}
	if table.Size() != 1 {
		t.Fatalf("size %d, want 1", table.Size())
	}
}

func TestAddRejectsLocalAndInvalid(t *testing.T) {
	table := setupTestTable(t, nil)

	if table.Add(table.LocalNode()) {
		t.Fatal("local node must not enter a bucket")
	}
	if table.Add(contact.New(kuid.Random(), netip.MustParseAddrPort("0.0.0.0:4000"))) {
		t.Fatal("unspecified address must be rejected")
	}
	if table.Size() != 0 {
		t.Fatalf("size %d, want 0", table.Size())
	}
}

func TestSelectSortsByDistanceAndIncludesLocal(t *testing.T) {
	table := setupTestTable(t, nil)
	for i := 0; i < 30; i++ {
		table.Add(contact.New(kuid.Random(), addrN(i)))
	}

	key := kuid.Random()
	selected := table.Select(key, 10, SelectAll)
	if len(selected) != 10 {
		t.Fatalf("selected %d, want 10", len(selected))
	}
	for i := 1; i < len(selected); i++ {
		if kuid.Closer(key, selected[i].ID, selected[i-1].ID) {
			t.Fatalf("selection not sorted at %d", i)
		}
	}

	// selecting by the local id puts the local node first
	self := table.Select(table.LocalNode().ID, 5, SelectAlive)
	if self[0].ID != table.LocalNode().ID {
		t.Fatal("local node should be closest to its own id")
	}
}

func TestFullBucketUsesReplacementCache(t *testing.T) {
	table := setupTestTable(t, map[string]string{
		"dht_k":                    "2",
		"dht_max_contact_failures": "1",
	})
	local := table.LocalNode().ID

	a := contact.New(idInBucket(local, 0), addrN(1))
	b := contact.New(idInBucket(local, 0), addrN(2))
	c := contact.New(idInBucket(local, 0), addrN(3))

	table.Add(a)
	table.Add(b)
	if table.Add(c) {
		t.Fatal("full bucket should not accept a new contact")
	}
	if _, ok := table.Get(c.ID); ok {
		t.Fatal("cached replacement must not be visible")
	}

	table.HandleFailure(a.ID, a.Addr)
	if _, ok := table.Get(a.ID); ok {
		t.Fatal("failed contact should have been evicted")
	}
	if _, ok := table.Get(c.ID); !ok {
		t.Fatal("replacement should have been promoted")
	}
}

func TestHandleFailureMarksDead(t *testing.T) {
	table := setupTestTable(t, map[string]string{"dht_max_contact_failures": "2"})

	c := contact.New(kuid.Random(), addrN(1))
	table.Add(c)

	table.HandleFailure(c.ID, c.Addr)
	got, _ := table.Get(c.ID)
	if got.IsDead() || got.Failures != 1 {
		t.Fatalf("after one failure: %+v", got)
	}

	// failures reported for another address are ignored
	table.HandleFailure(c.ID, addrN(9))
	got, _ = table.Get(c.ID)
	if got.Failures != 1 {
		t.Fatalf("failure from a foreign address counted: %+v", got)
	}

	table.HandleFailure(c.ID, c.Addr)
	got, _ = table.Get(c.ID)
	if !got.IsDead() {
		t.Fatalf("contact should be dead: %+v", got)
	}
	if len(table.Select(c.ID, 5, SelectAll)) != 1 {
		t.Fatal("dead contacts must not be selected")
	}

	// a fresh sighting revives it
	table.Add(c)
	got, _ = table.Get(c.ID)
	if !got.IsAlive() || got.Failures != 0 {
		t.Fatalf("contact should be alive again: %+v", got)
	}
}

func TestLiveContactKeepsAddress(t *testing.T) {
	table := setupTestTable(t, nil)

	c := contact.New(kuid.Random(), addrN(1))
	table.Add(c)
	table.Add(contact.New(c.ID, addrN(2)))

	got, _ := table.Get(c.ID)
	if got.Addr != addrN(1) {
		t.Fatalf("address changed to %v", got.Addr)
	}
}

func TestRecentlySeenOrder(t *testing.T) {
	table := setupTestTable(t, nil)
	base := time.Now()
	tick := 0
	table.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	var ids []kuid.KUID
	for i := 0; i < 5; i++ {
		c := contact.New(kuid.Random(), addrN(i))
		ids = append(ids, c.ID)
		table.Add(c)
	}

	recent := table.RecentlySeen(3)
	if len(recent) != 3 {
		t.Fatalf("got %d contacts", len(recent))
	}
	if recent[0].ID != ids[4] || recent[1].ID != ids[3] {
		t.Fatalf("not most-recent first")
	}
}

func TestStaleBucketsAndTouch(t *testing.T) {
	table := setupTestTable(t, nil)
	local := table.LocalNode().ID

	table.Add(contact.New(idInBucket(local, 3), addrN(1)))

	base := time.Now()
	table.now = func() time.Time { return base.Add(2 * time.Hour) }

	stale := table.StaleBuckets(time.Hour)
	if len(stale) != 1 || stale[0] != 3 {
		t.Fatalf("stale buckets %v, want [3]", stale)
	}

	table.Touch(3)
	if stale := table.StaleBuckets(time.Hour); len(stale) != 0 {
		t.Fatalf("touched bucket still stale: %v", stale)
	}
}

func TestSetLocalNodeRebuckets(t *testing.T) {
	table := setupTestTable(t, nil)
	for i := 0; i < 10; i++ {
		table.Add(contact.New(kuid.Random(), addrN(i)))
	}

	newLocal := contact.New(kuid.Random(), table.LocalNode().Addr)
	table.SetLocalNode(newLocal)

	if table.LocalNode().ID != newLocal.ID {
		t.Fatal("local id not updated")
	}
	if table.Size() != 10 {
		t.Fatalf("size %d after rebucketing, want 10", table.Size())
	}
}
