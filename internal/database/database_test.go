package database

import (
	"database/sql"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/contact"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
	"github.com/Trustflow-Network-Labs/dht-node/internal/utils"
	_ "modernc.org/sqlite"
)

func setupTestSQLite(t *testing.T) *SQLiteManager {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	cm := utils.NewConfigManagerFromMap(map[string]string{"dht_max_values_per_key": "2"})
	logger := utils.NewLogsManagerForWriter(io.Discard, "error")

	sqlm, err := NewSQLiteManagerWithDB(db, cm, logger)
	if err != nil {
		t.Fatalf("Failed to create SQLiteManager: %v", err)
	}
	return sqlm
}

func newTuple(primary kuid.KUID, payload string) ValueTuple {
	creator := contact.New(kuid.Random(), netip.MustParseAddrPort("10.0.0.9:4000"))
	return ValueTuple{
		PrimaryKey:   primary,
		SecondaryKey: creator.ID,
		Type:         ValueTypeText,
		Payload:      []byte(payload),
		Creator:      creator,
	}
}

// databaseContract runs the same checks against every implementation.
func databaseContract(t *testing.T, db Database) {
	key := kuid.Random()
	a := newTuple(key, "a")
	b := newTuple(key, "b")
	c := newTuple(key, "c")

	if !db.Store(a) || !db.Store(b) {
		t.Fatal("Expected first two values to be stored")
	}
	if db.Store(c) {
		t.Error("Expected third value to be rejected by the per-key limit")
	}

	got := db.Get(key)
	if len(got) != 2 {
		t.Fatalf("Expected 2 values, got %d", len(got))
	}
	for _, v := range got {
		if v.CreationTime.IsZero() {
			t.Error("Expected creation time to be set")
		}
	}

	// replacement keeps the count
	a2 := a
	a2.Payload = []byte("a2")
	a2.Version = 1
	if !db.Store(a2) {
		t.Fatal("Expected replacement to be accepted")
	}
	stale := a
	stale.Payload = []byte("old")
	if db.Store(stale) {
		t.Error("Expected older version to be rejected")
	}

	found := false
	for _, v := range db.Get(key) {
		if v.SecondaryKey == a.SecondaryKey {
			found = true
			if string(v.Payload) != "a2" {
				t.Errorf("Expected replaced payload a2, got %q", v.Payload)
			}
			if v.Creator.ID != a.Creator.ID || v.Creator.Addr != a.Creator.Addr {
				t.Errorf("Creator not preserved: %+v", v.Creator)
			}
		}
	}
	if !found {
		t.Error("Replaced value missing")
	}

	// a remove older than the stored value is ignored
	staleRemove := a
	staleRemove.Payload = nil
	staleRemove.Version = 0
	if db.Store(staleRemove) {
		t.Error("Expected stale removal to be rejected")
	}
	if n := db.Size(); n != 2 {
		t.Errorf("Expected stale removal to keep 2 values, got %d", n)
	}

	// empty payload removes
	remove := b
	remove.Payload = nil
	if !db.Store(remove) {
		t.Error("Expected removal to succeed")
	}
	if db.Store(remove) {
		t.Error("Expected second removal to report nothing removed")
	}
	if n := db.Size(); n != 1 {
		t.Errorf("Expected 1 value after removal, got %d", n)
	}

	// expiry spares local values
	local := newTuple(kuid.Random(), "mine")
	local.LocalOrigin = true
	local.CreationTime = time.Now().Add(-2 * time.Hour)
	db.Store(local)

	if n := db.Expire(time.Now().Add(time.Minute)); n != 1 {
		t.Errorf("Expected 1 expired value, got %d", n)
	}
	if vals := db.Values(); len(vals) != 1 || !vals[0].LocalOrigin {
		t.Errorf("Expected only the local value to survive, got %v", vals)
	}
}

func TestMemoryDatabaseContract(t *testing.T) {
	databaseContract(t, NewMemoryDatabase(2, 0.25))
}

func TestSQLiteDatabaseContract(t *testing.T) {
	sqlm := setupTestSQLite(t)
	databaseContract(t, sqlm.Values)
}

func TestRequestLoad(t *testing.T) {
	lt := newLoadTracker(0.5)
	now := time.Unix(1000, 0)
	lt.now = func() time.Time { return now }
	key := kuid.Random()

	if l := lt.requestLoad(key, false); l != 0 {
		t.Errorf("Expected zero load for unknown key, got %v", l)
	}
	if l := lt.requestLoad(key, true); l != 0.5 {
		t.Errorf("Expected 0.5 after first request, got %v", l)
	}

	now = now.Add(time.Second)
	// 0.5*1 + 0.5*0.5
	if l := lt.requestLoad(key, true); l != 0.75 {
		t.Errorf("Expected 0.75 after one request per second, got %v", l)
	}

	now = now.Add(500 * time.Millisecond)
	// 0.5*2 + 0.5*0.75
	if l := lt.requestLoad(key, true); l != 1.375 {
		t.Errorf("Expected 1.375, got %v", l)
	}
	if l := lt.requestLoad(key, false); l != 1.375 {
		t.Errorf("Peek must not change load, got %v", l)
	}
}

func TestBlacklist(t *testing.T) {
	sqlm := setupTestSQLite(t)
	ip := netip.MustParseAddr("192.0.2.7")

	bl, err := NewBlacklist(sqlm)
	if err != nil {
		t.Fatalf("NewBlacklist failed: %v", err)
	}
	if err := bl.Add(ip, "spoofing"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !bl.Contains(netip.MustParseAddr("::ffff:192.0.2.7")) {
		t.Error("Expected mapped form to be blacklisted")
	}

	// reload from the table
	reloaded, err := NewBlacklist(sqlm)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if !reloaded.Contains(ip) {
		t.Error("Expected blacklist entry to persist")
	}

	if err := reloaded.Remove(ip); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if ok, _ := sqlm.IsBlacklisted(ip); ok {
		t.Error("Expected entry removed from table")
	}
	if err := sqlm.RemoveFromBlacklist(ip); err != sql.ErrNoRows {
		t.Errorf("Expected sql.ErrNoRows, got %v", err)
	}
}

func TestKnownContacts(t *testing.T) {
	sqlm := setupTestSQLite(t)

	older := contact.New(kuid.Random(), netip.MustParseAddrPort("10.0.0.1:4000"))
	older.LastSeen = time.Now().Add(-time.Hour)
	newer := contact.New(kuid.Random(), netip.MustParseAddrPort("10.0.0.2:4000"))
	newer.LastSeen = time.Now()
	newer.RTT = 40 * time.Millisecond
	newer.Flags = contact.FlagFirewalled

	if err := sqlm.Contacts.Save([]contact.Contact{older, newer}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := sqlm.Contacts.Recent(10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 contacts, got %d", len(got))
	}
	if got[0].ID != newer.ID {
		t.Error("Expected most recent contact first")
	}
	if got[0].RTT != newer.RTT || !got[0].IsFirewalled() {
		t.Errorf("Contact fields not preserved: %+v", got[0])
	}

	n, err := sqlm.Contacts.Prune(time.Now().Add(-time.Minute))
	if err != nil || n != 1 {
		t.Errorf("Expected 1 pruned contact, got %d (%v)", n, err)
	}
}

func TestValueTypeString(t *testing.T) {
	if ValueTypeText.String() != "TEXT" {
		t.Errorf("Expected TEXT, got %s", ValueTypeText)
	}
	if _, err := ParseValueType("TOOLONG"); err == nil {
		t.Error("Expected error for long code")
	}
	if vt, _ := ParseValueType("any"); vt != ValueTypeAny {
		t.Error("Expected ANY")
	}
	if !ValueTypeAny.Matches(ValueTypeBinary) || ValueTypeText.Matches(ValueTypeBinary) {
		t.Error("Unexpected Matches result")
	}
}
