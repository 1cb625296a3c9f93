package contact

import (
	"net/netip"
	"testing"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
)

func TestIsValidAddr(t *testing.T) {
	cases := map[string]bool{
		"10.0.0.1:4000":   true,
		"[::1]:4000":      true,
		"0.0.0.0:4000":    false,
		"10.0.0.1:0":      false,
		"224.0.0.1:4000":  false,
		"[::]:4000":       false,
		"127.0.0.1:30610": true,
	}
	for s, want := range cases {
		if got := IsValidAddr(netip.MustParseAddrPort(s)); got != want {
			t.Errorf("IsValidAddr(%s) = %v, want %v", s, got, want)
		}
	}
	if IsValidAddr(netip.AddrPort{}) {
		t.Error("zero AddrPort must be invalid")
	}
}

func TestAdaptiveTimeout(t *testing.T) {
	def := 5 * time.Second
	min := 500 * time.Millisecond

	c := New(kuid.Random(), netip.MustParseAddrPort("10.0.0.1:1"))
	if got := c.AdaptiveTimeout(def, min); got != def {
		t.Errorf("unknown contact: expected %v, got %v", def, got)
	}

	c = c.Seen(time.Now(), 100*time.Millisecond)
	if got := c.AdaptiveTimeout(def, min); got != min {
		t.Errorf("fast contact: expected floor %v, got %v", min, got)
	}

	c.RTT = time.Second
	c.Failures = 1
	if got := c.AdaptiveTimeout(def, min); got != 4*time.Second {
		t.Errorf("expected 4s, got %v", got)
	}

	c.Failures = 5
	if got := c.AdaptiveTimeout(def, min); got != def {
		t.Errorf("expected ceiling %v, got %v", def, got)
	}
}

func TestSeenSmoothsRTT(t *testing.T) {
	c := New(kuid.Random(), netip.MustParseAddrPort("10.0.0.1:1"))
	c.Failures = 3

	c = c.Seen(time.Now(), 800*time.Millisecond)
	if c.RTT != 800*time.Millisecond || c.Failures != 0 || !c.IsAlive() {
		t.Fatalf("unexpected contact after first sample: %+v", c)
	}

	c = c.Seen(time.Now(), 0)
	if c.RTT != 800*time.Millisecond {
		t.Errorf("zero sample must not change RTT, got %v", c.RTT)
	}

	c = c.Seen(time.Now(), 1600*time.Millisecond)
	if c.RTT != 900*time.Millisecond {
		t.Errorf("expected smoothed 900ms, got %v", c.RTT)
	}
}

func TestSameAddrUnmaps(t *testing.T) {
	a := netip.MustParseAddrPort("10.0.0.1:4000")
	b := netip.MustParseAddrPort("[::ffff:10.0.0.1]:4000")
	if !SameAddr(a, b) {
		t.Error("expected mapped address to compare equal")
	}
}
