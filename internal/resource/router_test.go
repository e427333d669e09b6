package resource

import (
	"net/netip"
	"testing"
	"time"

	"github.com/kuuji/zerogate/internal/ids"
)

func TestRouter_LongestPrefixMatch(t *testing.T) {
	t.Parallel()
	r := NewRouter()
	now := time.Now()

	broad := ids.NewResourceID()
	narrow := ids.NewResourceID()
	site := ids.NewSiteID()

	r.UpsertCIDR(broad, site, netip.MustParsePrefix("10.0.0.0/8"), now)
	r.UpsertCIDR(narrow, site, netip.MustParsePrefix("10.0.1.0/24"), now)

	m, ok := r.Lookup(netip.MustParseAddr("10.0.1.5"))
	if !ok {
		t.Fatal("expected a match")
	}
	if m.Resource != narrow {
		t.Fatalf("expected the narrower /24 to win, got resource matching prefix %s", m.Prefix)
	}

	m, ok = r.Lookup(netip.MustParseAddr("10.5.0.1"))
	if !ok || m.Resource != broad {
		t.Fatalf("expected the /8 to match outside the /24, got %+v (ok=%v)", m, ok)
	}

	if _, ok := r.Lookup(netip.MustParseAddr("192.168.1.1")); ok {
		t.Fatal("expected no match outside either prefix")
	}
}

func TestRouter_NewestWinsOnEqualPrefixLength(t *testing.T) {
	t.Parallel()
	r := NewRouter()
	base := time.Now()

	siteA := ids.NewSiteID()
	siteB := ids.NewSiteID()
	resA := ids.NewResourceID()
	resB := ids.NewResourceID()
	prefix := netip.MustParsePrefix("172.16.0.0/16")

	r.UpsertCIDR(resA, siteA, prefix, base)
	// A second resource with the identical prefix, updated later, must win
	// (different resource ids sharing the same address space across sites
	// is explicitly allowed); insert replaces resA's row with resB's.
	r.UpsertCIDR(resB, siteB, prefix, base.Add(time.Minute))

	m, ok := r.Lookup(netip.MustParseAddr("172.16.5.5"))
	if !ok {
		t.Fatal("expected a match")
	}
	if m.Resource != resB {
		t.Fatalf("expected the more recently updated resource to win, got %s want %s", m.Resource, resB)
	}
}

func TestRouter_UpsertReplacesPriorPrefixForSameResource(t *testing.T) {
	t.Parallel()
	r := NewRouter()
	now := time.Now()
	res := ids.NewResourceID()
	site := ids.NewSiteID()

	r.UpsertCIDR(res, site, netip.MustParsePrefix("10.1.0.0/16"), now)
	r.UpsertCIDR(res, site, netip.MustParsePrefix("10.2.0.0/16"), now.Add(time.Second))

	if _, ok := r.Lookup(netip.MustParseAddr("10.1.0.1")); ok {
		t.Fatal("expected the old prefix to be gone after a re-upsert")
	}
	m, ok := r.Lookup(netip.MustParseAddr("10.2.0.1"))
	if !ok || m.Resource != res {
		t.Fatal("expected the new prefix to be routable")
	}
}

func TestRouter_DNSAnswerSynthesisAndExpiry(t *testing.T) {
	t.Parallel()
	r := NewRouter()
	now := time.Now()
	res := ids.NewResourceID()
	site := ids.NewSiteID()

	addr := netip.MustParseAddr("100.64.0.5")
	r.SynthesizeDNSAnswer(res, site, addr, 30*time.Second, now)

	m, ok := r.Lookup(addr)
	if !ok || m.Resource != res || m.Prefix.Bits() != 32 {
		t.Fatalf("expected a /32 match, got %+v (ok=%v)", m, ok)
	}

	r.PurgeExpired(now.Add(31 * time.Second))
	if _, ok := r.Lookup(addr); ok {
		t.Fatal("expected the synthesised entry to expire with the TTL")
	}
}

func TestRouter_DNSAnswerIPv6(t *testing.T) {
	t.Parallel()
	r := NewRouter()
	now := time.Now()
	res := ids.NewResourceID()
	site := ids.NewSiteID()

	addr := netip.MustParseAddr("fd00::5")
	r.SynthesizeDNSAnswer(res, site, addr, time.Minute, now)

	m, ok := r.Lookup(addr)
	if !ok || m.Prefix.Bits() != 128 {
		t.Fatalf("expected a /128 match, got %+v (ok=%v)", m, ok)
	}
}

func TestRouter_SelectGatewayIsDeterministicAndSticky(t *testing.T) {
	t.Parallel()
	r := NewRouter()
	res := ids.NewResourceID()
	client := ids.NewClientID()
	gws := []ids.GatewayID{ids.NewGatewayID(), ids.NewGatewayID(), ids.NewGatewayID()}

	first, ok := r.SelectGateway(res, client, gws)
	if !ok {
		t.Fatal("expected a selection")
	}

	// A fresh router computing the same hash over the same inputs must
	// agree, independent of call history.
	r2 := NewRouter()
	second, ok := r2.SelectGateway(res, client, gws)
	if !ok || second != first {
		t.Fatalf("expected the same deterministic choice, got %s vs %s", first, second)
	}

	// Repeated calls on the same router return the cached selection even
	// though every candidate remains valid (no re-hash churn).
	for i := 0; i < 5; i++ {
		again, ok := r.SelectGateway(res, client, gws)
		if !ok || again != first {
			t.Fatalf("expected sticky selection, got %s on call %d", again, i)
		}
	}
}

func TestRouter_DropGatewayForcesReselection(t *testing.T) {
	t.Parallel()
	r := NewRouter()
	res := ids.NewResourceID()
	client := ids.NewClientID()
	gws := []ids.GatewayID{ids.NewGatewayID(), ids.NewGatewayID()}

	chosen, ok := r.SelectGateway(res, client, gws)
	if !ok {
		t.Fatal("expected a selection")
	}

	r.DropGateway(chosen)
	remaining := []ids.GatewayID{}
	for _, g := range gws {
		if g != chosen {
			remaining = append(remaining, g)
		}
	}

	next, ok := r.SelectGateway(res, client, remaining)
	if !ok {
		t.Fatal("expected a selection among the remaining candidates")
	}
	if next == chosen {
		t.Fatal("dropped gateway must not be reselected when it's no longer a candidate")
	}
}

func TestRouter_MatchNameExactAndWildcard(t *testing.T) {
	t.Parallel()
	r := NewRouter()
	now := time.Now()
	exact := ids.NewResourceID()
	wildcard := ids.NewResourceID()
	site := ids.NewSiteID()

	r.UpsertDNSPattern(exact, site, "app.corp.example.com", now)
	r.UpsertDNSPattern(wildcard, site, "*.corp.example.com", now)

	if res, _, ok := r.MatchName("app.corp.example.com"); !ok || res != exact {
		t.Fatalf("expected exact match to win, got %s (ok=%v)", res, ok)
	}
	if res, _, ok := r.MatchName("other.corp.example.com"); !ok || res != wildcard {
		t.Fatalf("expected wildcard to match a sibling name, got %s (ok=%v)", res, ok)
	}
	if res, _, ok := r.MatchName("APP.corp.example.com."); !ok || res != exact {
		t.Fatalf("expected case/trailing-dot folding, got %s (ok=%v)", res, ok)
	}
	if _, _, ok := r.MatchName("corp.example.com"); ok {
		t.Fatal("wildcard must not match its own bare suffix")
	}
	if _, _, ok := r.MatchName("unrelated.example.net"); ok {
		t.Fatal("expected no match for an unrelated name")
	}
}

func TestRouter_UpsertDNSPatternReplacesForSameResource(t *testing.T) {
	t.Parallel()
	r := NewRouter()
	now := time.Now()
	res := ids.NewResourceID()
	site := ids.NewSiteID()

	r.UpsertDNSPattern(res, site, "old.example.com", now)
	r.UpsertDNSPattern(res, site, "new.example.com", now.Add(time.Second))

	if _, _, ok := r.MatchName("old.example.com"); ok {
		t.Fatal("expected the old pattern to be replaced")
	}
	if resGot, _, ok := r.MatchName("new.example.com"); !ok || resGot != res {
		t.Fatal("expected the new pattern to resolve")
	}
}

func TestRouter_RemoveResourceDropsDNSPattern(t *testing.T) {
	t.Parallel()
	r := NewRouter()
	now := time.Now()
	res := ids.NewResourceID()
	site := ids.NewSiteID()

	r.UpsertDNSPattern(res, site, "gone.example.com", now)
	r.RemoveResource(res)

	if _, _, ok := r.MatchName("gone.example.com"); ok {
		t.Fatal("expected the name pattern to be removed with its resource")
	}
}

func TestRouter_RemoveResource(t *testing.T) {
	t.Parallel()
	r := NewRouter()
	now := time.Now()
	res := ids.NewResourceID()
	site := ids.NewSiteID()

	r.UpsertCIDR(res, site, netip.MustParsePrefix("10.9.0.0/16"), now)
	r.RemoveResource(res)

	if _, ok := r.Lookup(netip.MustParseAddr("10.9.0.1")); ok {
		t.Fatal("expected no match after removing the owning resource")
	}
}
