// Package resource implements the routing table of §4.8: two
// longest-prefix-match tables (v4 and v6) mapping tunnel-destination IPs to
// the resource and site that own them, plus deterministic gateway
// selection. DNS resources synthesise ephemeral entries into the same
// tables on resolution rather than living in a separate structure, so a
// single Lookup call handles both static CIDR resources and dynamically
// resolved ones. A separate name-pattern table resolves a query name to
// its owning resource before any address is known, which is what
// internal/dnsresolver consults ahead of synthesising or forwarding an
// answer.
package resource

import (
	"hash/fnv"
	"net/netip"
	"strings"
	"time"

	"github.com/kuuji/zerogate/internal/ids"
)

// Kind discriminates a Resource's address-space shape.
type Kind int

const (
	KindCIDR Kind = iota
	KindDNS
	KindInternet
)

// entry is one routing table row. expiresAt is zero for statically
// configured CIDR resources; DNS-synthesised rows carry the upstream
// record's TTL and are swept by PurgeExpired.
type entry struct {
	prefix    netip.Prefix
	resource  ids.ResourceID
	site      ids.SiteID
	updatedAt time.Time
	expiresAt time.Time
}

// Match is a successful routing lookup.
type Match struct {
	Resource ids.ResourceID
	Site     ids.SiteID
	Prefix   netip.Prefix
}

type selectionKey struct {
	resource ids.ResourceID
	client   ids.ClientID
}

// namePattern is a configured DNS resource: either an exact name or a
// "*.suffix" wildcard, matched against incoming queries before any upstream
// dispatch is attempted.
type namePattern struct {
	resource  ids.ResourceID
	site      ids.SiteID
	pattern   string
	updatedAt time.Time
}

// Router holds every resource CIDR a client or gateway process knows
// about, the configured DNS name patterns, and the sticky gateway
// selections derived from them. It is not goroutine-safe; callers
// serialize access the same way internal/pool's callers do.
type Router struct {
	v4 []entry
	v6 []entry

	names []namePattern

	selections map[selectionKey]ids.GatewayID
}

func NewRouter() *Router {
	return &Router{selections: make(map[selectionKey]ids.GatewayID)}
}

// UpsertDNSPattern adds or replaces a DNS resource's name pattern. pattern
// is either an exact FQDN ("app.corp.example.com") or a wildcard
// ("*.corp.example.com") matching any name under that suffix at any depth,
// per §4.8's "DNS resources" rule. Names are compared case-insensitively
// and with a trailing dot ignored, since that's how DNS presents them on
// the wire (internal/wire.NormalizeDNSName applies the same folding).
func (r *Router) UpsertDNSPattern(id ids.ResourceID, site ids.SiteID, pattern string, now time.Time) {
	normalized := normalizeName(pattern)
	for i, p := range r.names {
		if p.resource == id {
			r.names[i] = namePattern{resource: id, site: site, pattern: normalized, updatedAt: now}
			return
		}
	}
	r.names = append(r.names, namePattern{resource: id, site: site, pattern: normalized, updatedAt: now})
}

// RemoveDNSPattern drops the name pattern owned by id, if any.
func (r *Router) RemoveDNSPattern(id ids.ResourceID) {
	kept := r.names[:0]
	for _, p := range r.names {
		if p.resource != id {
			kept = append(kept, p)
		}
	}
	r.names = kept
}

// MatchName resolves a query name to the DNS resource that owns it, if
// any. Exact patterns are preferred over wildcards, and among equal-
// specificity matches the most recently updated pattern wins, mirroring
// Lookup's CIDR tie-break.
func (r *Router) MatchName(name string) (ids.ResourceID, ids.SiteID, bool) {
	name = normalizeName(name)

	var best *namePattern
	bestExact := false
	for i := range r.names {
		p := &r.names[i]
		exact := p.pattern == name
		wildcard := !exact && strings.HasPrefix(p.pattern, "*.") && strings.HasSuffix(name, p.pattern[1:]) && name != p.pattern[2:]
		if !exact && !wildcard {
			continue
		}
		switch {
		case best == nil:
			best, bestExact = p, exact
		case exact && !bestExact:
			best, bestExact = p, exact
		case exact == bestExact && p.updatedAt.After(best.updatedAt):
			best, bestExact = p, exact
		}
	}
	if best == nil {
		return ids.ResourceID{}, ids.SiteID{}, false
	}
	return best.resource, best.site, true
}

// PatternFor returns the DNS name pattern configured for a resource, for
// building PTR answers back from a synthesised address to its owning
// name (internal/dnsresolver consults this after an address-pool
// reverse lookup).
func (r *Router) PatternFor(id ids.ResourceID) (string, bool) {
	for _, p := range r.names {
		if p.resource == id {
			return p.pattern, true
		}
	}
	return "", false
}

func normalizeName(name string) string {
	name = strings.TrimSuffix(name, ".")
	return strings.ToLower(name)
}

// UpsertCIDR adds or replaces a statically configured resource's address
// space. A second call with the same resource id replaces its prefix and
// bumps updatedAt, so a portal-pushed resource edit takes effect as a
// newest-wins update rather than leaving a stale duplicate row behind.
func (r *Router) UpsertCIDR(id ids.ResourceID, site ids.SiteID, prefix netip.Prefix, now time.Time) {
	r.removeResource(id)
	r.insert(entry{prefix: prefix, resource: id, site: site, updatedAt: now})
}

// SynthesizeDNSAnswer inserts an ephemeral /32 or /128 entry for a single
// resolved address, expiring with the DNS record's TTL (§4.8, §4.9).
func (r *Router) SynthesizeDNSAnswer(id ids.ResourceID, site ids.SiteID, addr netip.Addr, ttl time.Duration, now time.Time) {
	bits := 32
	if addr.Is6() {
		bits = 128
	}
	prefix := netip.PrefixFrom(addr, bits)
	r.insert(entry{prefix: prefix, resource: id, site: site, updatedAt: now, expiresAt: now.Add(ttl)})
}

// insert appends to the family-appropriate table, replacing any existing
// row with the identical prefix (the newest update always wins for a
// repeated exact address, which is the common re-resolution case).
func (r *Router) insert(e entry) {
	table := &r.v4
	if e.prefix.Addr().Is6() {
		table = &r.v6
	}
	for i, existing := range *table {
		if existing.prefix == e.prefix {
			(*table)[i] = e
			return
		}
	}
	*table = append(*table, e)
}

// RemoveResource drops every entry belonging to id, e.g. on portal-side
// resource deletion.
func (r *Router) RemoveResource(id ids.ResourceID) {
	r.removeResource(id)
}

func (r *Router) removeResource(id ids.ResourceID) {
	r.v4 = filterOut(r.v4, id)
	r.v6 = filterOut(r.v6, id)
	r.RemoveDNSPattern(id)
}

func filterOut(table []entry, id ids.ResourceID) []entry {
	kept := table[:0]
	for _, e := range table {
		if e.resource != id {
			kept = append(kept, e)
		}
	}
	return kept
}

// Lookup finds the routing entry for addr: the longest matching prefix,
// breaking ties between equal-length prefixes by most-recently-updated
// (§3's "routing ambiguity resolves to the most recently updated
// resource").
func (r *Router) Lookup(addr netip.Addr) (Match, bool) {
	table := r.v4
	if addr.Is6() {
		table = r.v6
	}

	var best *entry
	for i := range table {
		e := &table[i]
		if !e.prefix.Contains(addr) {
			continue
		}
		if best == nil {
			best = e
			continue
		}
		switch {
		case e.prefix.Bits() > best.prefix.Bits():
			best = e
		case e.prefix.Bits() == best.prefix.Bits() && e.updatedAt.After(best.updatedAt):
			best = e
		}
	}
	if best == nil {
		return Match{}, false
	}
	return Match{Resource: best.resource, Site: best.site, Prefix: best.prefix}, true
}

// StaticPrefixes returns every statically configured (non DNS-synthesised)
// resource prefix, for a host computing the tunnel interface's route table
// (C10): ephemeral DNS answers live inside the owning resolver's own address
// pool and don't need their own route entries.
func (r *Router) StaticPrefixes() []netip.Prefix {
	var out []netip.Prefix
	for _, e := range r.v4 {
		if e.expiresAt.IsZero() {
			out = append(out, e.prefix)
		}
	}
	for _, e := range r.v6 {
		if e.expiresAt.IsZero() {
			out = append(out, e.prefix)
		}
	}
	return out
}

// PurgeExpired removes DNS-synthesised entries whose TTL has elapsed.
// Statically configured rows (zero expiresAt) are never touched.
func (r *Router) PurgeExpired(now time.Time) {
	r.v4 = purge(r.v4, now)
	r.v6 = purge(r.v6, now)
}

func purge(table []entry, now time.Time) []entry {
	kept := table[:0]
	for _, e := range table {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

// SelectGateway picks a gateway for (resource, client) from candidates via
// a deterministic hash, and remembers the choice until DropGateway
// observes that gateway disconnecting (§4.8). candidates must be
// non-empty; callers hold it stable only to the extent the portal's
// advertised set is stable between calls, which is why the selection is
// cached rather than recomputed on every packet.
func (r *Router) SelectGateway(resourceID ids.ResourceID, clientID ids.ClientID, candidates []ids.GatewayID) (ids.GatewayID, bool) {
	if len(candidates) == 0 {
		return ids.GatewayID{}, false
	}
	key := selectionKey{resource: resourceID, client: clientID}
	if gw, ok := r.selections[key]; ok {
		for _, c := range candidates {
			if c == gw {
				return gw, true
			}
		}
		// The remembered gateway fell out of the candidate set; fall
		// through and reselect deterministically below.
	}

	idx := gatewayHash(resourceID, clientID) % uint64(len(candidates))
	gw := candidates[idx]
	r.selections[key] = gw
	return gw, true
}

// DropGateway forgets every sticky selection pointing at gw, forcing the
// next SelectGateway call for an affected (resource, client) pair to
// reselect from whatever candidates remain.
func (r *Router) DropGateway(gw ids.GatewayID) {
	for key, selected := range r.selections {
		if selected == gw {
			delete(r.selections, key)
		}
	}
}

// gatewayHash combines a resource and client id into a stable 64-bit
// value. FNV-1a is used instead of Go's built-in maphash because the
// result must be reproducible across processes and restarts: every
// gateway candidate list is evaluated against the same hash, not just the
// local process's.
func gatewayHash(resourceID ids.ResourceID, clientID ids.ClientID) uint64 {
	h := fnv.New64a()
	var buf [32]byte
	copy(buf[:16], resourceID[:])
	copy(buf[16:], clientID[:])
	h.Write(buf[:])
	return h.Sum64()
}
