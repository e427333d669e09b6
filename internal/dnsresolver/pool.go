package dnsresolver

import (
	"net/netip"

	"github.com/kuuji/zerogate/internal/ids"
)

// familyPool hands out sequential addresses from a single family's base
// prefix and remembers which resource owns each one, so a repeated
// resolution of the same resource always yields the same address (§4.9's
// "allocation is stable for the lifetime of the resource").
type familyPool struct {
	prefix   netip.Prefix
	nextHost uint64 // offset from prefix.Addr(), host-bit-relative

	byResource map[ids.ResourceID]netip.Addr
	byAddr     map[netip.Addr]ids.ResourceID
}

func newFamilyPool(prefix netip.Prefix) *familyPool {
	return &familyPool{
		prefix:     prefix,
		nextHost:   1, // skip the network address itself
		byResource: make(map[ids.ResourceID]netip.Addr),
		byAddr:     make(map[netip.Addr]ids.ResourceID),
	}
}

// allocate returns the stable address for id, assigning a fresh one from
// the pool on first use. It reports false once the prefix is exhausted.
func (p *familyPool) allocate(id ids.ResourceID) (netip.Addr, bool) {
	if addr, ok := p.byResource[id]; ok {
		return addr, true
	}
	addr, ok := addOffset(p.prefix, p.nextHost)
	if !ok {
		return netip.Addr{}, false
	}
	p.nextHost++
	p.byResource[id] = addr
	p.byAddr[addr] = id
	return addr, true
}

// lookup resolves a synthesised address back to the resource that owns
// it, for PTR answers.
func (p *familyPool) lookup(addr netip.Addr) (ids.ResourceID, bool) {
	id, ok := p.byAddr[addr]
	return id, ok
}

// release frees a resource's allocation, e.g. when its resource is
// removed from the routing table.
func (p *familyPool) release(id ids.ResourceID) {
	addr, ok := p.byResource[id]
	if !ok {
		return
	}
	delete(p.byResource, id)
	delete(p.byAddr, addr)
}

// addOffset adds a host-relative offset to prefix's base address,
// reporting false if the result overflows the prefix's address space.
func addOffset(prefix netip.Prefix, offset uint64) (netip.Addr, bool) {
	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	if hostBits < 64 && offset>>uint(hostBits) != 0 {
		return netip.Addr{}, false
	}

	base := prefix.Addr().As16()
	var carry uint64
	for i := 15; i >= 0 && (offset != 0 || carry != 0); i-- {
		sum := uint64(base[i]) + offset&0xFF + carry
		base[i] = byte(sum)
		carry = sum >> 8
		offset >>= 8
	}
	addr := netip.AddrFrom16(base)
	if prefix.Addr().Is4() {
		addr = addr.Unmap()
	}
	if !prefix.Contains(addr) {
		return netip.Addr{}, false
	}
	return addr, true
}

// addressPool is the resolver's full synthesis state: one familyPool per
// address family, each backed by this resolver's own v4 and v6 ranges
// (this resolver instance belongs to a single client, so there is no
// separate per-client partitioning to do here - §4.9's "per-client /96
// pool" is simply this pool, sized as a /96 by the caller).
type addressPool struct {
	v4 *familyPool
	v6 *familyPool
}

func newAddressPool(v4Prefix, v6Prefix netip.Prefix) *addressPool {
	return &addressPool{v4: newFamilyPool(v4Prefix), v6: newFamilyPool(v6Prefix)}
}

func (p *addressPool) allocate(id ids.ResourceID, v6 bool) (netip.Addr, bool) {
	if v6 {
		return p.v6.allocate(id)
	}
	return p.v4.allocate(id)
}

func (p *addressPool) lookup(addr netip.Addr) (ids.ResourceID, bool) {
	if addr.Is4() || addr.Is4In6() {
		return p.v4.lookup(addr)
	}
	return p.v6.lookup(addr)
}

func (p *addressPool) release(id ids.ResourceID) {
	p.v4.release(id)
	p.v6.release(id)
}
