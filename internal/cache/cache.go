// Package cache holds the reference-coupled in-memory topology model:
// links, networks, link<->network bindings, bridge FDB entries and tracked
// neighbors, along with the eight indices spec §3 requires and the
// invariants that keep them coherent.
//
// The cache is single-writer, single-reader by construction (see spec §5):
// only the topology engine's event loop goroutine ever touches it, so no
// internal locking is needed or provided. Concurrent access from another
// goroutine is a caller bug, not something this package guards against.
package cache

import "net"

// Cache is the topology model. Zero value is not usable; use New.
type Cache struct {
	clock Clock

	// Owning indices (★ in spec §3).
	links     map[int32]*Link
	networks  map[uint32]*Network
	fdbs      map[FDBKey]*FDBEntry
	neighbors map[NeighKey]*Neighbor

	// Non-owning indices.
	networkByAddr map[[16]byte]*Network
	linknetByNV   map[NetVlanKey]*LinkNetwork
	linknetByAI   map[AddrIfindexKey]*LinkNetwork

	nextNetworkID  uint32
	nextNeighborID uint64
}

// New builds an empty cache backed by clock.
func New(clock Clock) *Cache {
	return &Cache{
		clock:          clock,
		links:          make(map[int32]*Link),
		networks:       make(map[uint32]*Network),
		fdbs:           make(map[FDBKey]*FDBEntry),
		neighbors:      make(map[NeighKey]*Neighbor),
		networkByAddr:  make(map[[16]byte]*Network),
		linknetByNV:    make(map[NetVlanKey]*LinkNetwork),
		linknetByAI:    make(map[AddrIfindexKey]*LinkNetwork),
		nextNetworkID:  1,
		nextNeighborID: 1,
	}
}

func (c *Cache) touch(t *Times, count *uint64) bool {
	now, err := c.clock.Now()
	if err != nil {
		return false
	}
	t.Referenced = now
	*count++
	return true
}

// ---- Link ----

// InsertLink adds a brand-new Link. Callers must check PeekLink first;
// InsertLink does not check for an existing entry.
func (c *Cache) InsertLink(l *Link) {
	c.links[l.Ifindex] = l
}

// PeekLink returns the link without bumping its reference bookkeeping —
// used internally by cascades and by callers that already hold a fresh
// reference (e.g. immediately after InsertLink).
func (c *Cache) PeekLink(ifindex int32) (*Link, bool) {
	l, ok := c.links[ifindex]
	return l, ok
}

// GetLink looks up a link and, on a hit, bumps its reference bookkeeping. A
// clock failure during that bump degrades the lookup to a miss, per spec
// §4.1.
func (c *Cache) GetLink(ifindex int32) (*Link, bool) {
	l, ok := c.links[ifindex]
	if !ok {
		return nil, false
	}
	if !c.touch(&l.Times, &l.ReferenceCount) {
		return nil, false
	}
	return l, true
}

// DeleteLink cascades: every LinkNetwork owned by the link is detached
// (which also decrements the owning Network's refcnt and may not delete the
// Network itself — only ADDR DEL / network exhaustion does that), every FDB
// entry attached via this link is purged from the fdb table, then the link
// itself is freed. Deleting an unknown ifindex is a no-op returning false,
// matching the idempotent-delete policy in spec §4.2.
func (c *Cache) DeleteLink(ifindex int32) bool {
	l, ok := c.links[ifindex]
	if !ok {
		return false
	}

	// Snapshot before mutating: detachLinkNetwork mutates l.Networks
	// as a side effect, so iterating the live slice would skip entries.
	networks := make([]*LinkNetwork, len(l.Networks))
	copy(networks, l.Networks)
	for _, ln := range networks {
		c.detachLinkNetwork(ln)
	}

	fdbs := make([]*FDBEntry, len(l.FDBs))
	copy(fdbs, l.FDBs)
	for _, f := range fdbs {
		delete(c.fdbs, fdbKey(f.MAC, f.Ifindex, f.VlanID))
	}

	delete(c.links, ifindex)
	return true
}

// ---- Network ----

// NextNetworkID returns the next monotonic network ID and advances the
// counter, mirroring the C source's static incrementing counter.
func (c *Cache) NextNetworkID() uint32 {
	id := c.nextNetworkID
	c.nextNetworkID++
	return id
}

// InsertNetwork installs n into both the network table and the
// network-by-address index. Callers are responsible for ensuring no other
// Network already claims n.Address (the "no two Networks share a canonical
// address" invariant) — the topology engine's ADDR ADD handler checks this
// with GetNetworkByAddr before calling in.
func (c *Cache) InsertNetwork(n *Network) {
	c.networks[n.ID] = n
	c.networkByAddr[n.Address] = n
}

// RemoveNetworkIndicesOnly undoes InsertNetwork without touching any
// LinkNetwork — used by the topology engine to roll back a Network it just
// created when the paired eBPF map update fails.
func (c *Cache) RemoveNetworkIndicesOnly(n *Network) {
	delete(c.networks, n.ID)
	delete(c.networkByAddr, n.Address)
}

// GetNetworkByID bumps reference bookkeeping on a hit (grounded on
// cache_get_network_by_id in the C source).
func (c *Cache) GetNetworkByID(id uint32) (*Network, bool) {
	n, ok := c.networks[id]
	if !ok {
		return nil, false
	}
	if !c.touch(&n.Times, &n.ReferenceCount) {
		return nil, false
	}
	return n, true
}

// GetNetworkByAddr does not bump reference bookkeeping: the C source's
// cache_get_network (keyed on the canonical address) is used purely as an
// existence check before creating a network, and never touches
// times.referenced.
func (c *Cache) GetNetworkByAddr(addr [16]byte) (*Network, bool) {
	n, ok := c.networkByAddr[addr]
	return n, ok
}

// FindNetworkOnLink walks link's owned Networks looking for one whose
// canonical address and prefix length match — the lookup ADDR DEL needs to
// locate the Network to remove (spec §4.2 ADDR DEL).
func (c *Cache) FindNetworkOnLink(link *Link, addr [16]byte, prefixlen int) (*Network, bool) {
	for _, ln := range link.Networks {
		if ln.Network.Address == addr && ln.Network.Prefixlen == prefixlen {
			return ln.Network, true
		}
	}
	return nil, false
}

// DeleteNetwork detaches every LinkNetwork bound to the network (snapshotting
// first, per the fixed traversal from spec §9's Open Question), then removes
// the network from both owning indices.
func (c *Cache) DeleteNetwork(n *Network) {
	links := make([]*LinkNetwork, len(n.Links))
	copy(links, n.Links)
	for _, ln := range links {
		c.detachLinkNetwork(ln)
	}
	delete(c.networks, n.ID)
	delete(c.networkByAddr, n.Address)
}

// ---- LinkNetwork ----

// InsertLinkNetwork wires ln into both back-reference lists and both
// lookup indices, and bumps ln.Network.RefCount so the refcnt law holds.
func (c *Cache) InsertLinkNetwork(ln *LinkNetwork) {
	ln.Network.Links = append(ln.Network.Links, ln)
	ln.Network.RefCount++
	ln.Link.Networks = append(ln.Link.Networks, ln)

	c.linknetByNV[NetVlanKey{NetworkID: ln.Network.ID, VlanID: ln.Link.VlanID}] = ln
	c.linknetByAI[AddrIfindexKey{Addr: ln.Network.Address, Ifindex: ln.Link.Ifindex}] = ln
}

// GetLinkNetworkByNetVlan implements the linkwork-by-(network_id, vlan_id)
// index lookup used by the reply correlator.
func (c *Cache) GetLinkNetworkByNetVlan(networkID uint32, vlanID uint16) (*LinkNetwork, bool) {
	ln, ok := c.linknetByNV[NetVlanKey{NetworkID: networkID, VlanID: vlanID}]
	return ln, ok
}

// GetLinkNetworkByAddrIfindex implements the linknet-by-(network_address,
// ifindex) index lookup used by ADDR ADD to detect an existing binding.
func (c *Cache) GetLinkNetworkByAddrIfindex(addr [16]byte, ifindex int32) (*LinkNetwork, bool) {
	ln, ok := c.linknetByAI[AddrIfindexKey{Addr: addr, Ifindex: ifindex}]
	return ln, ok
}

// LinkNetworkForIP scans link's owned networks for the one whose CIDR
// contains ip: a host is on network N iff mask(ip, N.prefixlen) == N.address.
// This is the NEIGH ADD resolution path (spec §4.2).
func (c *Cache) LinkNetworkForIP(link *Link, maskFn func(ip [16]byte, prefixlen int) [16]byte, ip [16]byte) (*LinkNetwork, bool) {
	for _, ln := range link.Networks {
		if maskFn(ip, ln.Network.Prefixlen) == ln.Network.Address {
			return ln, true
		}
	}
	return nil, false
}

// detachLinkNetwork removes ln from both indices and both owning lists, and
// decrements Network.RefCount. It never deletes the Network or Link
// themselves — the caller (DeleteLink / DeleteNetwork) owns that decision.
func (c *Cache) detachLinkNetwork(ln *LinkNetwork) {
	delete(c.linknetByNV, NetVlanKey{NetworkID: ln.Network.ID, VlanID: ln.Link.VlanID})
	delete(c.linknetByAI, AddrIfindexKey{Addr: ln.Network.Address, Ifindex: ln.Link.Ifindex})

	ln.Network.Links = removeLinkNetwork(ln.Network.Links, ln)
	ln.Link.Networks = removeLinkNetwork(ln.Link.Networks, ln)
	ln.Network.RefCount--
}

func removeLinkNetwork(list []*LinkNetwork, target *LinkNetwork) []*LinkNetwork {
	for i, v := range list {
		if v == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// ---- FDB ----

// InsertFDB adds f to the fdb table and attaches it to its Link's owned
// list.
func (c *Cache) InsertFDB(f *FDBEntry) {
	c.fdbs[fdbKey(f.MAC, f.Ifindex, f.VlanID)] = f
	f.Link.FDBs = append(f.Link.FDBs, f)
}

// GetFDB bumps reference bookkeeping on a hit.
func (c *Cache) GetFDB(mac net.HardwareAddr, ifindex int32, vlanID uint16) (*FDBEntry, bool) {
	f, ok := c.fdbs[fdbKey(mac, ifindex, vlanID)]
	if !ok {
		return nil, false
	}
	if !c.touch(&f.Times, &f.ReferenceCount) {
		return nil, false
	}
	return f, true
}

// DeleteFDB removes the entry if present, detaching it from its Link's
// owned list. Deleting an unknown key is a no-op returning false.
func (c *Cache) DeleteFDB(mac net.HardwareAddr, ifindex int32, vlanID uint16) bool {
	key := fdbKey(mac, ifindex, vlanID)
	f, ok := c.fdbs[key]
	if !ok {
		return false
	}
	delete(c.fdbs, key)
	f.Link.FDBs = removeFDB(f.Link.FDBs, f)
	return true
}

func removeFDB(list []*FDBEntry, target *FDBEntry) []*FDBEntry {
	for i, v := range list {
		if v == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// ---- Neighbor ----

// NextNeighborID returns the next monotonic neighbor ID and advances the
// counter.
func (c *Cache) NextNeighborID() uint64 {
	id := c.nextNeighborID
	c.nextNeighborID++
	return id
}

// InsertNeighbor adds n to the neigh table.
func (c *Cache) InsertNeighbor(n *Neighbor) {
	c.neighbors[NeighKey{Ifindex: n.Ifindex, IP: n.IP}] = n
}

// GetNeighbor bumps reference bookkeeping on a hit.
func (c *Cache) GetNeighbor(ifindex int32, ip [16]byte) (*Neighbor, bool) {
	n, ok := c.neighbors[NeighKey{Ifindex: ifindex, IP: ip}]
	if !ok {
		return nil, false
	}
	if !c.touch(&n.Times, &n.ReferenceCount) {
		return nil, false
	}
	return n, true
}

// DeleteNeighbor removes the entry if present. Deleting an unknown key is a
// no-op returning (nil, false).
func (c *Cache) DeleteNeighbor(ifindex int32, ip [16]byte) (*Neighbor, bool) {
	key := NeighKey{Ifindex: ifindex, IP: ip}
	n, ok := c.neighbors[key]
	if !ok {
		return nil, false
	}
	delete(c.neighbors, key)
	return n, true
}

// ---- introspection for tests / stats ----

// LinkCount, NetworkCount, FDBCount and NeighborCount expose owning-index
// sizes for tests and for a future stats surface; they never bump reference
// bookkeeping.
func (c *Cache) LinkCount() int     { return len(c.links) }
func (c *Cache) NetworkCount() int  { return len(c.networks) }
func (c *Cache) FDBCount() int      { return len(c.fdbs) }
func (c *Cache) NeighborCount() int { return len(c.neighbors) }
