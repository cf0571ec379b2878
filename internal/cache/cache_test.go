package cache

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t   time.Time
	err error
}

func (f *fakeClock) Now() (time.Time, error) {
	if f.err != nil {
		return time.Time{}, f.err
	}
	f.t = f.t.Add(time.Second)
	return f.t, nil
}

func newTestCache() *Cache {
	return New(&fakeClock{t: time.Unix(0, 0)})
}

func mustMAC(s string) net.HardwareAddr {
	mac, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return mac
}

func addBridgeAndSVI(t *testing.T, c *Cache) (*Link, *Link) {
	t.Helper()
	bridge := &Link{Ifindex: 1, Ifname: "br0"}
	c.InsertLink(bridge)

	svi := &Link{Ifindex: 2, Ifname: "br0.100", LinkIfindex: 1, VlanID: 100, IsSVI: true}
	c.InsertLink(svi)
	return bridge, svi
}

func addNetworkOnLink(c *Cache, link *Link, addr [16]byte, prefixlen int) (*Network, *LinkNetwork) {
	n := &Network{ID: c.NextNetworkID(), Address: addr, Prefixlen: prefixlen}
	c.InsertNetwork(n)
	ln := &LinkNetwork{Link: link, Network: n, IP: addr}
	c.InsertLinkNetwork(ln)
	return n, ln
}

func TestCrossIndexCoherence(t *testing.T) {
	c := newTestCache()
	_, svi := addBridgeAndSVI(t, c)
	var addr [16]byte
	addr[15] = 10
	n, ln := addNetworkOnLink(c, svi, addr, 24)

	got, ok := c.GetLinkNetworkByNetVlan(n.ID, svi.VlanID)
	require.True(t, ok)
	assert.Same(t, ln, got)

	got2, ok := c.GetLinkNetworkByAddrIfindex(n.Address, svi.Ifindex)
	require.True(t, ok)
	assert.Same(t, ln, got2)

	require.Len(t, svi.Networks, 1)
	assert.Same(t, ln, svi.Networks[0])
	require.Len(t, n.Links, 1)
	assert.Same(t, ln, n.Links[0])
}

func TestRefcntLaw(t *testing.T) {
	c := newTestCache()
	_, svi1 := addBridgeAndSVI(t, c)
	svi2 := &Link{Ifindex: 3, Ifname: "br0.200", LinkIfindex: 1, VlanID: 200, IsSVI: true}
	c.InsertLink(svi2)

	var addr [16]byte
	addr[15] = 20
	n := &Network{ID: c.NextNetworkID(), Address: addr, Prefixlen: 24}
	c.InsertNetwork(n)

	ln1 := &LinkNetwork{Link: svi1, Network: n, IP: addr}
	c.InsertLinkNetwork(ln1)
	assert.Equal(t, len(n.Links), n.RefCount)

	ln2 := &LinkNetwork{Link: svi2, Network: n, IP: addr}
	c.InsertLinkNetwork(ln2)
	assert.Equal(t, 2, n.RefCount)
	assert.Equal(t, len(n.Links), n.RefCount)

	c.detachLinkNetwork(ln1)
	assert.Equal(t, len(n.Links), n.RefCount)
	assert.Equal(t, 1, n.RefCount)
}

func TestIdempotentDelete(t *testing.T) {
	c := newTestCache()
	assert.False(t, c.DeleteLink(999))
	assert.False(t, c.DeleteFDB(mustMAC("aa:bb:cc:dd:ee:ff"), 5, 0))
	_, ok := c.DeleteNeighbor(5, [16]byte{})
	assert.False(t, ok)
}

func TestCascadeOnLinkDelete(t *testing.T) {
	c := newTestCache()
	_, svi := addBridgeAndSVI(t, c)
	var addr [16]byte
	addr[15] = 30
	n, ln := addNetworkOnLink(c, svi, addr, 24)

	fdb := &FDBEntry{MAC: mustMAC("02:00:00:00:00:09"), Ifindex: svi.Ifindex, VlanID: svi.VlanID, Link: svi}
	c.InsertFDB(fdb)

	require.True(t, c.DeleteLink(svi.Ifindex))

	_, ok := c.PeekLink(svi.Ifindex)
	assert.False(t, ok)

	_, ok = c.GetLinkNetworkByNetVlan(n.ID, svi.VlanID)
	assert.False(t, ok)
	_, ok = c.GetLinkNetworkByAddrIfindex(n.Address, svi.Ifindex)
	assert.False(t, ok)

	_, ok = c.GetFDB(fdb.MAC, svi.Ifindex, svi.VlanID)
	assert.False(t, ok)

	assert.Equal(t, 0, n.RefCount)
	assert.Empty(t, n.Links)
	assert.NotSame(t, ln, (*LinkNetwork)(nil)) // ln still exists as a Go value, just unindexed
}

func TestNetworkDeleteSnapshotsBeforeMutating(t *testing.T) {
	// Regression for spec §9's Open Question: DeleteNetwork must not skip
	// entries because the list it iterates is being mutated underneath it.
	c := newTestCache()
	_, svi1 := addBridgeAndSVI(t, c)
	svi2 := &Link{Ifindex: 3, Ifname: "br0.200", LinkIfindex: 1, VlanID: 200, IsSVI: true}
	c.InsertLink(svi2)
	svi3 := &Link{Ifindex: 4, Ifname: "br0.300", LinkIfindex: 1, VlanID: 300, IsSVI: true}
	c.InsertLink(svi3)

	var addr [16]byte
	addr[15] = 40
	n := &Network{ID: c.NextNetworkID(), Address: addr, Prefixlen: 24}
	c.InsertNetwork(n)
	for _, l := range []*Link{svi1, svi2, svi3} {
		c.InsertLinkNetwork(&LinkNetwork{Link: l, Network: n, IP: addr})
	}
	require.Len(t, n.Links, 3)

	c.DeleteNetwork(n)

	assert.Empty(t, n.Links)
	assert.Empty(t, svi1.Networks)
	assert.Empty(t, svi2.Networks)
	assert.Empty(t, svi3.Networks)
	_, ok := c.GetNetworkByID(n.ID)
	assert.False(t, ok)
}

func TestClockFailureDegradesLookupToMiss(t *testing.T) {
	fc := &fakeClock{t: time.Unix(0, 0)}
	c := New(fc)
	svi := &Link{Ifindex: 2}
	c.InsertLink(svi)

	fc.err = assertErrSentinel
	_, ok := c.GetLink(2)
	assert.False(t, ok)
}

var assertErrSentinel = &clockErr{}

type clockErr struct{}

func (*clockErr) Error() string { return "clock unavailable" }

func TestReferenceBookkeepingBumpsOnLookup(t *testing.T) {
	c := newTestCache()
	svi := &Link{Ifindex: 2}
	c.InsertLink(svi)

	before := svi.ReferenceCount
	_, ok := c.GetLink(2)
	require.True(t, ok)
	assert.Equal(t, before+1, svi.ReferenceCount)
}
