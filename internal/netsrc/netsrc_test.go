package netsrc

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/1984hosting/neighsnoopd/internal/topology"
)

func mustMAC(s string) net.HardwareAddr {
	mac, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return mac
}

func TestLinkEventCarriesVlanAndParent(t *testing.T) {
	vlan := netlink.NewLinkAttrs()
	vlan.Index = 5
	vlan.Name = "br0.100"
	vlan.ParentIndex = 1
	l := &netlink.Vlan{LinkAttrs: vlan, VlanId: 100, VlanProtocol: netlink.VLAN_PROTOCOL_8021Q}

	ev := linkEvent(topology.KindLinkAdd, l)
	require.Equal(t, topology.KindLinkAdd, ev.Kind)
	assert.Equal(t, int32(5), ev.Link.Ifindex)
	assert.Equal(t, "br0.100", ev.Link.Ifname)
	assert.Equal(t, int32(1), ev.Link.LinkIfindex)
	assert.True(t, ev.Link.HasVlan)
	assert.Equal(t, uint16(100), ev.Link.VlanID)
}

func TestLinkEventDetectsMacvlan(t *testing.T) {
	attrs := netlink.NewLinkAttrs()
	attrs.Index = 9
	attrs.Name = "macvlan0"
	l := &netlink.Macvlan{LinkAttrs: attrs}

	ev := linkEvent(topology.KindLinkAdd, l)
	assert.True(t, ev.Link.IsMACVLAN)
}

func TestAddrEventComputesPrefixlen(t *testing.T) {
	_, ipnet, err := net.ParseCIDR("10.0.0.5/24")
	require.NoError(t, err)
	a := netlink.Addr{IPNet: ipnet, LinkIndex: 2}

	ev := addrEvent(topology.KindAddrAdd, a)
	assert.Equal(t, int32(2), ev.Addr.Ifindex)
	assert.Equal(t, 24, ev.Addr.Prefixlen)
}

func TestNeighEventFromNeighDetectsExternallyLearned(t *testing.T) {
	n := netlink.Neigh{
		LinkIndex:    2,
		HardwareAddr: mustMAC("aa:bb:cc:dd:ee:ff"),
		IP:           net.ParseIP("10.0.0.42"),
		State:        netlink.NUD_REACHABLE,
		Flags:        unix.NTF_EXT_LEARNED,
	}

	ev := neighEventFromNeigh(topology.KindNeighAdd, n)
	assert.True(t, ev.Neigh.ExternallyLearned)
	assert.Equal(t, netlink.NUD_REACHABLE, ev.Neigh.NUDState)
}

func TestFDBEventFromNeighCarriesVlan(t *testing.T) {
	n := netlink.Neigh{
		LinkIndex:    3,
		HardwareAddr: mustMAC("aa:bb:cc:dd:ee:ff"),
		Vlan:         200,
		Flags:        unix.NTF_EXT_LEARNED,
	}

	ev := fdbEventFromNeigh(topology.KindFDBAdd, n)
	assert.Equal(t, uint16(200), ev.FDB.VlanID)
	assert.True(t, ev.FDB.ExternallyLearned)
}
