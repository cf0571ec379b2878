package cache

import "net"

// FDBKey is the composite key for the FDB table: (mac, ifindex, vlan_id).
type FDBKey struct {
	MAC     [6]byte
	Ifindex int32
	VlanID  uint16
}

func fdbKey(mac net.HardwareAddr, ifindex int32, vlanID uint16) FDBKey {
	var k FDBKey
	copy(k.MAC[:], mac)
	k.Ifindex = ifindex
	k.VlanID = vlanID
	return k
}

// NeighKey is the composite key for the neigh table: (ifindex, ip).
type NeighKey struct {
	Ifindex int32
	IP      [16]byte
}

// NetVlanKey keys the linknet-by-(network_id, vlan_id) index.
type NetVlanKey struct {
	NetworkID uint32
	VlanID    uint16
}

// AddrIfindexKey keys the linknet-by-(network_address, ifindex) index.
type AddrIfindexKey struct {
	Addr    [16]byte
	Ifindex int32
}
