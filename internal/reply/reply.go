// Package reply correlates ring buffer records against the topology cache
// and installs confirmed neighbors into the kernel's own neighbor table. It
// never creates or mutates a Neighbor cache entry directly — that stays the
// netlink event path's job — but it does cancel and rearm an existing
// entry's refresh timer, since a fresh reply is proof of life just as good
// as a kernel-observed one.
package reply

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"

	"github.com/1984hosting/neighsnoopd/internal/cache"
	"github.com/1984hosting/neighsnoopd/internal/ebpfmap"
	"github.com/1984hosting/neighsnoopd/internal/ident"
	"github.com/1984hosting/neighsnoopd/internal/logging"
)

// Scheduler is the subset of scheduler.Scheduler the correlator needs.
type Scheduler interface {
	Arm(n *cache.Neighbor) error
	Cancel(n *cache.Neighbor)
}

// NeighInstaller installs a neighbor into the kernel's own table — an
// interface so tests can substitute a fake instead of touching the real
// netlink socket.
type NeighInstaller interface {
	NeighSet(neigh *netlink.Neigh) error
}

type kernelInstaller struct{}

func (kernelInstaller) NeighSet(neigh *netlink.Neigh) error {
	return netlink.NeighSet(neigh)
}

// Correlator matches ring buffer records to cached topology and asks the
// kernel to install a REACHABLE entry for confirmed neighbors.
type Correlator struct {
	cache      *cache.Cache
	scheduler  Scheduler
	installer  NeighInstaller
	log        *logging.Logger
	onlyIPv4   bool
	onlyIPv6   bool
	Count      int64 // debug counter, decremented per record accepted past the family filter
	hasCount   bool
}

// Config configures family filtering and the debug record counter (spec's
// -c/--count knob).
type Config struct {
	OnlyIPv4 bool
	OnlyIPv6 bool
	Count    int64
	HasCount bool
}

// New builds a Correlator over an existing cache and scheduler.
func New(c *cache.Cache, scheduler Scheduler, cfg Config, log *logging.Logger) *Correlator {
	return &Correlator{
		cache:     c,
		scheduler: scheduler,
		installer: kernelInstaller{},
		log:       log,
		onlyIPv4:  cfg.OnlyIPv4,
		onlyIPv6:  cfg.OnlyIPv6,
		Count:     cfg.Count,
		hasCount:  cfg.HasCount,
	}
}

// Exhausted reports whether the debug record counter has run out, letting
// the event loop stop after processing exactly -c records.
func (c *Correlator) Exhausted() bool {
	return c.hasCount && c.Count <= 0
}

// Handle processes one ring buffer record.
func (c *Correlator) Handle(rec ebpfmap.NeighborRecord) error {
	if c.onlyIPv6 && rec.IsIPv4 {
		return nil
	}
	if c.onlyIPv4 && !rec.IsIPv4 {
		return nil
	}

	if c.hasCount {
		c.Count--
	}

	ln, ok := c.cache.GetLinkNetworkByNetVlan(rec.NetworkID, rec.VlanID)
	if !ok {
		c.log.Errorf("NIC with VLAN ID: %d Network: %d not found in cache", rec.VlanID, rec.NetworkID)
		return nil
	}
	link := ln.Link

	mac := net.HardwareAddr(rec.MAC[:])
	if _, suppressed := c.cache.GetFDB(mac, link.Ifindex, link.VlanID); suppressed {
		c.log.Debugf("Neighbor Reply: MAC: %s nic: %s is externally learned. Skipping", mac, link.Ifname)
		return nil
	}

	ip := ident.ToNetIP(rec.IP)
	c.log.Debugf("Neighbor Reply: IP: %s MAC: %s nic: %s", ip, mac, link.Ifname)

	if neigh, ok := c.cache.GetNeighbor(link.Ifindex, rec.IP); ok {
		if neigh.Timer != nil {
			c.scheduler.Cancel(neigh)
		}
		if err := c.scheduler.Arm(neigh); err != nil {
			c.log.Errorf("failed to rearm refresh timer for %s: %v", ip, err)
		}
	}

	family := netlink.FAMILY_V6
	if rec.IsIPv4 {
		family = netlink.FAMILY_V4
	}
	kn := &netlink.Neigh{
		LinkIndex:    int(link.Ifindex),
		Family:       family,
		State:        netlink.NUD_REACHABLE,
		Type:         unixNeighTypeUnicast,
		IP:           ip,
		HardwareAddr: mac,
	}
	if err := c.installer.NeighSet(kn); err != nil {
		return fmt.Errorf("reply: install neighbor %s: %w", ip, err)
	}
	return nil
}

// unixNeighTypeUnicast mirrors RTN_UNICAST (linux/rtnetlink.h), the type the
// kernel expects on a manually-added neighbor entry.
const unixNeighTypeUnicast = 1
