// Package netsrc turns live kernel state into topology.Events: callers
// first walk the current links, addresses, bridge FDB and neighbors by
// calling the Dump* methods directly against the topology engine, then call
// Subscribe to keep a channel of live updates flowing for the rest of the
// daemon's life.
package netsrc

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/1984hosting/neighsnoopd/internal/logging"
	"github.com/1984hosting/neighsnoopd/internal/topology"
)

// Source watches link, address, FDB and neighbor changes and emits
// topology.Events. Zero value is not usable; use New.
type Source struct {
	log *logging.Logger

	events chan topology.Event
	done   chan struct{}

	linkUpdates  chan netlink.LinkUpdate
	addrUpdates  chan netlink.AddrUpdate
	neighUpdates chan netlink.NeighUpdate
	fdbUpdates   chan netlink.NeighUpdate
}

// New builds a Source.
func New(log *logging.Logger) *Source {
	return &Source{
		log:          log,
		events:       make(chan topology.Event, 256),
		done:         make(chan struct{}),
		linkUpdates:  make(chan netlink.LinkUpdate, 64),
		addrUpdates:  make(chan netlink.AddrUpdate, 64),
		neighUpdates: make(chan netlink.NeighUpdate, 64),
		fdbUpdates:   make(chan netlink.NeighUpdate, 64),
	}
}

// Events returns the channel live updates arrive on after Subscribe. It
// closes once every subscription goroutine has exited following Stop.
func (s *Source) Events() <-chan topology.Event { return s.events }

// Stop tears down every subscription.
func (s *Source) Stop() {
	close(s.done)
}

// DumpLinks walks every current link and applies it via handle, in the
// order the kernel returns them.
func (s *Source) DumpLinks(handle func(topology.Event) error) error {
	links, err := netlink.LinkList()
	if err != nil {
		return fmt.Errorf("netsrc: list links: %w", err)
	}
	for _, l := range links {
		if err := handle(linkEvent(topology.KindLinkAdd, l)); err != nil {
			return err
		}
	}
	return nil
}

// DumpAddrs walks every current address across all families and links.
func (s *Source) DumpAddrs(handle func(topology.Event) error) error {
	addrs, err := netlink.AddrList(nil, netlink.FAMILY_ALL)
	if err != nil {
		return fmt.Errorf("netsrc: list addrs: %w", err)
	}
	for _, a := range addrs {
		if err := handle(addrEvent(topology.KindAddrAdd, a)); err != nil {
			return err
		}
	}
	return nil
}

// DumpFDB walks every current bridge FDB entry.
func (s *Source) DumpFDB(handle func(topology.Event) error) error {
	neighs, err := netlink.NeighList(0, unix.AF_BRIDGE)
	if err != nil {
		return fmt.Errorf("netsrc: list fdb: %w", err)
	}
	for _, n := range neighs {
		if err := handle(fdbEventFromNeigh(topology.KindFDBAdd, n)); err != nil {
			return err
		}
	}
	return nil
}

// DumpNeighbors walks every current IPv4 and IPv6 neighbor table entry.
func (s *Source) DumpNeighbors(handle func(topology.Event) error) error {
	for _, family := range []int{netlink.FAMILY_V4, netlink.FAMILY_V6} {
		neighs, err := netlink.NeighList(0, family)
		if err != nil {
			return fmt.Errorf("netsrc: list neighbors: %w", err)
		}
		for _, n := range neighs {
			if err := handle(neighEventFromNeigh(topology.KindNeighAdd, n)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Subscribe opens the four live-update subscriptions and starts the
// goroutine that merges them onto Events().
func (s *Source) Subscribe() error {
	if err := netlink.LinkSubscribe(s.linkUpdates, s.done); err != nil {
		return fmt.Errorf("netsrc: subscribe links: %w", err)
	}
	if err := netlink.AddrSubscribe(s.addrUpdates, s.done); err != nil {
		return fmt.Errorf("netsrc: subscribe addrs: %w", err)
	}
	if err := netlink.NeighSubscribeWithOptions(s.neighUpdates, s.done, netlink.NeighSubscribeOptions{}); err != nil {
		return fmt.Errorf("netsrc: subscribe neighbors: %w", err)
	}
	if err := netlink.NeighSubscribeWithOptions(s.fdbUpdates, s.done, netlink.NeighSubscribeOptions{}); err != nil {
		return fmt.Errorf("netsrc: subscribe fdb: %w", err)
	}

	go s.pump()
	return nil
}

func (s *Source) pump() {
	defer close(s.events)
	for {
		select {
		case <-s.done:
			return
		case u, ok := <-s.linkUpdates:
			if !ok {
				return
			}
			s.emitLink(u)
		case u, ok := <-s.addrUpdates:
			if !ok {
				return
			}
			s.emitAddr(u)
		case u, ok := <-s.neighUpdates:
			if !ok {
				return
			}
			if int(u.Family) == unix.AF_BRIDGE {
				s.emitFDB(u)
			} else {
				s.emitNeigh(u)
			}
		case u, ok := <-s.fdbUpdates:
			if !ok {
				return
			}
			if int(u.Family) == unix.AF_BRIDGE {
				s.emitFDB(u)
			}
		}
	}
}

func (s *Source) emitLink(u netlink.LinkUpdate) {
	kind := topology.KindLinkAdd
	if u.Header.Type == unix.RTM_DELLINK {
		kind = topology.KindLinkDel
	}
	s.log.Tracef("netlink: link update: type=%d index=%d name=%s", u.Header.Type, u.Link.Attrs().Index, u.Link.Attrs().Name)
	s.events <- linkEvent(kind, u.Link)
}

func (s *Source) emitAddr(u netlink.AddrUpdate) {
	kind := topology.KindAddrAdd
	if !u.NewAddr {
		kind = topology.KindAddrDel
	}
	s.log.Tracef("netlink: addr update: new=%t index=%d addr=%s", u.NewAddr, u.LinkIndex, u.LinkAddress.String())
	linkAddress := u.LinkAddress
	s.events <- addrEvent(kind, netlink.Addr{
		IPNet:     &linkAddress,
		LinkIndex: u.LinkIndex,
	})
}

func (s *Source) emitNeigh(u netlink.NeighUpdate) {
	kind := topology.KindNeighAdd
	if u.Type == unix.RTM_DELNEIGH {
		kind = topology.KindNeighDel
	}
	s.log.Tracef("netlink: neigh update: type=%d index=%d ip=%s mac=%s state=%d", u.Type, u.Neigh.LinkIndex, u.Neigh.IP, u.Neigh.HardwareAddr, u.Neigh.State)
	s.events <- neighEventFromNeigh(kind, u.Neigh)
}

func (s *Source) emitFDB(u netlink.NeighUpdate) {
	kind := topology.KindFDBAdd
	if u.Type == unix.RTM_DELNEIGH {
		kind = topology.KindFDBDel
	}
	s.log.Tracef("netlink: fdb update: type=%d index=%d mac=%s vlan=%d", u.Type, u.Neigh.LinkIndex, u.Neigh.HardwareAddr, u.Neigh.Vlan)
	s.events <- fdbEventFromNeigh(kind, u.Neigh)
}

func linkEvent(kind topology.Kind, l netlink.Link) topology.Event {
	attrs := l.Attrs()
	f := topology.LinkFields{
		Ifindex:     int32(attrs.Index),
		Ifname:      attrs.Name,
		MAC:         net.HardwareAddr(attrs.HardwareAddr),
		Kind:        l.Type(),
		LinkIfindex: int32(attrs.ParentIndex),
	}
	if vlan, ok := l.(*netlink.Vlan); ok {
		f.HasVlan = true
		f.VlanID = uint16(vlan.VlanId)
		f.VlanProto = uint16(vlan.VlanProtocol)
	}
	if _, ok := l.(*netlink.Macvlan); ok {
		f.IsMACVLAN = true
	}
	if attrs.Slave != nil {
		f.SlaveKind = attrs.Slave.SlaveType()
	}
	return topology.Event{Kind: kind, Link: f}
}

func addrEvent(kind topology.Kind, a netlink.Addr) topology.Event {
	prefixlen, _ := a.Mask.Size()
	return topology.Event{
		Kind: kind,
		Addr: topology.AddrFields{
			Ifindex:   int32(a.LinkIndex),
			IP:        a.IP,
			Prefixlen: prefixlen,
		},
	}
}

func neighEventFromNeigh(kind topology.Kind, n netlink.Neigh) topology.Event {
	return topology.Event{
		Kind: kind,
		Neigh: topology.NeighFields{
			Ifindex:           int32(n.LinkIndex),
			MAC:               n.HardwareAddr,
			IP:                n.IP,
			NUDState:          n.State,
			ExternallyLearned: n.Flags&unix.NTF_EXT_LEARNED != 0,
		},
	}
}

func fdbEventFromNeigh(kind topology.Kind, n netlink.Neigh) topology.Event {
	return topology.Event{
		Kind: kind,
		FDB: topology.FDBFields{
			Ifindex:           int32(n.LinkIndex),
			MAC:               n.HardwareAddr,
			VlanID:            uint16(n.Vlan),
			ExternallyLearned: n.Flags&unix.NTF_EXT_LEARNED != 0,
		},
	}
}
