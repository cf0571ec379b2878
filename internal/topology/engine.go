package topology

import (
	"fmt"
	"regexp"

	"github.com/1984hosting/neighsnoopd/internal/cache"
	"github.com/1984hosting/neighsnoopd/internal/ident"
	"github.com/1984hosting/neighsnoopd/internal/logging"
)

// TargetNetworks is the eBPF target_networks map the engine keeps in sync
// with live Networks (spec §6). Implemented by internal/ebpfmap in
// production, faked in tests.
type TargetNetworks interface {
	Insert(prefixlen int, network [16]byte, networkID uint32) error
	Delete(prefixlen int, network [16]byte) error
}

// Scheduler is the refresh scheduler's view from the topology engine: arm a
// timer for a freshly-REACHABLE neighbor, cancel one on delete, or fire an
// immediate probe for a STALE neighbor with no timer involved (spec §4.2,
// §4.4's state machine).
type Scheduler interface {
	Arm(n *cache.Neighbor) error
	Cancel(n *cache.Neighbor)
	ProbeNow(n *cache.Neighbor)
}

// Engine is the topology engine: it owns the cache and applies the eight
// event kinds to it, deciding SVI-ness and filtering per spec §4.2.
type Engine struct {
	cache *cache.Cache
	log   *logging.Logger

	monitoredBridgeIfindex int32
	denyRegex              *regexp.Regexp
	disableIPv6LLFilter    bool

	targets   TargetNetworks
	scheduler Scheduler

	hasLinks    bool
	hasNetworks bool
	hasFDB      bool
}

// Config bundles the engine's construction-time policy knobs.
type Config struct {
	MonitoredBridgeIfindex int32
	DenyRegex              *regexp.Regexp
	DisableIPv6LLFilter    bool
}

// New builds an Engine over an existing cache, target-networks map and
// scheduler. The cache is not owned exclusively — tests may inspect it
// directly.
func New(c *cache.Cache, targets TargetNetworks, scheduler Scheduler, cfg Config, log *logging.Logger) *Engine {
	return &Engine{
		cache:                  c,
		log:                    log,
		monitoredBridgeIfindex: cfg.MonitoredBridgeIfindex,
		denyRegex:              cfg.DenyRegex,
		disableIPv6LLFilter:    cfg.DisableIPv6LLFilter,
		targets:                targets,
		scheduler:              scheduler,
	}
}

// Cache exposes the underlying cache for read access.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// MarkLinksReady, MarkNetworksReady and MarkFDBReady raise the three
// readiness flags once the corresponding initial kernel dump completes
// (spec §4.2's initialization gating).
func (e *Engine) MarkLinksReady()    { e.hasLinks = true }
func (e *Engine) MarkNetworksReady() { e.hasNetworks = true }
func (e *Engine) MarkFDBReady()      { e.hasFDB = true }

// Handle dispatches an Event to the matching handler by tag.
func (e *Engine) Handle(ev Event) error {
	switch ev.Kind {
	case KindLinkAdd:
		return e.handleLinkAdd(ev.Link)
	case KindLinkDel:
		return e.handleLinkDel(ev.Link)
	case KindAddrAdd:
		return e.handleAddrAdd(ev.Addr)
	case KindAddrDel:
		return e.handleAddrDel(ev.Addr)
	case KindFDBAdd:
		return e.handleFDBAdd(ev.FDB)
	case KindFDBDel:
		return e.handleFDBDel(ev.FDB)
	case KindNeighAdd:
		return e.handleNeighAdd(ev.Neigh)
	case KindNeighDel:
		return e.handleNeighDel(ev.Neigh)
	default:
		return fmt.Errorf("topology: unknown event kind %d", ev.Kind)
	}
}

// canonicalMask masks addr to prefixlen, first converting prefixlen from
// its native-family meaning (e.g. /24 for IPv4) to the equivalent length
// against the 128-bit canonical encoding.
func canonicalMask(addr [16]byte, prefixlen int) [16]byte {
	full := prefixlen
	if ident.IsV4Mapped(addr) {
		full = ident.V4PrefixToFull(prefixlen)
	}
	return ident.MaskToPrefix(addr, full)
}

func (e *Engine) handleLinkAdd(f LinkFields) error {
	if existing, ok := e.cache.PeekLink(f.Ifindex); ok {
		updated := applyLinkUpdate(existing, f)
		if updated {
			e.log.Debugf("Link %d:%s updated", f.Ifindex, f.Ifname)
		}
		return nil
	}

	l := &cache.Link{
		Ifindex:     f.Ifindex,
		Ifname:      f.Ifname,
		MAC:         f.MAC,
		Kind:        f.Kind,
		SlaveKind:   f.SlaveKind,
		VlanID:      f.VlanID,
		VlanProto:   f.VlanProto,
		HasVlan:     f.HasVlan,
		IsMACVLAN:   f.IsMACVLAN,
		LinkIfindex: f.LinkIfindex,
	}
	l.IsSVI = f.LinkIfindex == e.monitoredBridgeIfindex
	if e.denyRegex != nil && e.denyRegex.MatchString(f.Ifname) {
		l.IgnoreLink = true
	}
	e.cache.InsertLink(l)

	if l.IsSVI {
		e.log.Infof("Cache: Added: NIC: %s with vlan: %d", f.Ifname, f.VlanID)
	} else {
		e.log.Debugf("Cache: Added: NIC: %s with vlan: %d", f.Ifname, f.VlanID)
	}
	return nil
}

// applyLinkUpdate mutates an existing link in place, bumping Updated iff any
// attribute actually changed (spec §4.2 LINK ADD update policy).
func applyLinkUpdate(l *cache.Link, f LinkFields) bool {
	changed := false
	if l.LinkIfindex != f.LinkIfindex {
		l.LinkIfindex = f.LinkIfindex
		changed = true
	}
	if l.Ifname != f.Ifname {
		l.Ifname = f.Ifname
		changed = true
	}
	if !ident.SameMAC(l.MAC, f.MAC) {
		l.MAC = f.MAC
		changed = true
	}
	if l.Kind != f.Kind {
		l.Kind = f.Kind
		changed = true
	}
	if l.SlaveKind != f.SlaveKind {
		l.SlaveKind = f.SlaveKind
		changed = true
	}
	if l.VlanProto != f.VlanProto {
		l.VlanProto = f.VlanProto
		changed = true
	}
	if l.VlanID != f.VlanID {
		l.VlanID = f.VlanID
		changed = true
	}
	if l.HasVlan != f.HasVlan {
		l.HasVlan = f.HasVlan
		changed = true
	}
	if l.IsMACVLAN != f.IsMACVLAN {
		l.IsMACVLAN = f.IsMACVLAN
		changed = true
	}
	return changed
}

func (e *Engine) handleLinkDel(f LinkFields) error {
	e.cache.DeleteLink(f.Ifindex)
	return nil
}

func (e *Engine) handleAddrAdd(f AddrFields) error {
	if !e.hasLinks {
		return nil
	}
	if !e.disableIPv6LLFilter && f.IP.IsLinkLocalUnicast() {
		return nil
	}

	link, ok := e.cache.GetLink(f.Ifindex)
	if !ok {
		e.log.Debugf("Failed to lookup interface %d", f.Ifindex)
		return nil
	}
	if !link.IsSVI {
		e.log.Debugf("Link: %s is not an SVI connected to the bridge", link.Ifname)
		return nil
	}

	canonical := ident.CanonicalIP(f.IP)
	networkAddr := canonicalMask(canonical, f.Prefixlen)

	network, ok := e.cache.GetNetworkByAddr(networkAddr)
	if !ok {
		id := e.cache.NextNetworkID()
		network = &cache.Network{
			ID:            id,
			Address:       networkAddr,
			Prefixlen:     f.Prefixlen,
			TruePrefixlen: f.Prefixlen,
		}
		e.cache.InsertNetwork(network)

		if err := e.targets.Insert(f.Prefixlen, networkAddr, id); err != nil {
			e.cache.RemoveNetworkIndicesOnly(network)
			return fmt.Errorf("topology: eBPF target-networks insert: %w", err)
		}
		e.log.Infof("Cache: Added: Network(%d): %s/%d with link %s",
			network.ID, ident.ToNetIP(networkAddr), f.Prefixlen, link.Ifname)
	}

	if _, exists := e.cache.GetLinkNetworkByAddrIfindex(network.Address, link.Ifindex); exists {
		return nil
	}

	ln := &cache.LinkNetwork{
		Link:    link,
		Network: network,
		IP:      canonical,
	}
	e.cache.InsertLinkNetwork(ln)
	return nil
}

func (e *Engine) handleAddrDel(f AddrFields) error {
	link, ok := e.cache.GetLink(f.Ifindex)
	if !ok {
		return nil
	}

	canonical := ident.CanonicalIP(f.IP)
	networkAddr := canonicalMask(canonical, f.Prefixlen)

	network, ok := e.cache.FindNetworkOnLink(link, networkAddr, f.Prefixlen)
	if !ok {
		e.log.Debugf("Network: %s/%d not cached: Can't remove", ident.ToNetIP(networkAddr), f.Prefixlen)
		return nil
	}

	if err := e.targets.Delete(network.Prefixlen, network.Address); err != nil {
		e.log.Errorf("eBPF target-networks delete: %v", err)
	}
	e.cache.DeleteNetwork(network)
	e.log.Infof("Cache: Removing Network: %s/%d", ident.ToNetIP(network.Address), network.Prefixlen)
	return nil
}

func (e *Engine) handleFDBAdd(f FDBFields) error {
	if !e.hasLinks || !e.hasNetworks {
		return nil
	}
	if f.Ifindex == 0 {
		return nil
	}
	link, ok := e.cache.GetLink(f.Ifindex)
	if !ok {
		e.log.Errorf("Failed to lookup interface %d", f.Ifindex)
		return nil
	}
	if !f.ExternallyLearned {
		// The daemon only ever cares about externally-learned FDB entries
		// (spec §3 FDB entry lifecycle): they are what makes a reply
		// suppressible as bridge-relayed traffic.
		return nil
	}
	if _, exists := e.cache.GetFDB(f.MAC, f.Ifindex, f.VlanID); exists {
		return nil
	}
	e.cache.InsertFDB(&cache.FDBEntry{MAC: f.MAC, Ifindex: f.Ifindex, VlanID: f.VlanID, Link: link})
	return nil
}

func (e *Engine) handleFDBDel(f FDBFields) error {
	e.cache.DeleteFDB(f.MAC, f.Ifindex, f.VlanID)
	return nil
}

func (e *Engine) handleNeighAdd(f NeighFields) error {
	if !(e.hasLinks && e.hasNetworks && e.hasFDB) {
		return nil
	}
	if f.Ifindex == 0 {
		return nil
	}
	if ident.IsZeroMAC(f.MAC) {
		return nil
	}
	if f.ExternallyLearned {
		return nil
	}

	link, ok := e.cache.GetLink(f.Ifindex)
	if !ok {
		e.log.Errorf("Failed to lookup interface %d", f.Ifindex)
		return nil
	}

	ip := ident.CanonicalIP(f.IP)
	ln, ok := e.cache.LinkNetworkForIP(link, canonicalMask, ip)
	if !ok {
		return nil
	}

	neigh, existed := e.cache.GetNeighbor(f.Ifindex, ip)
	if existed {
		neigh.MAC = f.MAC
		if neigh.NUDState != f.NUDState {
			neigh.NUDState = f.NUDState
			neigh.UpdateCount++
		}
	} else {
		neigh = &cache.Neighbor{
			ID:                 e.cache.NextNeighborID(),
			Ifindex:            f.Ifindex,
			MAC:                f.MAC,
			IP:                 ip,
			NUDState:           f.NUDState,
			SendingLinkNetwork: ln,
		}
		e.cache.InsertNeighbor(neigh)
		e.log.Infof("Neigh: IP: %s MAC: %s nic: %s added to cache", ident.ToNetIP(ip), f.MAC, link.Ifname)
	}

	switch {
	case neigh.NUDState == NUDReachable && neigh.Timer == nil:
		if err := e.scheduler.Arm(neigh); err != nil {
			e.log.Errorf("failed to arm refresh timer for %s: %v", ident.ToNetIP(ip), err)
		}
	case neigh.NUDState == NUDStale:
		e.scheduler.ProbeNow(neigh)
	}

	return nil
}

func (e *Engine) handleNeighDel(f NeighFields) error {
	ip := ident.CanonicalIP(f.IP)
	neigh, ok := e.cache.DeleteNeighbor(f.Ifindex, ip)
	if !ok {
		return nil
	}
	if neigh.Timer != nil {
		e.scheduler.Cancel(neigh)
	}
	return nil
}
