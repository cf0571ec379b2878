// Package scheduler arms and fires the per-neighbor refresh timers that send
// a gratuitous ARP request or Neighbor Solicitation before the kernel's own
// reachability timer would mark an entry STALE.
package scheduler

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/1984hosting/neighsnoopd/internal/cache"
	"github.com/1984hosting/neighsnoopd/internal/ident"
	"github.com/1984hosting/neighsnoopd/internal/logging"
	"github.com/1984hosting/neighsnoopd/internal/probe"
	"github.com/1984hosting/neighsnoopd/internal/sysctl"
)

// SysctlReader abstracts /proc/sys access so tests can supply canned values
// without a real network namespace.
type SysctlReader interface {
	BaseReachableTimeMS(ifname string, isIPv4 bool) (float64, error)
}

type procSysctl struct{}

func (procSysctl) BaseReachableTimeMS(ifname string, isIPv4 bool) (float64, error) {
	return sysctl.BaseReachableTimeMS(ifname, isIPv4)
}

// timerHandle is the value Arm stores in Neighbor.Timer; only this package
// looks inside it.
type timerHandle struct {
	t *time.Timer
}

// Scheduler owns every armed refresh timer. Timer callbacks run on their own
// goroutine (as time.AfterFunc always does) but only ever push onto Fired —
// the actual cache/probe work happens back on the single event-loop
// goroutine that drains Fired, preserving the single-writer cache
// invariant.
type Scheduler struct {
	sender  probe.Sender
	sysctl  SysctlReader
	log     *logging.Logger
	rand    *rand.Rand
	Fired   chan *cache.Neighbor
}

// New builds a Scheduler that sends probes with sender.
func New(sender probe.Sender, log *logging.Logger) *Scheduler {
	return &Scheduler{
		sender: sender,
		sysctl: procSysctl{},
		log:    log,
		rand:   rand.New(rand.NewSource(1)),
		Fired:  make(chan *cache.Neighbor, 64),
	}
}

// Arm computes the next-gratuitous-request interval from the target's SVI's
// base_reachable_time_ms sysctl and schedules a timer. The interval is
// one-fourth of base_reachable_time plus a random jitter of up to two
// seconds, so the probe goes out well before the kernel would otherwise mark
// the entry STALE.
func (s *Scheduler) Arm(n *cache.Neighbor) error {
	link := n.SendingLinkNetwork.Link
	isIPv4 := ident.IsV4Mapped(n.IP)

	baseMS, err := s.sysctl.BaseReachableTimeMS(link.Ifname, isIPv4)
	if err != nil {
		return fmt.Errorf("scheduler: arm %s: %w", ident.ToNetIP(n.IP), err)
	}

	seconds := baseMS/4.0/1000.0 + s.rand.Float64()*2.0
	dur := time.Duration(seconds * float64(time.Second))

	handle := &timerHandle{}
	handle.t = time.AfterFunc(dur, func() {
		s.Fired <- n
	})
	n.Timer = handle

	s.log.Debugf("Neigh: IP: %s MAC: %s nic: %s added timer for %f seconds",
		ident.ToNetIP(n.IP), n.MACString(), link.Ifname, seconds)
	return nil
}

// Cancel stops n's timer if one is armed. Safe to call on a neighbor with no
// timer.
func (s *Scheduler) Cancel(n *cache.Neighbor) {
	h, ok := n.Timer.(*timerHandle)
	if !ok || h == nil {
		return
	}
	h.t.Stop()
	n.Timer = nil
}

// ProbeNow sends a refresh probe immediately, bypassing the timer — the
// STALE-state branch of neighbor handling, which never arms a timer at all.
func (s *Scheduler) ProbeNow(n *cache.Neighbor) {
	s.send(n)
}

// HandleFired processes one timer firing: sends the probe and clears the
// neighbor's timer reference. Called from the event loop goroutine after
// receiving off Fired, never from the timer goroutine itself.
func (s *Scheduler) HandleFired(n *cache.Neighbor) {
	s.send(n)
	n.Timer = nil
}

func (s *Scheduler) send(n *cache.Neighbor) {
	link := n.SendingLinkNetwork.Link
	srcIP := ident.ToNetIP(n.SendingLinkNetwork.IP)
	dstIP := ident.ToNetIP(n.IP)

	var frame []byte
	if ident.IsV4Mapped(n.IP) {
		frame = probe.BuildARPRequest(link.MAC, n.MAC, srcIP, dstIP)
	} else {
		frame = probe.BuildNeighborSolicitation(link.MAC, n.MAC, srcIP, dstIP)
	}

	if err := s.sender.Send(int(link.Ifindex), n.MAC, frame); err != nil {
		s.log.Errorf("refresh probe to %s over %s failed: %v", dstIP, link.Ifname, err)
		return
	}
	s.log.Debugf("Gratuitous request sent to IP: %s from nic: %s", dstIP, link.Ifname)
}
