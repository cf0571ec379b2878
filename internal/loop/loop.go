// Package loop runs the single cooperative event loop that ties the
// topology engine, refresh scheduler and reply correlator to their event
// sources. Only this loop's goroutine ever touches the cache, preserving
// the single-writer invariant the cache package relies on for its lack of
// locking.
package loop

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/1984hosting/neighsnoopd/internal/ebpfmap"
	"github.com/1984hosting/neighsnoopd/internal/logging"
	"github.com/1984hosting/neighsnoopd/internal/reply"
	"github.com/1984hosting/neighsnoopd/internal/scheduler"
	"github.com/1984hosting/neighsnoopd/internal/topology"
)

// Loop wires together the four event producers: signals, netlink-derived
// topology events, timer firings, and ring buffer replies.
type Loop struct {
	engine     *topology.Engine
	scheduler  *scheduler.Scheduler
	correlator *reply.Correlator
	log        *logging.Logger

	topologyEvents <-chan topology.Event
	ringRecords    <-chan ebpfmap.NeighborRecord
}

// New builds a Loop. topologyEvents and ringRecords are typically
// netsrc.Source.Events() and ebpfmap.Program.Records() respectively.
func New(
	engine *topology.Engine,
	sched *scheduler.Scheduler,
	correlator *reply.Correlator,
	topologyEvents <-chan topology.Event,
	ringRecords <-chan ebpfmap.NeighborRecord,
	log *logging.Logger,
) *Loop {
	return &Loop{
		engine:         engine,
		scheduler:      sched,
		correlator:     correlator,
		log:            log,
		topologyEvents: topologyEvents,
		ringRecords:    ringRecords,
	}
}

// Run blocks until SIGINT/SIGTERM, the topology or ring buffer channels
// close, or -c's record budget is exhausted. Each iteration first takes a
// pending signal or timer firing, if any, and only then waits on all four
// sources. When several cases of one select are ready, Go picks among them
// at random, so a signal does not always beat a ready timer firing, and a
// netlink-derived topology event does not always beat a ready ring buffer
// record.
func (l *Loop) Run() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		// Signals and timer firings jump the queue ahead of netlink and ring
		// buffer traffic, matching the priority order the epoll-based loop
		// this replaces always used.
		select {
		case <-sigCh:
			l.log.Infof("received shutdown signal")
			return nil
		case n := <-l.scheduler.Fired:
			l.scheduler.HandleFired(n)
			continue
		default:
		}

		select {
		case <-sigCh:
			l.log.Infof("received shutdown signal")
			return nil
		case n := <-l.scheduler.Fired:
			l.scheduler.HandleFired(n)
		case ev, ok := <-l.topologyEvents:
			if !ok {
				l.log.Infof("topology event source closed")
				return nil
			}
			if err := l.engine.Handle(ev); err != nil {
				l.log.Errorf("topology event handling failed: %v", err)
			}
		case rec, ok := <-l.ringRecords:
			if !ok {
				l.log.Infof("ring buffer closed")
				return nil
			}
			if err := l.correlator.Handle(rec); err != nil {
				l.log.Errorf("reply correlation failed: %v", err)
			}
			if l.correlator.Exhausted() {
				l.log.Infof("record budget exhausted, shutting down")
				return nil
			}
		}
	}
}
