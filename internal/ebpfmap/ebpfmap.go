// Package ebpfmap loads the compiled BPF object, attaches its ingress
// program to the monitored bridge (either TC or XDP), and exposes the two
// maps the topology engine and reply correlator drive: target_networks (an
// LPM trie the kernel program consults to decide which replies to mirror
// into the ring buffer) and neighbor_ringbuf (where those replies land).
package ebpfmap

import (
	"encoding/binary"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
)

const (
	progTC  = "handle_neighbor_reply_tc"
	progXDP = "handle_neighbor_reply_xdp"

	mapTargetNetworks = "target_networks"
	mapRingbuf        = "neighbor_ringbuf"
)

// targetKey mirrors the kernel program's LPM trie key: a prefix length
// followed by a full 16-byte, IPv4-mapped-when-relevant address.
type targetKey struct {
	Prefixlen uint32
	Network   [16]byte
}

// targetValue mirrors the kernel program's map value.
type targetValue struct {
	NetworkID uint32
}

// AttachMode selects which hook the ingress program is attached to.
type AttachMode int

const (
	AttachTC AttachMode = iota
	AttachXDP
)

// Program owns the loaded collection, its attachment and its two maps. Close
// tears everything down in reverse order.
type Program struct {
	coll           *ebpf.Collection
	attachment     link.Link
	targetNetworks *ebpf.Map
	ringbufReader  *ringbuf.Reader
}

// Load reads objectPath (produced by the project's bpf2go build step),
// verifies both maps and the requested program exist, and attaches that
// program to ifindex.
func Load(objectPath string, ifindex int, mode AttachMode) (*Program, error) {
	spec, err := ebpf.LoadCollectionSpec(objectPath)
	if err != nil {
		return nil, fmt.Errorf("ebpfmap: load collection spec: %w", err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("ebpfmap: create collection: %w", err)
	}

	targetNetworks, ok := coll.Maps[mapTargetNetworks]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("ebpfmap: map %s not found", mapTargetNetworks)
	}

	ringbufMap, ok := coll.Maps[mapRingbuf]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("ebpfmap: map %s not found", mapRingbuf)
	}

	progName := progTC
	if mode == AttachXDP {
		progName = progXDP
	}
	prog, ok := coll.Programs[progName]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("ebpfmap: program %s not found", progName)
	}

	var attachment link.Link
	if mode == AttachXDP {
		attachment, err = link.AttachXDP(link.XDPOptions{
			Program:   prog,
			Interface: ifindex,
		})
	} else {
		attachment, err = link.AttachTCX(link.TCXOptions{
			Program:   prog,
			Interface: ifindex,
			Attach:    ebpf.AttachTCXIngress,
		})
	}
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("ebpfmap: attach %s: %w", progName, err)
	}

	reader, err := ringbuf.NewReader(ringbufMap)
	if err != nil {
		attachment.Close()
		coll.Close()
		return nil, fmt.Errorf("ebpfmap: open ring buffer reader: %w", err)
	}

	return &Program{
		coll:           coll,
		attachment:     attachment,
		targetNetworks: targetNetworks,
		ringbufReader:  reader,
	}, nil
}

// Close closes the ring buffer reader, detaches the program, then closes
// the collection — the reverse of Load's setup order.
func (p *Program) Close() error {
	if p.ringbufReader != nil {
		p.ringbufReader.Close()
	}
	if p.attachment != nil {
		p.attachment.Close()
	}
	if p.coll != nil {
		p.coll.Close()
	}
	return nil
}

// Insert installs a target network into the kernel's LPM trie, keyed by
// prefixlen (the network's native, advertised length) and the full 16-byte
// canonical address.
func (p *Program) Insert(prefixlen int, network [16]byte, networkID uint32) error {
	key := targetKey{Prefixlen: uint32(prefixlen), Network: network}
	val := targetValue{NetworkID: networkID}
	if err := p.targetNetworks.Update(&key, &val, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("ebpfmap: update target_networks: %w", err)
	}
	return nil
}

// Delete removes a target network from the trie.
func (p *Program) Delete(prefixlen int, network [16]byte) error {
	key := targetKey{Prefixlen: uint32(prefixlen), Network: network}
	if err := p.targetNetworks.Delete(&key); err != nil && err != ebpf.ErrKeyNotExist {
		return fmt.Errorf("ebpfmap: delete target_networks: %w", err)
	}
	return nil
}

// NeighborRecord is one record read off the ring buffer: an observed
// link-layer reply the kernel program decided matched a target network.
type NeighborRecord struct {
	NetworkID uint32
	VlanID    uint16
	IsIPv4    bool
	MAC       [6]byte
	IP        [16]byte
}

const recordSize = 4 + 2 + 1 + 1 + 6 + 16 // networkID, vlanID, isIPv4, pad, mac, ip

// ReadNext blocks for the next ring buffer record and decodes it. It returns
// ringbuf.ErrClosed once Close has been called.
func (p *Program) ReadNext() (NeighborRecord, error) {
	rec, err := p.ringbufReader.Read()
	if err != nil {
		return NeighborRecord{}, err
	}
	return decodeRecord(rec.RawSample)
}

// Records starts a goroutine that blocks on ReadNext in a loop and pushes
// decoded records onto the returned channel, closing it once the reader
// returns ringbuf.ErrClosed (i.e. after Close). This is the Go-idiomatic
// stand-in for the original epoll-driven ring buffer fd: the event loop
// selects on this channel instead of polling a descriptor directly.
func (p *Program) Records(errFn func(error)) <-chan NeighborRecord {
	out := make(chan NeighborRecord, 64)
	go func() {
		defer close(out)
		for {
			rec, err := p.ReadNext()
			if err != nil {
				if err != ringbuf.ErrClosed {
					errFn(err)
				}
				return
			}
			out <- rec
		}
	}()
	return out
}

func decodeRecord(raw []byte) (NeighborRecord, error) {
	if len(raw) < recordSize {
		return NeighborRecord{}, fmt.Errorf("ebpfmap: short ring buffer record: %d bytes", len(raw))
	}
	var rec NeighborRecord
	rec.NetworkID = binary.LittleEndian.Uint32(raw[0:4])
	rec.VlanID = binary.LittleEndian.Uint16(raw[4:6])
	rec.IsIPv4 = raw[6] != 0
	copy(rec.MAC[:], raw[8:14])
	copy(rec.IP[:], raw[14:30])
	return rec, nil
}
