// Package probe builds and sends the raw link-layer frames the refresh
// scheduler uses to keep a kernel neighbor entry fresh: a unicast ARP
// request for IPv4 targets, a unicast ICMPv6 Neighbor Solicitation for IPv6
// ones. Both are sent straight to the target's known MAC over an AF_PACKET
// socket, never broadcast — the goal is to provoke a reply, not announce.
package probe

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Sender transmits a raw Ethernet frame out a specific interface to a
// specific link-layer destination.
type Sender interface {
	Send(ifindex int, dst net.HardwareAddr, frame []byte) error
}

// PacketSender sends over a single shared AF_PACKET SOCK_RAW socket, mirroring
// the one packet_fd opened for the whole daemon's lifetime.
type PacketSender struct {
	fd int
}

// NewPacketSender opens the AF_PACKET/SOCK_RAW/ETH_P_ALL socket the daemon
// keeps for the whole time it runs.
func NewPacketSender() (*PacketSender, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("probe: open packet socket: %w", err)
	}
	return &PacketSender{fd: fd}, nil
}

// Close releases the underlying socket.
func (p *PacketSender) Close() error {
	if p.fd < 0 {
		return nil
	}
	err := unix.Close(p.fd)
	p.fd = -1
	return err
}

// Send transmits frame (a complete Ethernet frame, header included) out
// ifindex to dst.
func (p *PacketSender) Send(ifindex int, dst net.HardwareAddr, frame []byte) error {
	addr := unix.SockaddrLinklayer{
		Ifindex: ifindex,
		Halen:   uint8(len(dst)),
	}
	copy(addr.Addr[:], dst)
	return unix.Sendto(p.fd, frame, 0, &addr)
}

func htons(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.NativeEndian.Uint16(b[:])
}

const (
	ethHLen  = 14
	ethAlen  = 6
	etherARP = 28 // sizeof(struct ether_arp)

	arpOpRequest = 1 // not exposed by x/sys/unix on linux
)

// BuildARPRequest builds a complete Ethernet+ARP frame requesting the MAC
// for dstIP, sourced from (srcMAC, srcIP) and unicast straight to dstMAC —
// a gratuitous refresh probe, not a broadcast discovery request.
func BuildARPRequest(srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP net.IP) []byte {
	srcIP4 := srcIP.To4()
	dstIP4 := dstIP.To4()

	buf := make([]byte, ethHLen+etherARP)

	copy(buf[0:6], dstMAC)
	copy(buf[6:12], srcMAC)
	binary.BigEndian.PutUint16(buf[12:14], unix.ETH_P_ARP)

	arp := buf[ethHLen:]
	binary.BigEndian.PutUint16(arp[0:2], unix.ARPHRD_ETHER)
	binary.BigEndian.PutUint16(arp[2:4], unix.ETH_P_IP)
	arp[4] = ethAlen
	arp[5] = 4
	binary.BigEndian.PutUint16(arp[6:8], arpOpRequest)
	copy(arp[8:14], srcMAC)
	copy(arp[14:18], srcIP4)
	// arp[18:24] target hardware address left zero, matching the daemon's
	// original intent even though the frame is unicast at the link layer.
	copy(arp[24:28], dstIP4)

	return buf
}

const (
	ip6HLen         = 40
	icmp6NSLen      = 24 // type, code, cksum, reserved, target address
	icmp6OptSLLALen = 8  // type, len, mac
	icmp6TypeNS     = 135
)

// BuildNeighborSolicitation builds a complete Ethernet+IPv6+ICMPv6 frame
// unicast to dstMAC, asking dstIP to confirm it still owns that address.
func BuildNeighborSolicitation(srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP net.IP) []byte {
	payloadLen := icmp6NSLen + icmp6OptSLLALen
	buf := make([]byte, ethHLen+ip6HLen+payloadLen)

	copy(buf[0:6], dstMAC)
	copy(buf[6:12], srcMAC)
	binary.BigEndian.PutUint16(buf[12:14], unix.ETH_P_IPV6)

	ip6 := buf[ethHLen:]
	ip6[0] = 0x60 // version 6, traffic class/flow label zero
	binary.BigEndian.PutUint16(ip6[4:6], uint16(payloadLen))
	ip6[6] = unix.IPPROTO_ICMPV6
	ip6[7] = 255 // hop limit, required for NS validity
	srcIP16 := srcIP.To16()
	dstIP16 := dstIP.To16()
	copy(ip6[8:24], srcIP16)
	copy(ip6[24:40], dstIP16)

	icmp6 := ip6[ip6HLen:]
	icmp6[0] = icmp6TypeNS
	icmp6[1] = 0 // code
	// icmp6[2:4] checksum, filled below
	// icmp6[4:8] reserved, left zero
	copy(icmp6[8:24], dstIP16) // target address being solicited
	opt := icmp6[icmp6NSLen:]
	opt[0] = 1 // Source Link-Layer Address option
	opt[1] = 1 // length in units of 8 octets
	copy(opt[2:8], srcMAC)

	cksum := icmp6Checksum(srcIP16, dstIP16, icmp6)
	binary.BigEndian.PutUint16(icmp6[2:4], cksum)

	return buf
}

// icmp6Checksum computes the ICMPv6 checksum over the IPv6 pseudo-header
// plus the ICMPv6 message, per RFC 8200 §8.1.
func icmp6Checksum(src, dst []byte, icmp6 []byte) uint16 {
	pseudo := make([]byte, 0, 40+len(icmp6))
	pseudo = append(pseudo, src...)
	pseudo = append(pseudo, dst...)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(icmp6)))
	pseudo = append(pseudo, lenBuf[:]...)
	pseudo = append(pseudo, 0, 0, 0, unix.IPPROTO_ICMPV6)
	pseudo = append(pseudo, icmp6...)

	var sum uint32
	for i := 0; i+1 < len(pseudo); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(pseudo[i : i+2]))
	}
	if len(pseudo)%2 == 1 {
		sum += uint32(pseudo[len(pseudo)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}
