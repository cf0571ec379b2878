package probe

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func mustMAC(s string) net.HardwareAddr {
	mac, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return mac
}

func TestBuildARPRequestLayout(t *testing.T) {
	src := mustMAC("00:11:22:33:44:55")
	dst := mustMAC("aa:bb:cc:dd:ee:ff")
	srcIP := net.ParseIP("10.0.0.1")
	dstIP := net.ParseIP("10.0.0.42")

	frame := BuildARPRequest(src, dst, srcIP, dstIP)
	require.Len(t, frame, ethHLen+etherARP)

	assert.Equal(t, dst, net.HardwareAddr(frame[0:6]))
	assert.Equal(t, src, net.HardwareAddr(frame[6:12]))
	assert.Equal(t, uint16(unix.ETH_P_ARP), binary.BigEndian.Uint16(frame[12:14]))

	arp := frame[ethHLen:]
	assert.Equal(t, uint16(unix.ARPHRD_ETHER), binary.BigEndian.Uint16(arp[0:2]))
	assert.Equal(t, uint16(unix.ETH_P_IP), binary.BigEndian.Uint16(arp[2:4]))
	assert.Equal(t, byte(6), arp[4])
	assert.Equal(t, byte(4), arp[5])
	assert.Equal(t, uint16(arpOpRequest), binary.BigEndian.Uint16(arp[6:8]))
	assert.Equal(t, src, net.HardwareAddr(arp[8:14]))
	assert.Equal(t, srcIP.To4(), net.IP(arp[14:18]))
	assert.Equal(t, dstIP.To4(), net.IP(arp[24:28]))
}

func TestBuildNeighborSolicitationLayout(t *testing.T) {
	src := mustMAC("00:11:22:33:44:55")
	dst := mustMAC("aa:bb:cc:dd:ee:ff")
	srcIP := net.ParseIP("2001:db8::1")
	dstIP := net.ParseIP("2001:db8::42")

	frame := BuildNeighborSolicitation(src, dst, srcIP, dstIP)
	require.Len(t, frame, ethHLen+ip6HLen+icmp6NSLen+icmp6OptSLLALen)

	ip6 := frame[ethHLen:]
	assert.Equal(t, byte(0x60), ip6[0]&0xf0)
	assert.Equal(t, byte(unix.IPPROTO_ICMPV6), ip6[6])
	assert.Equal(t, byte(255), ip6[7])
	assert.Equal(t, srcIP.To16(), net.IP(ip6[8:24]))
	assert.Equal(t, dstIP.To16(), net.IP(ip6[24:40]))

	icmp6 := ip6[ip6HLen:]
	assert.Equal(t, byte(icmp6TypeNS), icmp6[0])
	assert.Equal(t, dstIP.To16(), net.IP(icmp6[8:24]))

	opt := icmp6[icmp6NSLen:]
	assert.Equal(t, byte(1), opt[0])
	assert.Equal(t, byte(1), opt[1])
	assert.Equal(t, src, net.HardwareAddr(opt[2:8]))
}

func TestICMP6ChecksumIsSelfConsistent(t *testing.T) {
	srcIP := net.ParseIP("2001:db8::1").To16()
	dstIP := net.ParseIP("2001:db8::42").To16()

	icmp6 := make([]byte, icmp6NSLen+icmp6OptSLLALen)
	icmp6[0] = icmp6TypeNS
	copy(icmp6[8:24], dstIP)

	cksum := icmp6Checksum(srcIP, dstIP, icmp6)
	binary.BigEndian.PutUint16(icmp6[2:4], cksum)

	// Summing the pseudo-header + finalized message (with the checksum field
	// filled in) over ones-complement arithmetic must fold to zero.
	pseudo := make([]byte, 0, 40+len(icmp6))
	pseudo = append(pseudo, srcIP...)
	pseudo = append(pseudo, dstIP...)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(icmp6)))
	pseudo = append(pseudo, lenBuf[:]...)
	pseudo = append(pseudo, 0, 0, 0, unix.IPPROTO_ICMPV6)
	pseudo = append(pseudo, icmp6...)

	var sum uint32
	for i := 0; i+1 < len(pseudo); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(pseudo[i : i+2]))
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	assert.Equal(t, uint16(0xFFFF), uint16(sum))
}
