package scheduler

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1984hosting/neighsnoopd/internal/cache"
	"github.com/1984hosting/neighsnoopd/internal/ident"
	"github.com/1984hosting/neighsnoopd/internal/logging"
)

type fakeSysctl struct {
	ms  float64
	err error
}

func (f fakeSysctl) BaseReachableTimeMS(ifname string, isIPv4 bool) (float64, error) {
	return f.ms, f.err
}

type sentFrame struct {
	ifindex int
	dst     net.HardwareAddr
	frame   []byte
}

type fakeSender struct {
	sent    []sentFrame
	failErr error
}

func (f *fakeSender) Send(ifindex int, dst net.HardwareAddr, frame []byte) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.sent = append(f.sent, sentFrame{ifindex: ifindex, dst: dst, frame: frame})
	return nil
}

func discardLogger() *logging.Logger {
	return logging.NewWithWriter(logging.LevelTrace, io.Discard)
}

func mustMAC(s string) net.HardwareAddr {
	mac, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return mac
}

func testNeighbor(ip string) *cache.Neighbor {
	link := &cache.Link{Ifindex: 2, Ifname: "br0.100", MAC: mustMAC("00:11:22:33:44:55")}
	ln := &cache.LinkNetwork{Link: link, IP: ident.CanonicalIP(net.ParseIP("10.0.0.1"))}
	return &cache.Neighbor{
		Ifindex:            2,
		MAC:                mustMAC("aa:bb:cc:dd:ee:ff"),
		IP:                 ident.CanonicalIP(net.ParseIP(ip)),
		SendingLinkNetwork: ln,
	}
}

func TestArmStoresTimerHandle(t *testing.T) {
	s := New(&fakeSender{}, discardLogger())
	s.sysctl = fakeSysctl{ms: 30000} // 30s base -> 7.5s + [0,2)s jitter

	n := testNeighbor("10.0.0.42")
	require.NoError(t, s.Arm(n))
	require.NotNil(t, n.Timer)

	handle, ok := n.Timer.(*timerHandle)
	require.True(t, ok)
	assert.NotNil(t, handle.t)
}

func TestArmPropagatesSysctlError(t *testing.T) {
	s := New(&fakeSender{}, discardLogger())
	s.sysctl = fakeSysctl{err: assert.AnError}

	n := testNeighbor("10.0.0.42")
	err := s.Arm(n)
	assert.Error(t, err)
	assert.Nil(t, n.Timer)
}

func TestCancelStopsTimer(t *testing.T) {
	s := New(&fakeSender{}, discardLogger())
	s.sysctl = fakeSysctl{ms: 4000000} // large interval so it never fires during the test

	n := testNeighbor("10.0.0.42")
	require.NoError(t, s.Arm(n))
	require.NotNil(t, n.Timer)

	s.Cancel(n)
	assert.Nil(t, n.Timer)
}

func TestCancelOnUnarmedNeighborIsNoop(t *testing.T) {
	s := New(&fakeSender{}, discardLogger())
	n := testNeighbor("10.0.0.42")
	s.Cancel(n) // must not panic
	assert.Nil(t, n.Timer)
}

func TestProbeNowSendsARPForIPv4(t *testing.T) {
	sender := &fakeSender{}
	s := New(sender, discardLogger())
	n := testNeighbor("10.0.0.42")

	s.ProbeNow(n)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, 2, sender.sent[0].ifindex)
	assert.Equal(t, []byte{0x08, 0x06}, sender.sent[0].frame[12:14]) // ETH_P_ARP
}

func TestProbeNowSendsNSForIPv6(t *testing.T) {
	sender := &fakeSender{}
	s := New(sender, discardLogger())
	n := testNeighbor("2001:db8::42")

	s.ProbeNow(n)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, []byte{0x86, 0xdd}, sender.sent[0].frame[12:14]) // ETH_P_IPV6
}

func TestHandleFiredClearsTimer(t *testing.T) {
	sender := &fakeSender{}
	s := New(sender, discardLogger())
	n := testNeighbor("10.0.0.42")
	n.Timer = &timerHandle{t: time.NewTimer(time.Hour)}

	s.HandleFired(n)
	assert.Nil(t, n.Timer)
	require.Len(t, sender.sent, 1)
}
