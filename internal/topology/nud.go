package topology

// NUD state bit values, matching linux/neighbour.h and
// github.com/vishvananda/netlink's NUD_* constants — kept as plain ints
// here so this package has no netlink import.
const (
	NUDNone       = 0x00
	NUDIncomplete = 0x01
	NUDReachable  = 0x02
	NUDStale      = 0x04
	NUDDelay      = 0x08
	NUDProbe      = 0x10
	NUDFailed     = 0x20
	NUDNoARP      = 0x40
	NUDPermanent  = 0x80
)
