// Package sysctl reads the small set of /proc/sys knobs the refresh
// scheduler needs to time gratuitous neighbor requests.
package sysctl

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// BaseReachableTimeMS reads /proc/sys/net/{ipv4,ipv6}/neigh/<ifname>/base_reachable_time_ms
// for the given link, selecting the ipv4 or ipv6 tree by isIPv4.
func BaseReachableTimeMS(ifname string, isIPv4 bool) (float64, error) {
	family := "ipv6"
	if isIPv4 {
		family = "ipv4"
	}
	path := fmt.Sprintf("/proc/sys/net/%s/neigh/%s/base_reachable_time_ms", family, ifname)

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("sysctl: read %s: %w", path, err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("sysctl: parse %s: %w", path, err)
	}
	return v, nil
}
