// Package config loads the daemon's settings from an optional TOML file and
// merges CLI flag overrides on top, the same "config file plus flag
// override" layering the rest of this codebase's ancestry uses.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the merged, validated configuration the daemon runs with.
type Config struct {
	Interface             string `toml:"interface"`
	OnlyIPv4              bool   `toml:"only_ipv4"`
	OnlyIPv6              bool   `toml:"only_ipv6"`
	Count                 int    `toml:"count"`
	DenyFilter            string `toml:"deny_filter"`
	DisableIPv6LLFilter   bool   `toml:"disable_ipv6ll_filter"`
	FailOnQFilterPresent  bool   `toml:"fail_on_qfilter_present"`
	XDP                   bool   `toml:"xdp"`
	// Verbosity is the raw repeat count of -v: 0 quiet, 1 info, 2 debug,
	// 3 debug plus netlink tracing.
	Verbosity             int    `toml:"verbosity"`
	BPFObjectPath         string `toml:"bpf_object_path"`
}

// Default returns the zero-value configuration with the same defaults the
// original CLI applies before flags or a config file are consulted.
func Default() Config {
	return Config{
		BPFObjectPath: "neighsnoopd_bpf.o",
	}
}

// Load reads path, if it exists, and merges it onto Default(). A missing
// path is not an error — the daemon runs on flags and defaults alone.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: stat %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects setting both only_ipv4 and only_ipv6, and requires an
// interface.
func (c Config) Validate() error {
	if c.OnlyIPv4 && c.OnlyIPv6 {
		return fmt.Errorf("config: cannot specify both only_ipv4 and only_ipv6")
	}
	if c.Interface == "" {
		return fmt.Errorf("config: interface is required")
	}
	return nil
}
