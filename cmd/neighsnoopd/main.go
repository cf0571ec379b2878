package main

import (
	"fmt"
	"net"
	"os"
	"regexp"

	"github.com/spf13/cobra"

	"github.com/1984hosting/neighsnoopd/internal/cache"
	"github.com/1984hosting/neighsnoopd/internal/config"
	"github.com/1984hosting/neighsnoopd/internal/ebpfmap"
	"github.com/1984hosting/neighsnoopd/internal/loop"
	"github.com/1984hosting/neighsnoopd/internal/logging"
	"github.com/1984hosting/neighsnoopd/internal/netsrc"
	"github.com/1984hosting/neighsnoopd/internal/probe"
	"github.com/1984hosting/neighsnoopd/internal/reply"
	"github.com/1984hosting/neighsnoopd/internal/scheduler"
	"github.com/1984hosting/neighsnoopd/internal/topology"
)

var (
	flagConfigFile  string
	flagOnlyIPv4    bool
	flagOnlyIPv6    bool
	flagCount       int
	flagDenyFilter  string
	flagDisableLL   bool
	flagFailOnQdisc bool
	flagVerbose     int
	flagXDP         bool
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "neighsnoopd <IFNAME_MON>",
		Short: "Populate the kernel neighbor table by snooping bridge traffic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0])
		},
	}

	cmd.Flags().StringVar(&flagConfigFile, "config", "", "Path to a TOML configuration file")
	cmd.Flags().BoolVarP(&flagOnlyIPv4, "ipv4", "4", false, "Only process IPv4 neighbors")
	cmd.Flags().BoolVarP(&flagOnlyIPv6, "ipv6", "6", false, "Only process IPv6 neighbors")
	cmd.Flags().IntVarP(&flagCount, "count", "c", 0, "Exit after processing this many ring buffer records")
	cmd.Flags().StringVarP(&flagDenyFilter, "filter", "f", "", "Regular expression of interface names to ignore")
	cmd.Flags().BoolVarP(&flagDisableLL, "disable-ipv6ll-filter", "l", false, "Track IPv6 link-local addresses too")
	cmd.Flags().BoolVarP(&flagFailOnQdisc, "fail-on-qdisc-present", "q", false, "Accepted for compatibility; has no effect (TCX attachment uses no qdisc filter)")
	cmd.Flags().CountVarP(&flagVerbose, "verbose", "v", "Increase logging verbosity (repeatable)")
	cmd.Flags().BoolVarP(&flagXDP, "xdp", "x", false, "Attach via XDP instead of TC")

	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ifname string) error {
	cfg, err := config.Load(flagConfigFile)
	if err != nil {
		return err
	}
	cfg.Interface = ifname
	if flagOnlyIPv4 {
		cfg.OnlyIPv4 = true
	}
	if flagOnlyIPv6 {
		cfg.OnlyIPv6 = true
	}
	if flagCount > 0 {
		cfg.Count = flagCount
	}
	if flagDenyFilter != "" {
		cfg.DenyFilter = flagDenyFilter
	}
	if flagDisableLL {
		cfg.DisableIPv6LLFilter = true
	}
	if flagFailOnQdisc {
		cfg.FailOnQFilterPresent = true
	}
	if flagVerbose > cfg.Verbosity {
		cfg.Verbosity = flagVerbose
	}
	if flagXDP {
		cfg.XDP = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logging.New(logging.Level(cfg.Verbosity))

	link, err := net.InterfaceByName(cfg.Interface)
	if err != nil {
		return fmt.Errorf("neighsnoopd: lookup monitored interface %s: %w", cfg.Interface, err)
	}

	var denyRegex *regexp.Regexp
	if cfg.DenyFilter != "" {
		denyRegex, err = regexp.Compile(cfg.DenyFilter)
		if err != nil {
			return fmt.Errorf("neighsnoopd: compile deny filter: %w", err)
		}
	}

	attachMode := ebpfmap.AttachTC
	if cfg.XDP {
		attachMode = ebpfmap.AttachXDP
	}
	prog, err := ebpfmap.Load(cfg.BPFObjectPath, link.Index, attachMode)
	if err != nil {
		return fmt.Errorf("neighsnoopd: load eBPF program: %w", err)
	}
	defer prog.Close()

	sender, err := probe.NewPacketSender()
	if err != nil {
		return fmt.Errorf("neighsnoopd: open packet socket: %w", err)
	}
	defer sender.Close()

	c := cache.New(cache.SystemClock{})
	sched := scheduler.New(sender, log)

	engineCfg := topology.Config{
		MonitoredBridgeIfindex: int32(link.Index),
		DenyRegex:              denyRegex,
		DisableIPv6LLFilter:    cfg.DisableIPv6LLFilter,
	}
	engine := topology.New(c, prog, sched, engineCfg, log)

	correlator := reply.New(c, sched, reply.Config{
		OnlyIPv4: cfg.OnlyIPv4,
		OnlyIPv6: cfg.OnlyIPv6,
		Count:    int64(cfg.Count),
		HasCount: cfg.Count > 0,
	}, log)

	src := netsrc.New(log)
	if err := src.DumpLinks(engine.Handle); err != nil {
		return fmt.Errorf("neighsnoopd: dump links: %w", err)
	}
	engine.MarkLinksReady()

	if err := src.DumpAddrs(engine.Handle); err != nil {
		return fmt.Errorf("neighsnoopd: dump addrs: %w", err)
	}
	engine.MarkNetworksReady()

	if err := src.DumpFDB(engine.Handle); err != nil {
		return fmt.Errorf("neighsnoopd: dump fdb: %w", err)
	}
	engine.MarkFDBReady()

	if err := src.DumpNeighbors(engine.Handle); err != nil {
		return fmt.Errorf("neighsnoopd: dump neighbors: %w", err)
	}

	if err := src.Subscribe(); err != nil {
		return fmt.Errorf("neighsnoopd: subscribe to netlink: %w", err)
	}
	defer src.Stop()

	records := prog.Records(func(err error) {
		log.Errorf("ring buffer read failed: %v", err)
	})

	l := loop.New(engine, sched, correlator, src.Events(), records, log)
	return l.Run()
}
