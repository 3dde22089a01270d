// Package main provides the surge-ping command line tool.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/wladwm/surge-ping/internal/config"
	"github.com/wladwm/surge-ping/internal/health"
	"github.com/wladwm/surge-ping/internal/icmp"
	"github.com/wladwm/surge-ping/internal/logging"
	"github.com/wladwm/surge-ping/internal/ping"
	"github.com/wladwm/surge-ping/internal/socket"
)

var (
	// Version is set at build time
	Version = "dev"
)

type cliFlags struct {
	configPath string

	count      int
	size       int
	timeout    time.Duration
	interval   time.Duration
	ttl        int
	rateLimit  int
	iface      string
	privileged bool
	ipv4Only   bool
	ipv6Only   bool

	logLevel  string
	logFormat string

	metricsListen string
}

func main() {
	var flags cliFlags

	rootCmd := &cobra.Command{
		Use:   "surge-ping [flags] destination [destination ...]",
		Short: "surge-ping - concurrent ICMP echo probing",
		Long: `surge-ping sends ICMP echo requests to one or more destinations and
reports round trip times.

Multiple destinations share a single ICMP socket per address family,
so probing many hosts does not consume one raw socket each. Raw
sockets need CAP_NET_RAW or root; pass --unprivileged to use datagram
ICMP sockets instead (Linux requires the net.ipv4.ping_group_range
sysctl for those).`,
		Version: Version,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args, &flags)
		},
	}

	f := rootCmd.Flags()
	f.StringVar(&flags.configPath, "config", "", "Path to YAML configuration file")
	f.IntVarP(&flags.count, "count", "c", 4, "Number of echo requests per destination (0 = forever)")
	f.IntVarP(&flags.size, "size", "s", ping.DefaultPayloadSize, "Payload size in bytes")
	f.DurationVarP(&flags.timeout, "timeout", "W", ping.DefaultTimeout, "Per-request reply timeout")
	f.DurationVarP(&flags.interval, "interval", "i", time.Second, "Pause between requests to one destination")
	f.IntVarP(&flags.ttl, "ttl", "t", 0, "Time to live for outbound packets (0 = kernel default)")
	f.IntVar(&flags.rateLimit, "rate", 0, "Send rate ceiling per socket in packets per second (0 = default)")
	f.StringVarP(&flags.iface, "interface", "I", "", "Bind sockets to this network interface")
	f.BoolVar(&flags.privileged, "privileged", true, "Use raw ICMP sockets")
	f.BoolVarP(&flags.ipv4Only, "ipv4", "4", false, "Resolve destinations to IPv4 only")
	f.BoolVarP(&flags.ipv6Only, "ipv6", "6", false, "Resolve destinations to IPv6 only")
	f.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flags.logFormat, "log-format", "", "Log format (text, json)")
	f.StringVar(&flags.metricsListen, "metrics-listen", "", "Serve /metrics and /healthz on this address")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string, flags *cliFlags) error {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}
	if flags.ipv4Only && flags.ipv6Only {
		return errors.New("--ipv4 and --ipv6 are mutually exclusive")
	}

	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	targets, err := resolveTargets(args, flags)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := newEngine(cfg.Probe, logger)
	defer engine.Close()

	if cfg.Metrics.Enabled {
		srv := health.NewServer(health.ServerConfig{
			Address:      cfg.Metrics.Address,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}, engine)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("start metrics listener: %w", err)
		}
		defer srv.Stop(context.Background())
		logger.Info("metrics listener started", logging.KeySource, srv.Address())
	}

	results := make([]*targetStats, len(targets))
	var wg sync.WaitGroup
	for i, tgt := range targets {
		pinger, err := engine.pinger(tgt.ip)
		if err != nil {
			return fmt.Errorf("pinger for %s: %w", tgt.name, err)
		}
		fmt.Printf("PING %s (%s) %d bytes of data\n", tgt.name, tgt.ip, cfg.Probe.PayloadSize)

		st := &targetStats{name: tgt.name, ip: tgt.ip}
		results[i] = st
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer pinger.Close()
			pingTarget(ctx, pinger, st, cfg.Probe, logger)
		}()
	}
	wg.Wait()
	stop()

	for _, st := range results {
		st.print()
	}
	return nil
}

// loadConfig layers the configuration file under any flags the user set
// explicitly.
func loadConfig(cmd *cobra.Command, flags *cliFlags) (config.Config, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		var err error
		cfg, err = config.Load(flags.configPath)
		if err != nil {
			return cfg, err
		}
	}

	set := cmd.Flags().Changed
	if set("count") {
		cfg.Probe.Count = flags.count
	}
	if set("size") {
		cfg.Probe.PayloadSize = flags.size
	}
	if set("timeout") {
		cfg.Probe.Timeout = flags.timeout
	}
	if set("interval") {
		cfg.Probe.Interval = flags.interval
	}
	if set("ttl") {
		cfg.Probe.TTL = flags.ttl
	}
	if set("rate") {
		cfg.Probe.RateLimit = flags.rateLimit
	}
	if set("interface") {
		cfg.Probe.Interface = flags.iface
	}
	if set("privileged") {
		cfg.Probe.Privileged = flags.privileged
	}
	if set("log-level") {
		cfg.Log.Level = flags.logLevel
	}
	if set("log-format") {
		cfg.Log.Format = flags.logFormat
	}
	if set("metrics-listen") {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = flags.metricsListen
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type target struct {
	name string
	ip   net.IP
}

func resolveTargets(args []string, flags *cliFlags) ([]target, error) {
	network := "ip"
	if flags.ipv4Only {
		network = "ip4"
	} else if flags.ipv6Only {
		network = "ip6"
	}

	targets := make([]target, 0, len(args))
	for _, arg := range args {
		addr, err := net.ResolveIPAddr(network, arg)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", arg, err)
		}
		targets = append(targets, target{name: arg, ip: addr.IP})
	}
	return targets, nil
}

// engine owns one shared socket per address family, created lazily.
type engine struct {
	probe  config.ProbeConfig
	logger *slog.Logger

	mu      sync.Mutex
	sockets map[icmp.Proto]*ping.PingSocket
}

func newEngine(probe config.ProbeConfig, logger *slog.Logger) *engine {
	return &engine{
		probe:   probe,
		logger:  logger,
		sockets: make(map[icmp.Proto]*ping.PingSocket),
	}
}

func (e *engine) socketConfig(proto icmp.Proto) socket.Config {
	return socket.Config{
		Proto:            proto,
		Privileged:       e.probe.Privileged,
		Interface:        e.probe.Interface,
		TTL:              e.probe.TTL,
		SendBuffer:       e.probe.SendBuffer,
		RecvBuffer:       e.probe.RecvBuffer,
		PacketsPerSecond: e.probe.RateLimit,
	}
}

func (e *engine) pinger(dst net.IP) (*ping.Pinger, error) {
	proto := icmp.ProtoForIP(dst)

	e.mu.Lock()
	ps, ok := e.sockets[proto]
	if !ok {
		var err error
		ps, err = ping.NewPingSocket(e.socketConfig(proto), e.logger)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		e.sockets[proto] = ps
	}
	e.mu.Unlock()

	p, err := ps.Pinger(dst)
	if err != nil {
		return nil, err
	}
	p.SetSize(e.probe.PayloadSize).SetTimeout(e.probe.Timeout)
	return p, nil
}

// Stats implements health.StatsProvider.
func (e *engine) Stats() health.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	var st health.Stats
	for _, ps := range e.sockets {
		st.Destinations += ps.Registered()
		if ps.DispatcherRunning() {
			st.DispatcherRunning = true
		}
	}
	return st
}

func (e *engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ps := range e.sockets {
		ps.Close()
	}
}

type targetStats struct {
	name string
	ip   net.IP

	mu       sync.Mutex
	sent     int
	received int
	min      time.Duration
	max      time.Duration
	total    time.Duration
}

func (s *targetStats) record(rtt time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	if !ok {
		return
	}
	s.received++
	s.total += rtt
	if s.received == 1 || rtt < s.min {
		s.min = rtt
	}
	if rtt > s.max {
		s.max = rtt
	}
}

func (s *targetStats) print() {
	s.mu.Lock()
	defer s.mu.Unlock()

	loss := 100.0
	if s.sent > 0 {
		loss = 100 * float64(s.sent-s.received) / float64(s.sent)
	}
	fmt.Printf("\n--- %s ping statistics ---\n", s.name)
	fmt.Printf("%s packets transmitted, %s received, %.1f%% packet loss\n",
		humanize.Comma(int64(s.sent)), humanize.Comma(int64(s.received)), loss)
	if s.received > 0 {
		avg := s.total / time.Duration(s.received)
		fmt.Printf("rtt min/avg/max = %.3f/%.3f/%.3f ms\n",
			ms(s.min), ms(avg), ms(s.max))
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func pingTarget(ctx context.Context, p *ping.Pinger, st *targetStats, probe config.ProbeConfig, logger *slog.Logger) {
	pace := rate.NewLimiter(rate.Every(probe.Interval), 1)
	if probe.Interval <= 0 {
		pace = rate.NewLimiter(rate.Inf, 1)
	}

	for n := 0; probe.Count == 0 || n < probe.Count; n++ {
		if err := pace.Wait(ctx); err != nil {
			return
		}
		seq := nextSeq(n)

		reply, rtt, err := p.Ping(ctx, seq)
		switch {
		case err == nil:
			st.record(rtt, true)
			fmt.Printf("%d bytes from %s: icmp_seq=%d ttl=%d time=%.3f ms\n",
				reply.Size(), reply.Src, reply.Seq, reply.TTL, ms(rtt))
		case errors.Is(err, context.Canceled):
			return
		case isTimeout(err):
			st.record(0, false)
			fmt.Printf("request timeout: %s icmp_seq=%d\n", st.name, seq)
		case errors.Is(err, ping.ErrSocketClosed):
			logger.Error("socket closed",
				logging.KeyDest, st.name,
				logging.KeyError, err)
			return
		default:
			st.record(0, false)
			logger.Warn("ping failed",
				logging.KeyDest, st.name,
				logging.KeySeq, seq,
				logging.KeyError, err)
		}
	}
}

// nextSeq wraps the round counter into the full 16-bit sequence space,
// so sequence 65535 is used and round 65536 reuses sequence 0.
func nextSeq(round int) uint16 {
	return uint16(round)
}

func isTimeout(err error) bool {
	var te *ping.TimeoutError
	return errors.As(err, &te)
}
