// Package socket owns the raw (or unprivileged datagram) ICMP socket and
// serializes outbound sends through a shared rate limiter.
//
// No reply filtering happens at this layer: every datagram the kernel hands
// over surfaces through ReadFrom, from any source. Correlation is the ping
// engine's job.
package socket

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"

	xicmp "golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/wladwm/surge-ping/internal/icmp"
	"github.com/wladwm/surge-ping/internal/logging"
	"github.com/wladwm/surge-ping/internal/ratelimit"
)

// Config is the one-time socket configuration. Every option is applied at
// construction and each can fail it.
type Config struct {
	// Proto selects the address family and ICMP variant.
	Proto icmp.Proto

	// Privileged selects a raw ICMP socket (needs CAP_NET_RAW or root).
	// When false an unprivileged datagram ICMP socket is used instead,
	// which on Linux requires the net.ipv4.ping_group_range sysctl.
	Privileged bool

	// LocalAddr optionally binds the socket to a local address.
	LocalAddr string

	// Interface optionally binds the socket to a device (SO_BINDTODEVICE,
	// Linux only, privileged sockets only).
	Interface string

	// TTL sets the time-to-live (hop limit for IPv6) on outbound packets.
	// 0 leaves the kernel default.
	TTL int

	// SendBuffer and RecvBuffer size the kernel socket buffers in bytes.
	// 0 leaves the defaults.
	SendBuffer int
	RecvBuffer int

	// PacketsPerSecond caps the outbound send rate shared by everything
	// using this socket. Non-positive selects the package default.
	PacketsPerSecond int
}

// DefaultConfig returns a privileged socket configuration for the given
// protocol with the default send ceiling.
func DefaultConfig(proto icmp.Proto) Config {
	return Config{
		Proto:            proto,
		Privileged:       true,
		PacketsPerSecond: ratelimit.DefaultPacketsPerSecond,
	}
}

// Socket is one ICMP socket plus the rate limiter gating its sends. It is
// safe for concurrent use; sends contend for the limiter and reads may run
// alongside them.
type Socket struct {
	pc      net.PacketConn
	p4      *ipv4.PacketConn
	p6      *ipv6.PacketConn
	proto   icmp.Proto
	udp     bool
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// Open creates and configures the socket described by cfg.
func Open(cfg Config, logger *slog.Logger) (*Socket, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &Socket{
		proto:   cfg.Proto,
		udp:     !cfg.Privileged,
		limiter: ratelimit.New(cfg.PacketsPerSecond),
		logger:  logger.With(slog.String(logging.KeyComponent, "socket")),
	}

	var err error
	switch {
	case cfg.Proto == icmp.ProtoIPv4 && cfg.Privileged:
		var c net.PacketConn
		c, err = net.ListenPacket("ip4:icmp", localOr(cfg.LocalAddr, "0.0.0.0"))
		if err == nil {
			s.pc = c
			s.p4 = ipv4.NewPacketConn(c)
		}
	case cfg.Proto == icmp.ProtoIPv4:
		var c *xicmp.PacketConn
		c, err = xicmp.ListenPacket("udp4", localOr(cfg.LocalAddr, "0.0.0.0"))
		if err == nil {
			s.pc = c
			s.p4 = c.IPv4PacketConn()
		}
	case cfg.Privileged:
		var c net.PacketConn
		c, err = net.ListenPacket("ip6:ipv6-icmp", localOr(cfg.LocalAddr, "::"))
		if err == nil {
			s.pc = c
			s.p6 = ipv6.NewPacketConn(c)
		}
	default:
		var c *xicmp.PacketConn
		c, err = xicmp.ListenPacket("udp6", localOr(cfg.LocalAddr, "::"))
		if err == nil {
			s.pc = c
			s.p6 = c.IPv6PacketConn()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open %s socket: %w", cfg.Proto, err)
	}

	if err := s.configure(cfg); err != nil {
		s.pc.Close()
		return nil, err
	}
	return s, nil
}

func (s *Socket) configure(cfg Config) error {
	// TTL (and the hop limit on receive) travels in control messages.
	// Not every platform supports them; reads then report TTL 0.
	if s.p4 != nil {
		if err := s.p4.SetControlMessage(ipv4.FlagTTL, true); err != nil {
			s.logger.Debug("ttl control messages unavailable", logging.KeyError, err)
		}
	} else {
		if err := s.p6.SetControlMessage(ipv6.FlagHopLimit, true); err != nil {
			s.logger.Debug("hop limit control messages unavailable", logging.KeyError, err)
		}
	}

	if cfg.TTL > 0 {
		var err error
		if s.p4 != nil {
			err = s.p4.SetTTL(cfg.TTL)
		} else {
			err = s.p6.SetHopLimit(cfg.TTL)
		}
		if err != nil {
			return fmt.Errorf("set ttl %d: %w", cfg.TTL, err)
		}
	}

	if cfg.Interface != "" {
		sc, ok := s.pc.(syscall.Conn)
		if !ok {
			return fmt.Errorf("bind to device %q: not supported on this socket type", cfg.Interface)
		}
		rc, err := sc.SyscallConn()
		if err != nil {
			return fmt.Errorf("bind to device %q: %w", cfg.Interface, err)
		}
		if err := bindToDevice(rc, cfg.Interface); err != nil {
			return fmt.Errorf("bind to device %q: %w", cfg.Interface, err)
		}
	}

	if cfg.SendBuffer > 0 || cfg.RecvBuffer > 0 {
		bc, ok := s.pc.(interface {
			SetReadBuffer(int) error
			SetWriteBuffer(int) error
		})
		if !ok {
			return fmt.Errorf("set socket buffers: not supported on this socket type")
		}
		if cfg.RecvBuffer > 0 {
			if err := bc.SetReadBuffer(cfg.RecvBuffer); err != nil {
				return fmt.Errorf("set receive buffer %d: %w", cfg.RecvBuffer, err)
			}
		}
		if cfg.SendBuffer > 0 {
			if err := bc.SetWriteBuffer(cfg.SendBuffer); err != nil {
				return fmt.Errorf("set send buffer %d: %w", cfg.SendBuffer, err)
			}
		}
	}

	return nil
}

func localOr(addr, def string) string {
	if addr == "" {
		return def
	}
	return addr
}

// Proto returns the ICMP variant this socket speaks.
func (s *Socket) Proto() icmp.Proto {
	return s.proto
}

// RateLimit returns the configured send ceiling in packets per second.
func (s *Socket) RateLimit() int {
	return s.limiter.Limit()
}

// LocalIdent returns the echo identifier the kernel stamps on this
// socket's traffic, and whether such rewriting applies. On unprivileged
// datagram ICMP sockets the kernel replaces the identifier of outbound
// requests with a socket-local value (the bound port) and only delivers
// replies carrying it, so callers must correlate with that value instead
// of their own.
func (s *Socket) LocalIdent() (uint16, bool) {
	if !s.udp {
		return 0, false
	}
	if ua, ok := s.pc.LocalAddr().(*net.UDPAddr); ok {
		return uint16(ua.Port), true
	}
	return 0, false
}

// SendTo transmits one datagram to dst, first applying the shared rate
// limiter's wait policy.
func (s *Socket) SendTo(ctx context.Context, b []byte, dst net.IP) (int, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	var (
		n   int
		err error
	)
	addr := s.destAddr(dst)
	if s.p4 != nil {
		n, err = s.p4.WriteTo(b, nil, addr)
	} else {
		n, err = s.p6.WriteTo(b, nil, addr)
	}
	if err != nil {
		return n, fmt.Errorf("send to %s: %w", dst, err)
	}
	return n, nil
}

// destAddr picks the address type the underlying socket expects:
// unprivileged datagram ICMP sockets take UDP addresses.
func (s *Socket) destAddr(dst net.IP) net.Addr {
	if s.udp {
		return &net.UDPAddr{IP: dst}
	}
	return &net.IPAddr{IP: dst}
}

// ReadFrom blocks until one datagram arrives and returns the number of
// valid bytes written into b, the source address, and the TTL (hop limit)
// from the datagram's control message, 0 when unavailable. Callers must
// only look at b[:n].
func (s *Socket) ReadFrom(b []byte) (n int, src net.IP, ttl int, err error) {
	if s.p4 != nil {
		var cm *ipv4.ControlMessage
		var from net.Addr
		n, cm, from, err = s.p4.ReadFrom(b)
		if err != nil {
			return 0, nil, 0, fmt.Errorf("receive: %w", err)
		}
		if cm != nil {
			ttl = cm.TTL
		}
		return n, addrIP(from), ttl, nil
	}
	var cm *ipv6.ControlMessage
	var from net.Addr
	n, cm, from, err = s.p6.ReadFrom(b)
	if err != nil {
		return 0, nil, 0, fmt.Errorf("receive: %w", err)
	}
	if cm != nil {
		ttl = cm.HopLimit
	}
	return n, addrIP(from), ttl, nil
}

// SetReadDeadline bounds future ReadFrom calls.
func (s *Socket) SetReadDeadline(t time.Time) error {
	if s.p4 != nil {
		return s.p4.SetReadDeadline(t)
	}
	return s.p6.SetReadDeadline(t)
}

// Close releases the underlying socket. In-flight reads return with an
// error.
func (s *Socket) Close() error {
	return s.pc.Close()
}

func addrIP(a net.Addr) net.IP {
	switch a := a.(type) {
	case *net.IPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	}
	return nil
}
