package ping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/wladwm/surge-ping/internal/icmp"
	"github.com/wladwm/surge-ping/internal/logging"
	"github.com/wladwm/surge-ping/internal/metrics"
	"github.com/wladwm/surge-ping/internal/socket"
)

// Defaults for newly created Pingers.
const (
	DefaultPayloadSize = 56
	DefaultTimeout     = 2 * time.Second
)

// readBufSize fits any IPv4 datagram, so replies are never truncated
// regardless of the probe payload size.
const readBufSize = 1 << 16

var (
	// ErrSequenceInFlight reports reuse of a correlation token while the
	// prior request with that token is still outstanding.
	ErrSequenceInFlight = errors.New("ping: sequence already in flight")

	// ErrSocketClosed reports that the socket behind a Pinger failed or
	// was closed. It propagates to every current and future user of a
	// shared socket.
	ErrSocketClosed = errors.New("ping: socket closed")
)

// TimeoutError reports that no matching reply arrived within the per-call
// timeout.
type TimeoutError struct {
	Seq uint16
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ping: timeout waiting for reply to seq %d", e.Seq)
}

// Timeout marks the error as a timeout in the net.Error sense.
func (e *TimeoutError) Timeout() bool { return true }

// transport is the slice of the socket contract the engine needs. It is
// satisfied by *socket.Socket and by in-memory fakes in tests.
type transport interface {
	SendTo(ctx context.Context, b []byte, dst net.IP) (int, error)
	ReadFrom(b []byte) (int, net.IP, int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// identTransport is implemented by sockets whose kernel rewrites the echo
// identifier to a socket-local value (datagram ICMP sockets on Linux).
// Correlation must then use that value; any other identifier never matches
// a delivered reply.
type identTransport interface {
	LocalIdent() (uint16, bool)
}

// Pinger probes one destination. It is not safe to issue overlapping Ping
// calls with the same sequence number; sequential calls may freely reuse
// sequence numbers once the prior call returned.
type Pinger struct {
	dest       net.IP
	proto      icmp.Proto
	ident      uint16
	identFixed bool // kernel-assigned, SetIdent is a no-op
	size       int
	timeout    time.Duration

	tr     transport
	owned  bool          // private socket, closed with the Pinger
	inbox  chan datagram // multiplexed delivery; nil in single mode
	shared *PingSocket   // for deregistration; nil in single mode

	pending *pendingCache
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewPinger creates a Pinger that owns a private socket for dst, built
// with the default socket configuration for dst's address family.
func NewPinger(dst net.IP, logger *slog.Logger) (*Pinger, error) {
	return NewPingerWithConfig(dst, socket.DefaultConfig(icmp.ProtoForIP(dst)), logger)
}

// NewPingerWithConfig creates a Pinger that owns a private socket opened
// with cfg. cfg.Proto must match dst's address family.
func NewPingerWithConfig(dst net.IP, cfg socket.Config, logger *slog.Logger) (*Pinger, error) {
	if icmp.ProtoForIP(dst) != cfg.Proto {
		return nil, fmt.Errorf("ping: destination %s does not match socket protocol %s", dst, cfg.Proto)
	}
	s, err := socket.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	p := newPinger(dst, s, nil, nil, logger)
	p.owned = true
	return p, nil
}

func newPinger(dst net.IP, tr transport, inbox chan datagram, shared *PingSocket, logger *slog.Logger) *Pinger {
	if logger == nil {
		logger = logging.NopLogger()
	}
	p := &Pinger{
		dest:    dst,
		proto:   icmp.ProtoForIP(dst),
		ident:   uint16(rand.Uint32()),
		size:    DefaultPayloadSize,
		timeout: DefaultTimeout,
		tr:      tr,
		inbox:   inbox,
		shared:  shared,
		pending: newPendingCache(),
		logger: logger.With(
			slog.String(logging.KeyComponent, "pinger"),
			slog.String(logging.KeyDest, dst.String())),
		metrics: metrics.Default(),
	}
	if it, ok := tr.(identTransport); ok {
		if ident, fixed := it.LocalIdent(); fixed {
			p.ident = ident
			p.identFixed = true
		}
	}
	return p
}

// SetIdent overrides the random session identifier. On unprivileged
// datagram sockets the identifier is kernel-assigned and cannot be
// overridden; the call is then a no-op.
func (p *Pinger) SetIdent(ident uint16) *Pinger {
	if p.identFixed {
		p.logger.Debug("identifier is kernel-assigned, ignoring override",
			slog.Int(logging.KeyIdent, int(ident)))
		return p
	}
	p.ident = ident
	return p
}

// SetSize sets the echo payload size in bytes. (default: 56)
func (p *Pinger) SetSize(size int) *Pinger {
	p.size = size
	return p
}

// SetTimeout sets the per-call reply timeout. (default: 2s)
func (p *Pinger) SetTimeout(timeout time.Duration) *Pinger {
	p.timeout = timeout
	return p
}

// Ident returns the Pinger's session identifier.
func (p *Pinger) Ident() uint16 { return p.ident }

// Dest returns the probed destination address.
func (p *Pinger) Dest() net.IP { return p.dest }

// Ping sends one echo request with the given sequence number and waits for
// the matching reply, bounded by the configured timeout. It returns the
// decoded reply and the round-trip time.
//
// The send is dispatched as its own goroutine so send latency (including
// the rate-limiter wait) does not delay the receive window; a failed send
// is fatal to this call only. The call's timeout never cancels an already
// dispatched send and does not affect other calls sharing the socket.
func (p *Pinger) Ping(ctx context.Context, seq uint16) (*icmp.Reply, time.Duration, error) {
	pkt, err := icmp.MarshalEchoRequest(p.proto, p.ident, seq, p.size)
	if err != nil {
		return nil, 0, err
	}

	// The pending record must exist before the packet can possibly be
	// answered, otherwise a fast reply races the bookkeeping.
	if !p.pending.insert(p.ident, seq, time.Now()) {
		return nil, 0, fmt.Errorf("%w: ident %d seq %d", ErrSequenceInFlight, p.ident, seq)
	}

	sendCtx := ctx
	sendErr := make(chan error, 1)
	go func() {
		if _, err := p.tr.SendTo(sendCtx, pkt, p.dest); err != nil {
			p.metrics.SendErrors.Inc()
			sendErr <- err
			return
		}
		// Tighten the recorded send time now that the limiter wait and
		// the send syscall are behind us. A reply that raced the send
		// already resolved the record; refresh leaves it alone then.
		p.pending.refresh(p.ident, seq, time.Now())
		p.metrics.PacketsSent.Inc()
		sendErr <- nil
	}()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var (
		reply *icmp.Reply
		rtt   time.Duration
	)
	if p.inbox != nil {
		reply, rtt, err = p.awaitShared(ctx, seq, sendErr)
	} else {
		reply, rtt, err = p.awaitDirect(ctx, seq, sendErr)
	}
	if err != nil {
		p.pending.remove(p.ident, seq)
		var te *TimeoutError
		if errors.As(err, &te) {
			p.metrics.Timeouts.Inc()
		}
		return nil, 0, err
	}

	p.metrics.RepliesReceived.Inc()
	p.metrics.RoundTripSeconds.Observe(rtt.Seconds())
	p.logger.Debug("reply matched",
		slog.Int(logging.KeySeq, int(seq)),
		slog.Duration(logging.KeyDuration, rtt))
	return reply, rtt, nil
}

// awaitDirect reads the private socket until the matching reply arrives or
// the deadline fires (single-pinger mode).
func (p *Pinger) awaitDirect(ctx context.Context, seq uint16, sendErr <-chan error) (*icmp.Reply, time.Duration, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := p.tr.SetReadDeadline(deadline); err != nil {
			return nil, 0, fmt.Errorf("set read deadline: %w", err)
		}
	}
	buf := make([]byte, readBufSize)
	for {
		// A failed send means no reply will ever come.
		select {
		case err := <-sendErr:
			if err != nil {
				return nil, 0, fmt.Errorf("send echo request: %w", err)
			}
			sendErr = nil
		default:
		}

		n, src, ttl, err := p.tr.ReadFrom(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return nil, 0, p.deadlineError(ctx, seq, sendErr)
			}
			return nil, 0, err
		}
		received := time.Now()

		reply, err := icmp.Decode(p.proto, buf[:n])
		if err != nil {
			if errors.Is(err, icmp.ErrNotEchoReply) {
				continue // our own outbound request looped back
			}
			p.metrics.DecodeFailures.Inc()
			return nil, 0, err
		}
		reply.Src, reply.TTL = src, ttl
		if !reply.Matches(p.dest, p.ident, seq) {
			continue
		}
		sent, ok := p.pending.remove(p.ident, seq)
		if !ok {
			continue
		}
		return reply, received.Sub(sent), nil
	}
}

// awaitShared waits for the dispatcher to deliver the matching reply
// (multiplexed mode). Delivered datagrams are pre-filtered by source
// address only; the correlation token is validated here.
func (p *Pinger) awaitShared(ctx context.Context, seq uint16, sendErr <-chan error) (*icmp.Reply, time.Duration, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, 0, p.deadlineError(ctx, seq, sendErr)
		case err := <-sendErr:
			if err != nil {
				return nil, 0, fmt.Errorf("send echo request: %w", err)
			}
			sendErr = nil
		case d, ok := <-p.inbox:
			if !ok {
				return nil, 0, ErrSocketClosed
			}
			reply, err := icmp.Decode(p.proto, d.buf)
			if err != nil {
				if errors.Is(err, icmp.ErrNotEchoReply) {
					continue
				}
				p.metrics.DecodeFailures.Inc()
				return nil, 0, err
			}
			reply.Src, reply.TTL = d.src, d.ttl
			if !reply.Matches(p.dest, p.ident, seq) {
				continue // stale reply for an earlier sequence
			}
			sent, ok := p.pending.remove(p.ident, seq)
			if !ok {
				continue
			}
			return reply, d.when.Sub(sent), nil
		}
	}
}

// deadlineError distinguishes the call's timeout from cancellation of the
// caller's context, preferring a send failure over either when one is
// already known.
func (p *Pinger) deadlineError(ctx context.Context, seq uint16, sendErr <-chan error) error {
	select {
	case err := <-sendErr:
		if err != nil {
			return fmt.Errorf("send echo request: %w", err)
		}
	default:
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &TimeoutError{Seq: seq}
}

// Close releases the Pinger. A private socket is closed; a shared-socket
// registration is handed back to the PingSocket. Outstanding calls on a
// closed Pinger fail.
func (p *Pinger) Close() error {
	if p.owned {
		return p.tr.Close()
	}
	if p.shared != nil {
		p.shared.deregister(p.dest)
	}
	return nil
}
