package ping

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/wladwm/surge-ping/internal/icmp"
	"github.com/wladwm/surge-ping/internal/logging"
	"github.com/wladwm/surge-ping/internal/metrics"
	"github.com/wladwm/surge-ping/internal/socket"
)

// DeliveryCapacity is the per-destination reply channel depth. A consumer
// that falls this far behind is treated as abandoned and evicted instead of
// queueing replies without limit.
const DeliveryCapacity = 100

// datagram is one received packet plus its arrival metadata, as handed from
// the dispatcher to a destination's delivery channel.
type datagram struct {
	when time.Time
	src  net.IP
	ttl  int
	buf  []byte
}

// PingSocket multiplexes any number of Pingers over one shared socket. It
// owns the socket and its rate limiter; Pingers hold handles and the
// PingSocket outlives the Pingers created from it.
//
// A single background dispatcher routes received datagrams to the
// destination registered for their source address. It starts lazily with
// the first registration and stops once the registration map empties.
type PingSocket struct {
	tr      transport
	proto   icmp.Proto
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	dests   map[netip.Addr]chan datagram
	running bool
	err     error // sticky fatal socket error
}

// NewPingSocket opens a shared socket with cfg.
func NewPingSocket(cfg socket.Config, logger *slog.Logger) (*PingSocket, error) {
	s, err := socket.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	return newPingSocket(s, cfg.Proto, logger), nil
}

func newPingSocket(tr transport, proto icmp.Proto, logger *slog.Logger) *PingSocket {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &PingSocket{
		tr:      tr,
		proto:   proto,
		logger:  logger.With(slog.String(logging.KeyComponent, "dispatcher")),
		metrics: metrics.Default(),
		dests:   make(map[netip.Addr]chan datagram),
	}
}

// Pinger registers dst on the shared socket and returns a Pinger whose
// replies are delivered through the dispatcher. Exactly one registration
// per destination exists at a time: a second Pinger for the same address
// replaces the prior registration, whose calls then run out their
// timeouts.
func (s *PingSocket) Pinger(dst net.IP) (*Pinger, error) {
	if icmp.ProtoForIP(dst) != s.proto {
		return nil, fmt.Errorf("ping: destination %s does not match socket protocol %s", dst, s.proto)
	}
	key, err := destKey(dst)
	if err != nil {
		return nil, err
	}
	ch := make(chan datagram, DeliveryCapacity)

	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return nil, s.err
	}
	if _, ok := s.dests[key]; ok {
		s.logger.Warn("replacing destination registration", logging.KeyDest, dst.String())
	}
	s.dests[key] = ch
	s.metrics.DestinationsRegistered.Set(float64(len(s.dests)))
	s.startDispatcherLocked()
	s.mu.Unlock()

	return newPinger(dst, s.tr, ch, s, s.logger), nil
}

// startDispatcherLocked moves the dispatcher Stopped→Running unless it
// already runs. Callers hold s.mu, so at most one loop exists per socket.
func (s *PingSocket) startDispatcherLocked() {
	if s.running {
		return
	}
	s.running = true
	s.metrics.DispatcherRunning.Set(1)
	go s.dispatch()
}

// dispatch drains the socket and routes each datagram to the destination
// registered for its source address. It exits when a delivery failure or an
// unmatched datagram leaves the registration map empty, clearing the
// running flag so a future registration restarts it, or when the socket
// fails, which evicts every registration.
func (s *PingSocket) dispatch() {
	buf := make([]byte, readBufSize)
	for {
		n, src, ttl, err := s.tr.ReadFrom(buf)
		if err != nil {
			s.fail(err)
			return
		}
		received := time.Now()

		key, ok := netip.AddrFromSlice(src)
		if !ok {
			continue
		}
		key = key.Unmap()

		s.mu.Lock()
		ch, ok := s.dests[key]
		if !ok {
			idle := len(s.dests) == 0
			if idle {
				s.running = false
			}
			s.mu.Unlock()
			s.metrics.PacketsDiscarded.Inc()
			if idle {
				s.metrics.DispatcherRunning.Set(0)
				s.logger.Debug("dispatcher idle, stopping")
				return
			}
			continue
		}

		b := make([]byte, n)
		copy(b, buf[:n])
		select {
		case ch <- datagram{when: received, src: src, ttl: ttl, buf: b}:
			s.mu.Unlock()
		default:
			// Full channel: the consumer is gone or hopelessly
			// behind. Reclaim the slot.
			delete(s.dests, key)
			s.metrics.DestinationsRegistered.Set(float64(len(s.dests)))
			s.metrics.DispatcherEvictions.Inc()
			idle := len(s.dests) == 0
			if idle {
				s.running = false
			}
			s.mu.Unlock()
			s.logger.Warn("evicted unresponsive destination", logging.KeyDest, key.String())
			if idle {
				s.metrics.DispatcherRunning.Set(0)
				s.logger.Debug("dispatcher idle, stopping")
				return
			}
		}
	}
}

// fail marks the socket dead, evicts every registration, and stops the
// dispatcher. The error propagates to all current users (closed delivery
// channels) and future ones (Pinger returns it).
func (s *PingSocket) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = fmt.Errorf("%w: %v", ErrSocketClosed, err)
	}
	for key, ch := range s.dests {
		delete(s.dests, key)
		close(ch)
	}
	s.running = false
	s.mu.Unlock()

	s.metrics.DestinationsRegistered.Set(0)
	s.metrics.DispatcherRunning.Set(0)
	s.logger.Warn("dispatcher stopped on socket error", logging.KeyError, err)
}

// deregister removes dst's registration. The dispatcher notices the empty
// map the next time a datagram arrives and stops lazily.
func (s *PingSocket) deregister(dst net.IP) {
	key, err := destKey(dst)
	if err != nil {
		return
	}
	s.mu.Lock()
	if _, ok := s.dests[key]; ok {
		delete(s.dests, key)
		s.metrics.DestinationsRegistered.Set(float64(len(s.dests)))
	}
	s.mu.Unlock()
}

// DispatcherRunning reports whether the background receive loop is active.
func (s *PingSocket) DispatcherRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Registered returns the number of currently registered destinations.
func (s *PingSocket) Registered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dests)
}

// Proto returns the ICMP variant the shared socket speaks.
func (s *PingSocket) Proto() icmp.Proto {
	return s.proto
}

// Close shuts the shared socket down. Every current and future user fails
// with ErrSocketClosed.
func (s *PingSocket) Close() error {
	s.mu.Lock()
	if s.err == nil {
		s.err = ErrSocketClosed
	}
	running := s.running
	s.mu.Unlock()

	err := s.tr.Close()
	if !running {
		// No dispatcher to sweep the registrations, do it here.
		s.fail(ErrSocketClosed)
	}
	return err
}

func destKey(ip net.IP) (netip.Addr, error) {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, fmt.Errorf("ping: invalid destination address %v", ip)
	}
	return a.Unmap(), nil
}
