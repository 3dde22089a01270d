package ping

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/wladwm/surge-ping/internal/icmp"
)

// fakeTransport is an in-memory stand-in for the socket: sends surface on a
// channel for the test to inspect, reads deliver injected datagrams and
// honor the read deadline.
type fakeTransport struct {
	mu       sync.Mutex
	deadline time.Time
	// Closed and replaced on every SetReadDeadline so in-flight reads
	// pick up the new deadline, like a real net.PacketConn.
	deadlineChanged chan struct{}
	sendErr         error

	// Emulates kernel identifier rewriting on datagram ICMP sockets:
	// outbound requests get localIdent stamped over their identifier.
	localIdent uint16
	identFixed bool

	incoming  chan fakePacket
	sent      chan sentPacket
	closed    chan struct{}
	closeOnce sync.Once
}

type fakePacket struct {
	src net.IP
	ttl int
	buf []byte
}

type sentPacket struct {
	dst net.IP
	buf []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		deadlineChanged: make(chan struct{}),
		incoming:        make(chan fakePacket, 256),
		sent:            make(chan sentPacket, 256),
		closed:          make(chan struct{}),
	}
}

func (f *fakeTransport) SendTo(ctx context.Context, b []byte, dst net.IP) (int, error) {
	f.mu.Lock()
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	buf := make([]byte, len(b))
	copy(buf, b)
	if f.identFixed && len(buf) >= icmp.HeaderLen {
		binary.BigEndian.PutUint16(buf[4:6], f.localIdent)
		reChecksum(buf)
	}
	f.sent <- sentPacket{dst: dst, buf: buf}
	return len(b), nil
}

func (f *fakeTransport) LocalIdent() (uint16, bool) {
	return f.localIdent, f.identFixed
}

func (f *fakeTransport) ReadFrom(b []byte) (int, net.IP, int, error) {
	for {
		f.mu.Lock()
		deadline := f.deadline
		changed := f.deadlineChanged
		f.mu.Unlock()

		var timer *time.Timer
		var timeout <-chan time.Time
		if !deadline.IsZero() {
			timer = time.NewTimer(time.Until(deadline))
			timeout = timer.C
		}

		select {
		case p := <-f.incoming:
			if timer != nil {
				timer.Stop()
			}
			n := copy(b, p.buf)
			return n, p.src, p.ttl, nil
		case <-timeout:
			return 0, nil, 0, &fakeTimeoutError{}
		case <-changed:
			// Deadline updated mid-read; recompute it, the way a
			// deadline change aborts a blocked read on a real socket.
			if timer != nil {
				timer.Stop()
			}
		case <-f.closed:
			if timer != nil {
				timer.Stop()
			}
			return 0, nil, 0, errors.New("use of closed socket")
		}
	}
}

func (f *fakeTransport) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	f.deadline = t
	close(f.deadlineChanged)
	f.deadlineChanged = make(chan struct{})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) setSendError(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

// inject delivers one datagram to the next ReadFrom call.
func (f *fakeTransport) inject(src net.IP, ttl int, buf []byte) {
	f.incoming <- fakePacket{src: src, ttl: ttl, buf: buf}
}

type fakeTimeoutError struct{}

func (*fakeTimeoutError) Error() string   { return "i/o timeout" }
func (*fakeTimeoutError) Timeout() bool   { return true }
func (*fakeTimeoutError) Temporary() bool { return true }

// echoReplyFor turns a captured echo request into the reply a live
// responder would send back.
func echoReplyFor(t *testing.T, req []byte) []byte {
	t.Helper()
	if len(req) < icmp.HeaderLen {
		t.Fatalf("captured request too short: %d bytes", len(req))
	}
	b := make([]byte, len(req))
	copy(b, req)
	b[0] = 0 // echo reply
	binary.BigEndian.PutUint16(b[2:4], 0)
	binary.BigEndian.PutUint16(b[2:4], icmp.Checksum(b))
	return b
}

// respond echoes every captured request back from its destination, the way
// a reachable host would.
func respond(t *testing.T, f *fakeTransport) {
	t.Helper()
	go func() {
		for {
			select {
			case <-f.closed:
				return
			case p := <-f.sent:
				f.inject(p.dst, 64, echoReplyFor(t, p.buf))
			}
		}
	}()
}
