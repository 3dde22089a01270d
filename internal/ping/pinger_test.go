package ping

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/wladwm/surge-ping/internal/icmp"
	"github.com/wladwm/surge-ping/internal/socket"
)

func newDirectPinger(f *fakeTransport, dst net.IP) *Pinger {
	p := newPinger(dst, f, nil, nil, nil)
	p.owned = true
	return p
}

func TestPing_SingleMode_MatchedReply(t *testing.T) {
	f := newFakeTransport()
	dst := net.ParseIP("192.0.2.1")
	p := newDirectPinger(f, dst).SetIdent(0x1234).SetTimeout(2 * time.Second)
	respond(t, f)

	reply, rtt, err := p.Ping(context.Background(), 5)
	if err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if reply.ID != 0x1234 || reply.Seq != 5 {
		t.Errorf("reply token = (%#x, %d), want (0x1234, 5)", reply.ID, reply.Seq)
	}
	if !reply.Src.Equal(dst) {
		t.Errorf("reply source = %v, want %v", reply.Src, dst)
	}
	if len(reply.Payload) != DefaultPayloadSize {
		t.Errorf("payload size = %d, want %d", len(reply.Payload), DefaultPayloadSize)
	}
	if rtt <= 0 || rtt >= 2*time.Second {
		t.Errorf("rtt = %v, want within (0, timeout)", rtt)
	}
	if p.pending.size() != 0 {
		t.Errorf("pending records after success = %d, want 0", p.pending.size())
	}
}

func TestPing_Timeout(t *testing.T) {
	f := newFakeTransport()
	p := newDirectPinger(f, net.ParseIP("192.0.2.2")).SetTimeout(time.Second)

	start := time.Now()
	_, _, err := p.Ping(context.Background(), 9)
	elapsed := time.Since(start)

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Ping() error = %v, want *TimeoutError", err)
	}
	if te.Seq != 9 {
		t.Errorf("TimeoutError.Seq = %d, want 9", te.Seq)
	}
	if !te.Timeout() {
		t.Error("Timeout() = false")
	}
	if elapsed < 900*time.Millisecond || elapsed > 3*time.Second {
		t.Errorf("timeout fired after %v, want roughly 1s", elapsed)
	}
	if p.pending.size() != 0 {
		t.Errorf("residual pending records = %d, want 0", p.pending.size())
	}
}

func TestPing_SequenceInFlightRejected(t *testing.T) {
	f := newFakeTransport()
	p := newDirectPinger(f, net.ParseIP("192.0.2.3")).SetTimeout(time.Second)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Ping(context.Background(), 1) // times out, nobody replies
	}()
	time.Sleep(100 * time.Millisecond) // let the first call register

	_, _, err := p.Ping(context.Background(), 1)
	if !errors.Is(err, ErrSequenceInFlight) {
		t.Errorf("overlapping Ping() error = %v, want ErrSequenceInFlight", err)
	}
	<-done
}

func TestPing_SequentialReuseAllowed(t *testing.T) {
	f := newFakeTransport()
	p := newDirectPinger(f, net.ParseIP("192.0.2.4")).SetTimeout(time.Second)
	respond(t, f)

	for i := 0; i < 3; i++ {
		if _, _, err := p.Ping(context.Background(), 7); err != nil {
			t.Fatalf("Ping() round %d error = %v", i, err)
		}
	}
}

func TestPing_SendFailureFatal(t *testing.T) {
	f := newFakeTransport()
	errBoom := errors.New("no route to host")
	f.setSendError(errBoom)
	p := newDirectPinger(f, net.ParseIP("192.0.2.5")).SetTimeout(500 * time.Millisecond)

	_, _, err := p.Ping(context.Background(), 2)
	if !errors.Is(err, errBoom) {
		t.Errorf("Ping() error = %v, want wrapped %v", err, errBoom)
	}
	if p.pending.size() != 0 {
		t.Errorf("residual pending records = %d, want 0", p.pending.size())
	}
}

func TestPing_SkipsLoopedRequestAndNonMatching(t *testing.T) {
	f := newFakeTransport()
	dst := net.ParseIP("192.0.2.6")
	p := newDirectPinger(f, dst).SetIdent(0x0A0B).SetTimeout(2 * time.Second)

	go func() {
		sent := <-f.sent
		// Our own request looped back must be skipped, not errored.
		f.inject(dst, 64, sent.buf)
		// A reply with a foreign identifier must be skipped too.
		foreign := echoReplyFor(t, sent.buf)
		foreign[4], foreign[5] = 0xFF, 0xFF
		f.inject(dst, 64, reChecksum(foreign))
		// Then the real reply.
		f.inject(dst, 64, echoReplyFor(t, sent.buf))
	}()

	reply, _, err := p.Ping(context.Background(), 3)
	if err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if reply.ID != 0x0A0B || reply.Seq != 3 {
		t.Errorf("reply token = (%#x, %d), want (0x0a0b, 3)", reply.ID, reply.Seq)
	}
}

func TestPing_MalformedReplyErrors(t *testing.T) {
	f := newFakeTransport()
	dst := net.ParseIP("192.0.2.7")
	p := newDirectPinger(f, dst).SetTimeout(2 * time.Second)

	go func() {
		<-f.sent
		f.inject(dst, 64, []byte{0, 0, 0xde, 0xad, 0, 1, 0, 1}) // bad checksum
	}()

	_, _, err := p.Ping(context.Background(), 4)
	if !errors.Is(err, icmp.ErrMalformed) {
		t.Errorf("Ping() error = %v, want ErrMalformed", err)
	}
	if p.pending.size() != 0 {
		t.Errorf("residual pending records = %d, want 0", p.pending.size())
	}
}

func TestPing_PayloadTooLarge(t *testing.T) {
	f := newFakeTransport()
	p := newDirectPinger(f, net.ParseIP("192.0.2.8")).SetSize(icmp.MaxPayload + 1)

	_, _, err := p.Ping(context.Background(), 0)
	if !errors.Is(err, icmp.ErrPayloadTooLarge) {
		t.Errorf("Ping() error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestPing_CallerContextCanceled(t *testing.T) {
	f := newFakeTransport()
	p := newDirectPinger(f, net.ParseIP("192.0.2.9")).SetTimeout(5 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
		// Unblock the direct read promptly; a real socket read would
		// run to its deadline.
		f.SetReadDeadline(time.Now())
	}()

	start := time.Now()
	_, _, err := p.Ping(ctx, 1)
	if err == nil {
		t.Fatal("Ping() with canceled context returned nil error")
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("canceled Ping() took %v, want early return", elapsed)
	}
}

// reChecksum rewrites a message's checksum field so only the intended
// mismatch (identifier) differs from a valid packet.
func reChecksum(b []byte) []byte {
	b[2], b[3] = 0, 0
	cs := icmp.Checksum(b)
	b[2], b[3] = byte(cs>>8), byte(cs)
	return b
}

func TestPing_KernelAssignedIdentifier(t *testing.T) {
	f := newFakeTransport()
	f.localIdent = 0x3c1f
	f.identFixed = true
	dst := net.ParseIP("192.0.2.9")
	p := newDirectPinger(f, dst).SetTimeout(2 * time.Second)
	respond(t, f)

	if p.Ident() != 0x3c1f {
		t.Fatalf("Ident() = %#x, want kernel-assigned 0x3c1f", p.Ident())
	}
	p.SetIdent(0x1234)
	if p.Ident() != 0x3c1f {
		t.Errorf("Ident() after SetIdent = %#x, want 0x3c1f (override must be ignored)", p.Ident())
	}

	reply, rtt, err := p.Ping(context.Background(), 7)
	if err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if reply.ID != 0x3c1f || reply.Seq != 7 {
		t.Errorf("reply token = (%#x, %d), want (0x3c1f, 7)", reply.ID, reply.Seq)
	}
	if rtt <= 0 {
		t.Errorf("rtt = %v, want > 0", rtt)
	}
}

func TestPing_Loopback(t *testing.T) {
	dst := net.ParseIP("127.0.0.1")
	p, err := NewPinger(dst, nil)
	if err != nil {
		t.Skipf("NewPinger() failed (needs raw socket privileges): %v", err)
	}
	defer p.Close()
	p.SetSize(56).SetTimeout(2 * time.Second)

	reply, rtt, err := p.Ping(context.Background(), 0)
	if err != nil {
		t.Skipf("loopback ping failed (ICMP may be filtered): %v", err)
	}
	if reply.ID != p.Ident() {
		t.Errorf("reply identifier = %d, want %d", reply.ID, p.Ident())
	}
	if rtt <= 0 || rtt >= 2*time.Second {
		t.Errorf("rtt = %v, want within (0, timeout)", rtt)
	}
}

func TestPing_LoopbackUnprivileged(t *testing.T) {
	dst := net.ParseIP("127.0.0.1")
	cfg := socket.DefaultConfig(icmp.ProtoIPv4)
	cfg.Privileged = false
	p, err := NewPingerWithConfig(dst, cfg, nil)
	if err != nil {
		t.Skipf("unprivileged socket unavailable (needs net.ipv4.ping_group_range): %v", err)
	}
	defer p.Close()
	p.SetSize(56).SetTimeout(2 * time.Second)

	reply, rtt, err := p.Ping(context.Background(), 0)
	if err != nil {
		t.Skipf("loopback ping failed (ICMP may be filtered): %v", err)
	}
	if reply.ID != p.Ident() {
		t.Errorf("reply identifier = %d, want kernel-assigned %d", reply.ID, p.Ident())
	}
	if rtt <= 0 || rtt >= 2*time.Second {
		t.Errorf("rtt = %v, want within (0, timeout)", rtt)
	}
}
