package icmp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Proto selects the ICMP variant a packet belongs to.
type Proto int

const (
	// ProtoIPv4 is ICMP for IPv4 (IANA protocol 1).
	ProtoIPv4 Proto = iota
	// ProtoIPv6 is ICMPv6 (IANA protocol 58).
	ProtoIPv6
)

// IANA protocol numbers, used when parsing and when opening sockets.
const (
	ProtocolICMP     = 1
	ProtocolIPv6ICMP = 58
)

// HeaderLen is the fixed ICMP echo header size in bytes.
const HeaderLen = 8

// MaxPayload is the largest echo payload that still fits a single IPv4
// datagram (65535 minus the minimal IP header and the ICMP header).
const MaxPayload = 65535 - 20 - HeaderLen

var (
	// ErrNotEchoReply reports a well-formed echo request seen on the
	// receive path, typically our own outbound packet looped back.
	// It is not a failure; receive loops skip these packets.
	ErrNotEchoReply = errors.New("icmp: echo request, not a reply")

	// ErrMalformed reports a packet that failed structural validation.
	ErrMalformed = errors.New("icmp: malformed packet")

	// ErrPayloadTooLarge reports an encode request that would exceed the
	// maximum datagram size.
	ErrPayloadTooLarge = errors.New("icmp: payload exceeds maximum datagram size")
)

// String returns a human-readable name for the protocol variant.
func (p Proto) String() string {
	switch p {
	case ProtoIPv4:
		return "icmpv4"
	case ProtoIPv6:
		return "icmpv6"
	default:
		return "unknown"
	}
}

// ProtoForIP returns the ICMP variant matching the address family of ip.
func ProtoForIP(ip net.IP) Proto {
	if ip.To4() != nil {
		return ProtoIPv4
	}
	return ProtoIPv6
}

func echoRequestType(p Proto) byte {
	if p == ProtoIPv6 {
		return byte(ipv6.ICMPTypeEchoRequest)
	}
	return byte(ipv4.ICMPTypeEcho)
}

func echoReplyType(p Proto) byte {
	if p == ProtoIPv6 {
		return byte(ipv6.ICMPTypeEchoReply)
	}
	return byte(ipv4.ICMPTypeEchoReply)
}

// Checksum computes the RFC 1071 internet checksum: the one's-complement
// sum of all 16-bit big-endian words with carry folding, an odd trailing
// byte padded with zero. A message whose embedded checksum is intact sums
// to zero.
func Checksum(b []byte) uint16 {
	sum := uint32(0)
	i := 0
	for ; i < len(b)-1; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if i == len(b)-1 {
		sum += uint32(b[i]) << 8
	}
	sum = (sum >> 16) + (sum & 0xffff)
	sum += sum >> 16
	return ^uint16(sum)
}

// MarshalEchoRequest builds an echo request with the given correlation
// identifier and sequence number and payloadSize filler bytes. The payload
// is the classic incrementing byte pattern. For IPv4 the checksum is
// computed over the whole message; for IPv6 it is left zero for the kernel
// to fill in.
func MarshalEchoRequest(proto Proto, ident, seq uint16, payloadSize int) ([]byte, error) {
	if payloadSize < 0 || payloadSize > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, payloadSize)
	}
	b := make([]byte, HeaderLen+payloadSize)
	b[0] = echoRequestType(proto)
	b[1] = 0 // code
	binary.BigEndian.PutUint16(b[4:6], ident)
	binary.BigEndian.PutUint16(b[6:8], seq)
	for i := 0; i < payloadSize; i++ {
		b[HeaderLen+i] = byte(i)
	}
	if proto == ProtoIPv4 {
		binary.BigEndian.PutUint16(b[2:4], Checksum(b))
	}
	return b, nil
}

// Reply is a decoded echo reply plus the datagram metadata the receive
// path attaches (source address and TTL/hop limit).
type Reply struct {
	Proto   Proto
	ID      uint16
	Seq     uint16
	Src     net.IP
	TTL     int
	Payload []byte
}

// Size returns the reply's on-wire ICMP message size in bytes.
func (r *Reply) Size() int {
	return HeaderLen + len(r.Payload)
}

// Matches reports whether the reply belongs to one specific in-flight
// request: same source as the probed destination and an exact correlation
// token match.
func (r *Reply) Matches(dst net.IP, ident, seq uint16) bool {
	return r.Src != nil && r.Src.Equal(dst) && r.ID == ident && r.Seq == seq
}

// Decode validates and parses one received ICMP message. b must be exactly
// the bytes reported read by the socket; callers attach Src and TTL from
// the datagram metadata afterwards.
//
// A looped-back echo request decodes to ErrNotEchoReply. Everything else
// that is not a well-formed echo reply (short message, bad checksum,
// nonzero code, unsupported type) decodes to an error wrapping
// ErrMalformed.
func Decode(proto Proto, b []byte) (*Reply, error) {
	if len(b) < HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformed, len(b), HeaderLen)
	}
	if proto == ProtoIPv4 && Checksum(b) != 0 {
		return nil, fmt.Errorf("%w: bad checksum", ErrMalformed)
	}
	switch b[0] {
	case echoRequestType(proto):
		return nil, ErrNotEchoReply
	case echoReplyType(proto):
	default:
		return nil, fmt.Errorf("%w: unsupported type %d", ErrMalformed, b[0])
	}
	if b[1] != 0 {
		return nil, fmt.Errorf("%w: nonzero echo reply code %d", ErrMalformed, b[1])
	}
	payload := make([]byte, len(b)-HeaderLen)
	copy(payload, b[HeaderLen:])
	return &Reply{
		Proto:   proto,
		ID:      binary.BigEndian.Uint16(b[4:6]),
		Seq:     binary.BigEndian.Uint16(b[6:8]),
		Payload: payload,
	}, nil
}
