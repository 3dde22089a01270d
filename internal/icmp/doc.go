// Package icmp implements the ICMP echo wire format used by the ping engine.
//
// The package encodes echo requests and decodes echo replies bit-exactly
// against the standard header layout:
//
//	type (1) | code (1) | checksum (2) | identifier (2) | sequence (2) | payload
//
// # Checksum
//
// IPv4 messages carry the RFC 1071 internet checksum: the one's-complement
// sum of all 16-bit words with carry folding, computed with the checksum
// field zeroed. For IPv6 the checksum covers a pseudo-header the sender
// cannot see, so the kernel fills it in on raw ICMPv6 sockets; the encoder
// leaves it zero and the decoder does not verify it.
//
// # Looped-back requests
//
// On some platforms a raw socket sees its own outbound echo requests. Decode
// reports those as ErrNotEchoReply so receive loops can skip them without
// treating them as malformed traffic.
package icmp
