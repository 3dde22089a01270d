// Package ping correlates ICMP echo replies back to the callers that
// requested them.
//
// A Pinger probes one destination. Each Ping call sends one echo request
// tagged with the Pinger's 16-bit identifier and the caller's sequence
// number; the (identifier, sequence) pair is the correlation token that
// uniquely identifies the request while it is in flight.
//
// # Single mode
//
// NewPinger gives the Pinger a private socket. Ping reads that socket
// directly, skipping looped-back requests and non-matching packets until
// the matching reply arrives or the timeout fires.
//
// # Multiplexed mode
//
// A PingSocket shares one socket between any number of Pingers. A single
// background dispatcher drains the socket and routes each datagram to the
// destination registered for its source address through a bounded delivery
// channel. The dispatcher starts lazily with the first registration and
// stops once the registration map empties; a consumer whose channel is full
// is treated as abandoned and evicted rather than queued without limit.
//
// Sequence numbers must not collide while outstanding: reusing a sequence
// number on one Pinger before the prior call finished is rejected with
// ErrSequenceInFlight.
package ping
