// Package signaling implements the JSON message bus participants use to
// exchange control traffic (spec §4.2): node announcements, validation,
// discovery, and the circuit_signaling envelopes that carry establishment
// records between hops that have no direct peer link yet.
package signaling

import "context"

// Transport is one underlying duplex connection to the rendezvous service.
// Adapter owns reconnection; a Transport implementation only needs to move
// bytes and report when it has stopped doing so.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Receive() <-chan []byte
	Closed() <-chan struct{}
	Close() error
}

// Dialer opens a fresh Transport, used by Adapter on initial connect and on
// every reconnect attempt.
type Dialer func(ctx context.Context) (Transport, error)
