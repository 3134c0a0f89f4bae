// Package channel provides the byte-oriented façade upper-layer callers use
// over an established circuit (spec §4.6): connect/send/receive/close plus
// four event callbacks.
//
// Grounded on stream/stream.go's Begin-then-Read/Write shape (bind to a
// circuit, surface an io-flavored API over it) collapsed from Tor's
// RELAY_BEGIN/RELAY_DATA cell vocabulary to circuitcore's single
// circuit_data frame per Send, and on socks/socks.go's
// Server{GetCirc func() (*circuit.Circuit, error)} pattern of injecting a
// circuit-acquisition callback rather than owning circuit construction
// itself — Channel likewise never builds a circuit, it only binds to one
// the caller already built via circuit.Engine.Build.
package channel

import (
	"context"
	"sync"

	"github.com/onionmesh/circuitcore/circuit"
	"github.com/onionmesh/circuitcore/circuiterr"
)

// Status is a channel's position in the connect/open/closed lattice
// (spec §4.6).
type Status string

const (
	StatusConnecting Status = "Connecting"
	StatusOpen       Status = "Open"
	StatusClosed     Status = "Closed"
)

// OpenFunc is called exactly once, the moment a Channel transitions to Open.
type OpenFunc func()

// MessageFunc is called once per plaintext delivery surfaced at the exit.
type MessageFunc func(data []byte)

// ErrorFunc is the type of the error callback registered with OnError. Its
// only caller is reportError, and no code path in this package calls
// reportError, so a registered ErrorFunc is never invoked; errors from
// Connect and Send are returned to their callers instead.
type ErrorFunc func(err error)

// CloseFunc is called exactly once, the moment a Channel transitions to
// Closed, regardless of whether Close was called locally or the underlying
// circuit failed out from under it.
type CloseFunc func()

// Channel is a thin stream-style façade over one circuit. It never builds
// or repairs the circuit itself (that's circuit.Engine and monitor.Monitor);
// it only binds to a circuit ID already known to the Engine and translates
// Send/receive onto it.
type Channel struct {
	engine    *circuit.Engine
	router    *Router
	circuitID string

	mu     sync.Mutex
	status Status

	onOpen    OpenFunc
	onMessage MessageFunc
	onError   ErrorFunc
	onClose   CloseFunc

	openFired  bool
	closeFired bool
}

// New builds a Channel bound to engine. router must be the same Router
// instance that was wired into the engine's (or node's) DeliverFunc via
// router.Deliver, so inbound plaintext for this channel's circuit reaches
// it (a single Engine can be the exit hop for many concurrently open
// circuits, each wanting its own Channel — spec.md never names this
// multiplexing problem, since its component table treats C6 as a single
// façade per circuit; Router resolves it the way an HTTP mux resolves one
// handler per path).
func New(engine *circuit.Engine, router *Router) *Channel {
	return &Channel{engine: engine, router: router, status: StatusConnecting}
}

// OnOpen registers the open callback. Must be called before Connect to
// guarantee delivery of the transition it fires on.
func (c *Channel) OnOpen(f OpenFunc) { c.mu.Lock(); c.onOpen = f; c.mu.Unlock() }

// OnMessage registers the message callback.
func (c *Channel) OnMessage(f MessageFunc) { c.mu.Lock(); c.onMessage = f; c.mu.Unlock() }

// OnError registers the error callback.
func (c *Channel) OnError(f ErrorFunc) { c.mu.Lock(); c.onError = f; c.mu.Unlock() }

// OnClose registers the close callback.
func (c *Channel) OnClose(f CloseFunc) { c.mu.Lock(); c.onClose = f; c.mu.Unlock() }

// Connect binds the channel to circuitID and transitions Connecting→Open
// iff the underlying circuit currently reports Ready; otherwise it
// transitions straight to Closed (spec §4.6: "connect(): transitions from
// Connecting to Open iff the underlying circuit reports Ready; otherwise
// Closed"). Either way, exactly one of onOpen/onClose fires before Connect
// returns.
func (c *Channel) Connect(ctx context.Context, circuitID string) error {
	circ, ok := c.engine.Circuit(circuitID)
	if !ok {
		c.transitionClosed()
		return circuiterr.New(circuiterr.KindCircuitClosed)
	}

	c.mu.Lock()
	c.circuitID = circuitID
	c.mu.Unlock()
	c.router.register(circuitID, c)

	if circ.Status() != circuit.StatusReady {
		c.transitionClosed()
		return circuiterr.New(circuiterr.KindCircuitNotReady)
	}

	c.mu.Lock()
	c.status = StatusOpen
	fire := !c.openFired
	c.openFired = true
	cb := c.onOpen
	c.mu.Unlock()
	if fire && cb != nil {
		cb()
	}
	return nil
}

// Send rejects unless Open; data is forwarded opaquely (callers encode
// UTF-8 text to bytes before calling Send, same as the wire layer expects
// only byte payloads — spec §4.6: "accepts either a byte sequence (opaque)
// or UTF-8 text (encoded before forwarding)").
func (c *Channel) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	status := c.status
	circuitID := c.circuitID
	c.mu.Unlock()

	if status != StatusOpen {
		return circuiterr.New(circuiterr.KindCircuitNotReady)
	}
	circ, ok := c.engine.Circuit(circuitID)
	if !ok {
		c.transitionClosed()
		return circuiterr.New(circuiterr.KindCircuitClosed)
	}
	if err := circ.Send(ctx, data); err != nil {
		if kindOf(err) == circuiterr.KindCircuitClosed {
			c.transitionClosed()
		}
		return err
	}
	return nil
}

// deliver is invoked by Router when plaintext arrives for this channel's
// circuit (spec §4.6 "receive(data)"). It calls the onMessage handler
// synchronously on the delivering goroutine, so a handler that runs long
// holds up the deliveries that follow it.
func (c *Channel) deliver(data []byte) {
	c.mu.Lock()
	cb := c.onMessage
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// reportError passes err to onError, when one is registered. Nothing in
// this package calls it.
func (c *Channel) reportError(err error) {
	c.mu.Lock()
	cb := c.onError
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// Close is idempotent; it also closes the underlying circuit (spec §4.6).
// Exactly one onClose fires, whether Close was called directly or the
// circuit failed and transitionClosed ran first.
func (c *Channel) Close() error {
	c.mu.Lock()
	circuitID := c.circuitID
	alreadyClosed := c.closeFired
	c.mu.Unlock()

	var closeErr error
	if circuitID != "" && !alreadyClosed {
		closeErr = c.engine.Close(circuitID)
		c.router.unregister(circuitID)
	}
	c.transitionClosed()
	return closeErr
}

func (c *Channel) transitionClosed() {
	c.mu.Lock()
	c.status = StatusClosed
	fire := !c.closeFired
	c.closeFired = true
	cb := c.onClose
	c.mu.Unlock()
	if fire && cb != nil {
		cb()
	}
}

// Status returns the channel's current lattice position.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func kindOf(err error) circuiterr.Kind {
	ce, ok := err.(*circuiterr.Error)
	if !ok {
		return ""
	}
	return ce.Kind
}
