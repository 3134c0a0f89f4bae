package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/onionmesh/circuitcore/circuiterr"
	"github.com/onionmesh/circuitcore/wireframe"
)

// MaxReconnectAttempts and the backoff schedule below implement spec §4.2:
// "base 1 s, doubling per attempt, capped at MAX_RECONNECT_ATTEMPTS = 5."
const (
	MaxReconnectAttempts = 5
	backoffMultiplier    = 2.0
)

// baseReconnectDelay is a var, not a const, so tests can shrink it rather
// than waiting out the real 1s/2s/4s/8s schedule.
var baseReconnectDelay = 1 * time.Second

// Adapter is the reconnecting façade over a Transport. Grounded on
// link.Handshake's dial-with-deadline shape, generalized from a one-shot
// dial to a supervised reconnect loop.
type Adapter struct {
	dial   Dialer
	logger *slog.Logger

	mu          sync.RWMutex
	transport   Transport
	unavailable chan struct{}
	closed      bool

	inbox chan wireframe.Frame
	done  chan struct{}
}

// NewAdapter builds an Adapter that dials via dial on Connect and on every
// subsequent disconnect.
func NewAdapter(dial Dialer, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		dial:        dial,
		logger:      logger,
		unavailable: make(chan struct{}),
		inbox:       make(chan wireframe.Frame, 128),
		done:        make(chan struct{}),
	}
}

// Connect performs the initial dial. Reconnection after an established
// connection drops is handled internally; callers do not retry Connect.
func (a *Adapter) Connect(ctx context.Context) error {
	t, err := a.dial(ctx)
	if err != nil {
		return fmt.Errorf("signaling connect: %w", err)
	}
	a.setTransport(t)
	go a.pump(t)
	return nil
}

// Send transmits frame, or fails fast with NotConnected while disconnected
// — spec §4.2: "no local queueing, the upper layers must cope."
func (a *Adapter) Send(ctx context.Context, frame wireframe.Frame) error {
	t := a.currentTransport()
	if t == nil {
		return circuiterr.ErrNotConnected
	}
	if err := t.Send(ctx, frame.Payload); err != nil {
		return fmt.Errorf("signaling send: %w", err)
	}
	return nil
}

// Receive delivers inbound frames. Unknown message types are filtered out
// by callers, not here (spec §6: "Unknown type values are ignored").
func (a *Adapter) Receive() <-chan wireframe.Frame {
	return a.inbox
}

// Unavailable is closed once reconnection has exhausted MaxReconnectAttempts
// (spec §4.2: "the adapter surfaces a fatal SignalingUnavailable").
func (a *Adapter) Unavailable() <-chan struct{} {
	return a.unavailable
}

// Close shuts the adapter down permanently; no further reconnection is
// attempted.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	t := a.transport
	a.transport = nil
	a.mu.Unlock()

	close(a.done)
	if t != nil {
		return t.Close()
	}
	return nil
}

func (a *Adapter) setTransport(t Transport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transport = t
}

func (a *Adapter) currentTransport() Transport {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.transport
}

func (a *Adapter) isClosed() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.closed
}

func (a *Adapter) pump(t Transport) {
	for {
		select {
		case data, ok := <-t.Receive():
			if !ok {
				a.handleDisconnect(t)
				return
			}
			frame, err := wireframe.FromJSON(data)
			if err != nil {
				a.logger.Warn("signaling: dropping malformed frame", "err", err)
				continue
			}
			select {
			case a.inbox <- frame:
			case <-a.done:
				return
			}
		case <-t.Closed():
			a.handleDisconnect(t)
			return
		case <-a.done:
			return
		}
	}
}

func (a *Adapter) handleDisconnect(dead Transport) {
	if a.isClosed() {
		return
	}
	a.mu.Lock()
	if a.transport == dead {
		a.transport = nil
	}
	a.mu.Unlock()

	go a.reconnectLoop()
}

func (a *Adapter) reconnectLoop() {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = baseReconnectDelay
	eb.Multiplier = backoffMultiplier
	eb.RandomizationFactor = 0 // exact doubling, no jitter
	eb.MaxElapsedTime = 0      // attempt count is capped explicitly below

	for attempt := 1; attempt <= MaxReconnectAttempts; attempt++ {
		if a.isClosed() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), handshakeDeadline)
		t, err := a.dial(ctx)
		cancel()
		if err == nil {
			a.setTransport(t)
			go a.pump(t)
			return
		}

		a.logger.Warn("signaling reconnect attempt failed", "attempt", attempt, "err", err)
		if attempt == MaxReconnectAttempts {
			break
		}

		delay := eb.NextBackOff()
		select {
		case <-time.After(delay):
		case <-a.done:
			return
		}
	}

	a.logger.Error("signaling unavailable after exhausting reconnect attempts", "attempts", MaxReconnectAttempts)
	a.mu.Lock()
	if !a.closed {
		select {
		case <-a.unavailable:
		default:
			close(a.unavailable)
		}
	}
	a.mu.Unlock()
}
