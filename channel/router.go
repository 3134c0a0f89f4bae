package channel

import "sync"

// Router multiplexes a single circuit.Engine's exit-hop deliveries across
// however many Channel values are bound to distinct circuits at once.
// circuit.Engine accepts exactly one DeliverFunc for its whole lifetime
// (spec.md never anticipates more than one C6 façade per node, but
// symmetric roles mean one node can be the exit for several circuits
// concurrently); Router.Deliver is what gets wired in as that one
// DeliverFunc, and it fans inbound plaintext out by circuit ID the same
// way net/http.ServeMux fans requests out by path.
type Router struct {
	mu       sync.Mutex
	channels map[string]*Channel
}

// NewRouter builds an empty Router.
func NewRouter() *Router {
	return &Router{channels: make(map[string]*Channel)}
}

// Deliver is passed as a circuit.DeliverFunc: circuit.New(reg, adapter,
// dial, router.Deliver, logger).
func (r *Router) Deliver(circuitID string, plaintext []byte) {
	r.mu.Lock()
	ch, ok := r.channels[circuitID]
	r.mu.Unlock()
	if !ok {
		return
	}
	ch.deliver(plaintext)
}

func (r *Router) register(circuitID string, ch *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[circuitID] = ch
}

func (r *Router) unregister(circuitID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, circuitID)
}
