package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// HandlerFunc consumes one received message. Handlers run on the protocol's
// receive goroutine and must not block on the transport they were called
// from; long work belongs on a separate goroutine.
type HandlerFunc func(msg Message)

// Dispatcher drains protocols off a Transport and routes messages to
// handlers by envelope type. Several services can share one protocol tag
// (DNS resolution and dispute voting both ride "dns") without stealing each
// other's messages.
type Dispatcher struct {
	tr     Transport
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]map[string]HandlerFunc // protocol -> type -> handler
	fallback map[string]HandlerFunc            // protocol -> catch-all
}

// NewDispatcher creates a dispatcher over tr.
func NewDispatcher(tr Transport, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		tr:       tr,
		logger:   logger,
		handlers: make(map[string]map[string]HandlerFunc),
		fallback: make(map[string]HandlerFunc),
	}
}

// HandleFunc registers a handler for one envelope type on a protocol.
// Registering the same (protocol, type) twice replaces the handler.
func (d *Dispatcher) HandleFunc(protocol, msgType string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	byType, ok := d.handlers[protocol]
	if !ok {
		byType = make(map[string]HandlerFunc)
		d.handlers[protocol] = byType
	}
	byType[msgType] = h
}

// HandleProtocol registers a catch-all for types without a specific handler.
func (d *Dispatcher) HandleProtocol(protocol string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback[protocol] = h
}

// Run starts one receive loop per registered protocol and blocks until ctx
// is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.RLock()
	protocols := make(map[string]bool)
	for p := range d.handlers {
		protocols[p] = true
	}
	for p := range d.fallback {
		protocols[p] = true
	}
	d.mu.RUnlock()

	var wg sync.WaitGroup
	for protocol := range protocols {
		wg.Add(1)
		go func(protocol string) {
			defer wg.Done()
			d.loop(ctx, protocol)
		}(protocol)
	}
	wg.Wait()
	return ctx.Err()
}

func (d *Dispatcher) loop(ctx context.Context, protocol string) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, ok := d.tr.Receive(ctx, protocol, 250*time.Millisecond)
		if !ok {
			continue
		}
		d.dispatch(protocol, msg)
	}
}

func (d *Dispatcher) dispatch(protocol string, msg Message) {
	d.mu.RLock()
	var h HandlerFunc
	if byType, ok := d.handlers[protocol]; ok {
		h = byType[msg.Envelope.Type]
	}
	if h == nil {
		h = d.fallback[protocol]
	}
	d.mu.RUnlock()

	if h == nil {
		if d.logger != nil {
			d.logger.Debug("unhandled message", "protocol", protocol, "type", msg.Envelope.Type)
		}
		return
	}
	h(msg)
}
