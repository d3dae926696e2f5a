// Package virtual implements an in-process simulated radio medium, used by
// tests and local demos in place of real RF hardware. Every transceiver
// registered on the same channel name shares one broadcast hub — exactly
// the role the teacher's pkg/can/virtual.Bus plays for CAN frames, adapted
// here to byte-frame radio payloads and an in-process hub instead of a
// TCP connection to an external broker (there is no broker binary in this
// codebase to shell out to, and every scenario in spec.md §8 runs within a
// single process).
package virtual

import (
	"context"
	"sync"
	"time"

	"github.com/airfleet/air/pkg/codec"
	"github.com/airfleet/air/pkg/radio"
)

func init() {
	radio.RegisterBackend("virtual", New)
}

const inboxCapacity = 32

type hub struct {
	mu          sync.Mutex
	subscribers map[*Bus]chan []byte
}

var hubs = struct {
	mu sync.Mutex
	m  map[string]*hub
}{m: make(map[string]*hub)}

func getHub(channel string) *hub {
	hubs.mu.Lock()
	defer hubs.mu.Unlock()
	h, ok := hubs.m[channel]
	if !ok {
		h = &hub{subscribers: make(map[*Bus]chan []byte)}
		hubs.m[channel] = h
	}
	return h
}

func (h *hub) subscribe(b *Bus) chan []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	inbox := make(chan []byte, inboxCapacity)
	h.subscribers[b] = inbox
	return inbox
}

func (h *hub) unsubscribe(b *Bus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, b)
}

// broadcast delivers payload to every subscriber except sender. Delivery is
// best-effort: a full inbox drops the frame, the same way a collision or
// noise burst would drop a frame on real RF hardware — there is no
// retransmission guarantee in this protocol (spec.md §7).
func (h *hub) broadcast(sender *Bus, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub, inbox := range h.subscribers {
		if sub == sender {
			continue
		}
		cp := make([]byte, len(payload))
		copy(cp, payload)
		select {
		case inbox <- cp:
		default:
		}
	}
}

// Bus is a simulated radio transceiver bound to one named channel.
type Bus struct {
	mu      sync.Mutex
	channel string
	hub     *hub
	inbox   chan []byte
	cfg     radio.Config
	enabled bool
}

// New constructs a simulated Transceiver on the given channel name. It
// satisfies radio.NewBackendFunc.
func New(channel string) (radio.Transceiver, error) {
	return &Bus{channel: channel, hub: getHub(channel)}, nil
}

func (b *Bus) Enable() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enabled {
		return nil
	}
	b.inbox = b.hub.subscribe(b)
	b.enabled = true
	return nil
}

func (b *Bus) Disable() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.enabled {
		return nil
	}
	b.hub.unsubscribe(b)
	b.enabled = false
	return nil
}

func (b *Bus) Configure(cfg radio.Config) error {
	if cfg.FreqKHz < 418000 || cfg.FreqKHz > 455000 {
		return radio.ErrConfigRejected
	}
	if cfg.FSKRate < 2400 || cfg.FSKRate > 19200 {
		return radio.ErrConfigRejected
	}
	if cfg.Power < 0 || cfg.Power > 9 {
		return radio.ErrConfigRejected
	}
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
	return nil
}

func (b *Bus) Transmit(payload []byte) error {
	if len(payload) > codec.MaxPayloadLen {
		return radio.ErrPayloadTooLarge
	}
	b.mu.Lock()
	enabled := b.enabled
	b.mu.Unlock()
	if !enabled {
		return radio.ErrNotConfigured
	}
	b.hub.broadcast(b, payload)
	return nil
}

func (b *Bus) Receive(ctx context.Context, deadline time.Duration) ([]byte, error) {
	b.mu.Lock()
	inbox := b.inbox
	enabled := b.enabled
	b.mu.Unlock()
	if !enabled {
		return nil, radio.ErrNotConfigured
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case payload := <-inbox:
		return payload, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, nil
	}
}
