// Package radio defines the half-duplex byte-frame radio transceiver
// contract shared by every slot on a node, plus a registry of concrete
// backends (serial UART hardware, or an in-process virtual bus for tests).
package radio

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotConfigured   = errors.New("radio: transceiver not configured")
	ErrConfigRejected  = errors.New("radio: module rejected configuration")
	ErrPayloadTooLarge = errors.New("radio: payload exceeds frame size")
	ErrUnknownBackend  = errors.New("radio: no backend registered under that name")
)

// Known channel frequencies, in kHz, per spec §6.3.
const (
	FreqDemo        = 433900
	FreqCalibration = 434900
	FreqLive        = 435900
)

// Parity is the UART parity mode used when configuring the radio module.
type Parity uint8

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

// Config carries the parameters accepted by Transceiver.Configure, per
// spec §6.1.
type Config struct {
	FreqKHz  int    // must be within [418000, 455000]
	FSKRate  int    // bits/s, within {2400..19200}
	Power    int    // within [0, 9]
	UARTRate int    // baud
	Parity   Parity
}

// Transceiver is the external radio hardware contract (spec §6.1). A
// single instance is shared by every slot binding on one node; the TDMA
// layer keeps their windows apart, and Shared (shared.go) wraps the
// instance with a mutex that serializes the actual calls. Implementations
// of this interface need no internal mutex for that (spec §5, §9 design
// notes).
type Transceiver interface {
	// Enable powers up the module. Idempotent, settles within 50ms.
	Enable() error
	// Disable powers down the module. Idempotent, settles within 50ms.
	Disable() error
	// Configure sets frequency/rate/power/UART parameters. Returns an
	// error if the module does not echo back the expected confirmation.
	Configure(cfg Config) error
	// Transmit sends up to 15 bytes synchronously; succeeds or fails
	// atomically.
	Transmit(payload []byte) error
	// Receive blocks up to deadline and returns the payload received, or
	// nil if nothing arrived in time. It never returns an error for a
	// plain timeout.
	Receive(ctx context.Context, deadline time.Duration) ([]byte, error)
}

// NewBackendFunc constructs a Transceiver bound to the given channel
// descriptor (a device path for serial, a bus name for virtual).
type NewBackendFunc func(channel string) (Transceiver, error)

var backendRegistry = make(map[string]NewBackendFunc)

// RegisterBackend makes a named backend constructor available to
// NewTransceiver. Called from the init() function of a backend package
// (pkg/radio/serial, pkg/radio/virtual).
func RegisterBackend(name string, fn NewBackendFunc) {
	backendRegistry[name] = fn
}

// NewTransceiver constructs a Transceiver using the backend registered
// under name.
func NewTransceiver(name, channel string) (Transceiver, error) {
	fn, ok := backendRegistry[name]
	if !ok {
		return nil, ErrUnknownBackend
	}
	return fn(channel)
}
