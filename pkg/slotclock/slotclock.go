// Package slotclock implements the TDMA slot layer: it turns the shared
// half-duplex radio into per-node synchronous transmit/receive windows
// aligned to the wall-clock second boundary, so that peers statically
// assigned to distinct slots never transmit concurrently.
package slotclock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/airfleet/air/pkg/codec"
	"github.com/airfleet/air/pkg/radio"
)

// SlotDuration is the fixed width of one TDMA slot.
const SlotDuration = 20 * time.Millisecond

// Scheme selects the number of slots in a frame.
type Scheme int

const (
	SchemeA Scheme = iota // 4 slots
	SchemeB               // 8 slots
	SchemeC               // 16 slots
)

// Slots returns the number of slots in one frame for this scheme.
func (s Scheme) Slots() int {
	switch s {
	case SchemeA:
		return 4
	case SchemeB:
		return 8
	case SchemeC:
		return 16
	default:
		return 0
	}
}

// FrameDuration returns the wall-clock width of one frame for this scheme.
func (s Scheme) FrameDuration() time.Duration {
	return SlotDuration * time.Duration(s.Slots())
}

// FramesPerSecond returns how many whole frames fit in one wall-clock
// second for this scheme (12, 6, or 3 — floor division; spec.md §4.1).
func (s Scheme) FramesPerSecond() int {
	frameMs := int(s.FrameDuration() / time.Millisecond)
	return 1000 / frameMs
}

var ErrCalibrationDiverged = errors.New("slotclock: calibration did not converge")

// Config binds a Clock to one slot.
type Config struct {
	Scheme   Scheme
	Slot     int           // 0..Scheme.Slots()-1
	TxOffset time.Duration // may be negative
	RxOffset time.Duration // may be negative
}

// Clock drives one slot binding's transmit/receive windows against a
// shared radio.Transceiver. Grounded on pkg/time.TIME's pattern of a
// mutex-guarded actor whose wake schedule is anchored to the wall clock,
// generalized here from a single periodic timer to TDMA frame/slot
// arithmetic.
type Clock struct {
	mu     sync.Mutex
	radio  radio.Transceiver
	cfg    Config
	logger *slog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) bool
}

// Option configures a Clock at construction.
type Option func(*Clock)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Clock) { c.logger = logger }
}

// WithClockSource overrides the wall-clock source, for deterministic tests.
func WithClockSource(now func() time.Time) Option {
	return func(c *Clock) { c.now = now }
}

// WithSleepFunc overrides the wait primitive TxSync/RxSync block on, for
// deterministic tests in packages that cannot reach the unexported sleep
// field directly.
func WithSleepFunc(sleep func(context.Context, time.Duration) bool) Option {
	return func(c *Clock) { c.sleep = sleep }
}

// New constructs a Clock bound to one slot of one radio transceiver.
func New(tc radio.Transceiver, cfg Config, opts ...Option) *Clock {
	c := &Clock{
		radio: tc,
		cfg:   cfg,
		now:   time.Now,
	}
	c.sleep = c.defaultSleep
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "slotclock", "scheme", cfg.Scheme, "slot", cfg.Slot)
	return c
}

func (c *Clock) defaultSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// SetTxOffset adjusts the per-direction transmit window offset at runtime.
func (c *Clock) SetTxOffset(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.TxOffset = d
}

// SetRxOffset adjusts the per-direction receive window offset at runtime.
func (c *Clock) SetRxOffset(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.RxOffset = d
}

func (c *Clock) snapshot() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// nextSlotStart computes the next absolute wake time for this slot's
// window, adjusted by offset, per spec.md §4.1 "Next-slot computation".
func nextSlotStart(now time.Time, offset time.Duration, scheme Scheme, slot int) time.Time {
	nowAdj := now.Add(-offset)
	secBoundary := nowAdj.Truncate(time.Second)
	mMs := int(nowAdj.Sub(secBoundary) / time.Millisecond)

	frameDurMs := int(scheme.FrameDuration() / time.Millisecond)
	framesPerSec := scheme.FramesPerSecond()
	slotMs := int(SlotDuration / time.Millisecond)

	curFrame := mMs / frameDurMs
	curSlot := (mMs % frameDurMs) / slotMs

	var sendFrame int
	var base time.Time
	switch {
	case curFrame < framesPerSec && curSlot < slot:
		sendFrame = curFrame
		base = secBoundary
	case curFrame < framesPerSec && curFrame+1 < framesPerSec:
		sendFrame = curFrame + 1
		base = secBoundary
	default:
		// Either already at/after the last frame of this second, or the
		// next frame would exceed the per-second frame count: wrap to
		// frame 0 of the next second.
		sendFrame = 0
		base = secBoundary.Add(time.Second)
	}

	wake := base.
		Add(time.Duration(sendFrame*frameDurMs) * time.Millisecond).
		Add(time.Duration(slot*slotMs) * time.Millisecond).
		Add(offset)
	return wake
}

// TxSync pads payload to exactly 15 bytes, sleeps until the next opening
// of this slot's transmit window, and transmits. It returns false without
// sleeping if payload exceeds the 15-byte frame size (spec.md §4.1
// "tx_sync reports failure if the payload exceeds 15 bytes", mirroring
// original_source/shared/src/tdma.cpp's tx_sync, which rejects an
// oversized message before ever sleeping); it also returns false if the
// radio rejects the transmit, or if the caller cancels ctx before the
// window opens.
func (c *Clock) TxSync(ctx context.Context, payload []byte) bool {
	if len(payload) > codec.MaxPayloadLen {
		c.logger.Debug("payload exceeds frame size", "len", len(payload))
		return false
	}

	cfg := c.snapshot()
	wake := nextSlotStart(c.now(), cfg.TxOffset, cfg.Scheme, cfg.Slot)
	if !c.sleep(ctx, time.Until(wake)) {
		return false
	}

	framed := make([]byte, codec.MaxPayloadLen)
	copy(framed, payload)

	if err := c.radio.Transmit(framed); err != nil {
		c.logger.Debug("transmit failed", "err", err)
		return false
	}
	return true
}

// RxSync listens for up to maxFrames successive openings of this slot's
// receive window and returns the first non-empty frame received, with the
// trailing zero padding TxSync adds stripped, or nil on total timeout. It
// never returns an error for a plain timeout.
func (c *Clock) RxSync(ctx context.Context, maxFrames int) []byte {
	for i := 0; i < maxFrames; i++ {
		cfg := c.snapshot()
		wake := nextSlotStart(c.now(), cfg.RxOffset, cfg.Scheme, cfg.Slot)
		if !c.sleep(ctx, time.Until(wake)) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		payload, err := c.radio.Receive(ctx, SlotDuration)
		if err != nil {
			c.logger.Debug("receive failed", "err", err)
			continue
		}
		for len(payload) > 0 && payload[len(payload)-1] == 0 {
			payload = payload[:len(payload)-1]
		}
		if len(payload) > 0 {
			return payload
		}
	}
	return nil
}

// TxTimestampSync transmits the current wall-clock ms-of-second as a
// decimal string and returns the value sent. Used only during offset
// calibration (spec.md §4.1 "Calibration").
func (c *Clock) TxTimestampSync(ctx context.Context) (int, bool) {
	now := c.now()
	ms := now.Nanosecond() / int(time.Millisecond)
	ok := c.TxSync(ctx, []byte(msString(ms)))
	return ms, ok
}

func msString(ms int) string {
	digits := [3]byte{}
	for i := 2; i >= 0; i-- {
		digits[i] = byte('0' + ms%10)
		ms /= 10
	}
	return string(digits[:])
}
