// Package arbiter implements the intersection-side arbiter (spec.md §4.4):
// one sub-machine per inbound slot, WAIT_CHECKIN -> WAIT_REQUEST ->
// DECIDING -> AWAIT_ACK -> TRACKING -> WAIT_CLEAR -> WAIT_CHECKIN, sharing
// one mutex-guarded segment lock table across all sub-machines.
//
// Grounded on pkg/heartbeat.HBConsumer, which is likewise "composed of
// multiple sub hbConsumerEntry entries", one independently guarded entry
// per monitored peer aggregated under one parent object — generalized here
// from "one entry per monitored node" to "one sub-machine per inbound
// slot".
package arbiter

import (
	"context"
	"log/slog"
	"sync"

	"github.com/airfleet/air/pkg/codec"
	"github.com/airfleet/air/pkg/slotclock"
)

// SubState is one of the per-slot sub-machine's states.
type SubState uint8

const (
	StateWaitCheckin SubState = iota
	StateWaitRequest
	StateAwaitAckStandby
	StateAwaitAckGrant
	StateTracking
)

var subStateNames = map[SubState]string{
	StateWaitCheckin:     "WAIT_CHECKIN",
	StateWaitRequest:     "WAIT_REQUEST",
	StateAwaitAckStandby: "AWAIT_ACK(SBY)",
	StateAwaitAckGrant:   "AWAIT_ACK(GRQ)",
	StateTracking:        "TRACKING/WAIT_CLEAR",
}

func (s SubState) String() string { return subStateNames[s] }

// ackTimeoutFrames bounds the WAIT_REQUEST/AWAIT_ACK waits per spec.md §5.
const ackTimeoutFrames = 4

// LockTable is the arbiter-wide segment lock table (spec.md §3), a fixed
// array of booleans guarded by one mutex. true means "reserved by an
// in-flight car". Segments are addressed 1..size-1 (index 0 is the
// entry/yield point no car ever requests to hold).
type LockTable struct {
	mu    sync.Mutex
	locks []bool
}

// NewLockTable constructs a lock table sized for the given number of
// physical segments in the intersection.
func NewLockTable(size int) *LockTable {
	return &LockTable{locks: make([]bool, size)}
}

// span returns the segments covered by the half-open interval (current,
// desired], and whether that span is within bounds.
func (t *LockTable) span(current, desired byte) ([]int, bool) {
	if desired < current {
		return nil, false
	}
	segs := make([]int, 0, int(desired)-int(current))
	for s := int(current) + 1; s <= int(desired); s++ {
		if s >= len(t.locks) {
			return nil, false
		}
		segs = append(segs, s)
	}
	return segs, true
}

// TryGrant atomically checks and, if free, locks every segment in
// (current, desired]. Returns false (no locks taken) if any segment in the
// span is already locked, or if the span is out of bounds.
func (t *LockTable) TryGrant(current, desired byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	segs, ok := t.span(current, desired)
	if !ok {
		return false
	}
	for _, s := range segs {
		if t.locks[s] {
			return false
		}
	}
	for _, s := range segs {
		t.locks[s] = true
	}
	return true
}

// Release unlocks every segment in (current, desired]. Safe to call on an
// already-unlocked span; an inverted or out-of-bounds span releases
// nothing.
func (t *LockTable) Release(current, desired byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	segs, ok := t.span(current, desired)
	if !ok {
		return
	}
	for _, s := range segs {
		t.locks[s] = false
	}
}

// record is the arbiter-side coordination record for one car (spec.md §3).
type record struct {
	carID   string
	current byte
	desired byte
}

// SlotMachine is one sub-machine, bound to one inbound slot, sharing the
// parent's LockTable.
type SlotMachine struct {
	mu        sync.Mutex
	controlID string
	clock     *slotclock.Clock
	locks     *LockTable
	logger    *slog.Logger

	state  SubState
	active bool

	current record
}

// NewSlotMachine constructs a sub-machine bound to one slot clock.
func NewSlotMachine(controlID string, clock *slotclock.Clock, locks *LockTable, logger *slog.Logger) *SlotMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlotMachine{
		controlID: controlID,
		clock:     clock,
		locks:     locks,
		logger:    logger.With("component", "arbiter-slot"),
		state:     StateWaitCheckin,
		active:    true,
	}
}

// State returns the sub-machine's current state.
func (m *SlotMachine) State() SubState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *SlotMachine) setState(s SubState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.logger.Debug("state transition", "state", s.String())
}

func (m *SlotMachine) isActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Stop requests cooperative cancellation; the sub-machine's Run loop
// returns within one slot window plus any in-flight radio call.
func (m *SlotMachine) Stop() {
	m.mu.Lock()
	m.active = false
	m.mu.Unlock()
}

// Run drives the sub-machine's full WAIT_CHECKIN -> ... -> WAIT_CHECKIN
// cycle forever, until Stop is called or ctx is cancelled. Intended to run
// on its own goroutine, per spec.md §5 ("Each arbiter sub-machine runs on
// its own worker thread").
func (m *SlotMachine) Run(ctx context.Context) {
	for m.isActive() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		switch m.State() {
		case StateWaitCheckin:
			m.waitCheckin(ctx)
		case StateWaitRequest:
			m.waitRequest(ctx)
		case StateAwaitAckStandby:
			m.awaitAck(ctx, false)
		case StateAwaitAckGrant:
			m.awaitAck(ctx, true)
		case StateTracking:
			m.tracking(ctx)
		}
	}
}

// waitCheckin listens indefinitely (bounded only by cancellation) for a
// well-formed check-in; on receipt it transmits its own identity and
// advances to WAIT_REQUEST. Malformed frames are dropped silently.
func (m *SlotMachine) waitCheckin(ctx context.Context) {
	for m.isActive() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		raw := m.clock.RxSync(ctx, 1)
		if len(raw) == 0 {
			continue
		}
		if err := codec.ParseCheckin(string(raw)); err != nil {
			m.logger.Debug("dropping malformed check-in frame", "err", err)
			continue
		}
		m.clock.TxSync(ctx, []byte(codec.FormatCheckinResponse(m.controlID)))
		m.setState(StateWaitRequest)
		return
	}
}

// waitRequest listens for up to ackTimeoutFrames frames for a well-formed
// request; on receipt it records the coordination record and falls through
// to DECIDING in-line, per spec.md §4.4 (DECIDING is not a separate wait
// state). If no valid request arrives in time it returns to WAIT_CHECKIN.
func (m *SlotMachine) waitRequest(ctx context.Context) {
	for frame := 0; frame < ackTimeoutFrames && m.isActive(); frame++ {
		select {
		case <-ctx.Done():
			return
		default:
		}
		raw := m.clock.RxSync(ctx, 1)
		if len(raw) == 0 {
			continue
		}
		carID, current, desired, err := codec.ParseSlotRequest(string(raw))
		if err != nil {
			m.logger.Debug("dropping malformed request frame", "err", err)
			continue
		}
		if desired < current {
			m.logger.Debug("dropping request with inverted span", "current", current, "desired", desired)
			continue
		}

		m.mu.Lock()
		m.current = record{carID: carID, current: current, desired: desired}
		m.mu.Unlock()

		m.decide(ctx)
		return
	}
	m.logger.Debug("no request before timeout, returning to WAIT_CHECKIN")
	m.setState(StateWaitCheckin)
}

// decide implements DECIDING: examine the lock table and respond with
// either a standby or a grant, transitioning into the matching AWAIT_ACK
// sub-state.
func (m *SlotMachine) decide(ctx context.Context) {
	m.mu.Lock()
	rec := m.current
	m.mu.Unlock()

	if m.locks.TryGrant(rec.current, rec.desired) {
		m.clock.TxSync(ctx, []byte(codec.FormatGrant()))
		m.setState(StateAwaitAckGrant)
		return
	}
	m.clock.TxSync(ctx, []byte(codec.FormatStandby()))
	m.setState(StateAwaitAckStandby)
}

// awaitAck bounds the wait for the car's ACK of a standby/grant response.
//
// AWAIT_ACK(SBY): on ACK, return to WAIT_REQUEST (car will retry); on
// timeout, no locks were taken, so just return to WAIT_CHECKIN.
//
// AWAIT_ACK(GRQ): on ACK, enter TRACKING. On timeout the locks taken in
// DECIDING are NOT released here — spec.md's testable invariant "Grant
// implies lock" (§8.2) requires every segment in a granted span to stay
// locked until the matching CLR is processed, which takes priority over
// the narrative §4.4 text ("on timeout, release the locks"). The
// sub-machine forgets the record and returns to WAIT_CHECKIN; the locks
// stay held. A later CLR from that car reaches WAIT_CHECKIN, where it is
// dropped as a malformed check-in, so the sub-machine never releases the
// span; only a direct LockTable.Release (via Locks) frees it.
func (m *SlotMachine) awaitAck(ctx context.Context, wasGrant bool) {
	raw := m.clock.RxSync(ctx, ackTimeoutFrames)
	if len(raw) > 0 && codec.IsAck(string(raw)) {
		if wasGrant {
			m.setState(StateTracking)
		} else {
			m.setState(StateWaitRequest)
		}
		return
	}

	if wasGrant {
		m.mu.Lock()
		rec := m.current
		m.mu.Unlock()
		m.logger.Warn("ACK timeout after grant; locks remain held until released via the lock table",
			"car", rec.carID, "current", rec.current, "desired", rec.desired)
	}
	m.setState(StateWaitCheckin)
}

// tracking implements TRACKING/WAIT_CLEAR: listen indefinitely for CLR;
// on receipt, release the held locks, emit FIN, and return to
// WAIT_CHECKIN within the same slot window (spec.md §8.3).
func (m *SlotMachine) tracking(ctx context.Context) {
	for m.isActive() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		raw := m.clock.RxSync(ctx, 1)
		if len(raw) == 0 {
			continue
		}
		if !codec.IsClear(string(raw)) {
			m.logger.Debug("dropping unexpected frame while tracking", "frame", string(raw))
			continue
		}

		m.mu.Lock()
		rec := m.current
		m.mu.Unlock()

		m.locks.Release(rec.current, rec.desired)
		m.clock.TxSync(ctx, []byte(codec.FormatFinish()))
		m.setState(StateWaitCheckin)
		return
	}
}

// IntersectionArbiter owns one LockTable and one SlotMachine per inbound
// slot.
type IntersectionArbiter struct {
	controlID string
	locks     *LockTable
	machines  []*SlotMachine
	logger    *slog.Logger
}

// New constructs an arbiter for an intersection with the given number of
// physical segments, and one sub-machine per entry in clocks (each bound
// to a distinct inbound slot on the shared radio).
func New(controlID string, segments int, clocks []*slotclock.Clock, logger *slog.Logger) *IntersectionArbiter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &IntersectionArbiter{
		controlID: controlID,
		locks:     NewLockTable(segments),
		logger:    logger.With("component", "arbiter", "id", controlID),
	}
	for _, c := range clocks {
		a.machines = append(a.machines, NewSlotMachine(controlID, c, a.locks, a.logger))
	}
	return a
}

// Run starts every sub-machine on its own goroutine and blocks until ctx
// is cancelled or Stop is called.
func (a *IntersectionArbiter) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, m := range a.machines {
		wg.Add(1)
		go func(m *SlotMachine) {
			defer wg.Done()
			m.Run(ctx)
		}(m)
	}
	wg.Wait()
}

// Stop requests cooperative cancellation of every sub-machine.
func (a *IntersectionArbiter) Stop() {
	for _, m := range a.machines {
		m.Stop()
	}
}

// Locks exposes the shared lock table, chiefly for tests and operator
// introspection.
func (a *IntersectionArbiter) Locks() *LockTable { return a.locks }

// SlotMachines exposes the per-slot sub-machines, chiefly for tests and
// operator introspection.
func (a *IntersectionArbiter) SlotMachines() []*SlotMachine { return a.machines }
