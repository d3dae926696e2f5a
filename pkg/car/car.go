// Package car implements the car-side requester state machine (spec.md
// §4.3): IDLE -> CHECKING_IN -> REQUESTING -> AWAIT_COMMAND -> DRIVING ->
// CLEARING -> IDLE. Grounded on pkg/nmt.NMT's pattern of explicit state
// constants with mutex-guarded transitions and an injected *slog.Logger.
package car

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/airfleet/air/pkg/codec"
	"github.com/airfleet/air/pkg/slotclock"
)

// State is one of the car requester's six states.
type State uint8

const (
	StateIdle State = iota
	StateCheckingIn
	StateRequesting
	StateAwaitCommand
	StateDriving
	StateClearing
)

var stateNames = map[State]string{
	StateIdle:         "IDLE",
	StateCheckingIn:   "CHECKING_IN",
	StateRequesting:   "REQUESTING",
	StateAwaitCommand: "AWAIT_COMMAND",
	StateDriving:      "DRIVING",
	StateClearing:     "CLEARING",
}

func (s State) String() string { return stateNames[s] }

// messageTimeoutFrames is the bounded wait (in frames) for check-in,
// request/command, and clear responses, per spec.md §5 "Timeouts".
const messageTimeoutFrames = 4

var (
	// ErrPermanentFailure is returned once a bounded retry budget (check-in
	// or standby polling) is exhausted.
	ErrPermanentFailure = errors.New("car: permanent failure after bounded retries")
	// ErrCancelled is returned when the caller stops the requester, or
	// cancels ctx, before the protocol step completes.
	ErrCancelled = errors.New("car: cancelled")
	// ErrNotDriving is returned by Clear when called outside DRIVING.
	ErrNotDriving = errors.New("car: Clear called outside DRIVING state")
)

// Options tune the bounded retry counts. Zero values fall back to the
// package defaults.
type Options struct {
	MaxCheckinAttempts int
	MaxPollAttempts    int
	Logger             *slog.Logger
}

const (
	defaultMaxCheckinAttempts = 5
	defaultMaxPollAttempts    = 5
)

// CarRequester is the car-side peer of IntersectionArbiter. It is strictly
// serial: exactly one outstanding request at any time.
type CarRequester struct {
	mu    sync.Mutex
	id    string
	clock *slotclock.Clock

	currentSegment byte
	desiredSegment byte
	controlID      string
	state          State

	maxCheckinAttempts int
	maxPollAttempts    int

	active atomic.Bool
	logger *slog.Logger
}

// New constructs a CarRequester bound to one slot clock, starting at
// currentSegment.
func New(id string, clock *slotclock.Clock, currentSegment byte, opts Options) *CarRequester {
	if opts.MaxCheckinAttempts <= 0 {
		opts.MaxCheckinAttempts = defaultMaxCheckinAttempts
	}
	if opts.MaxPollAttempts <= 0 {
		opts.MaxPollAttempts = defaultMaxPollAttempts
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &CarRequester{
		id:                 id,
		clock:              clock,
		currentSegment:     currentSegment,
		state:              StateIdle,
		maxCheckinAttempts: opts.MaxCheckinAttempts,
		maxPollAttempts:    opts.MaxPollAttempts,
		logger:             logger.With("component", "car", "id", id),
	}
	c.active.Store(true)
	return c
}

// Stop requests cooperative cancellation; in-flight steps return
// ErrCancelled within one slot window plus any in-flight radio call.
func (c *CarRequester) Stop() { c.active.Store(false) }

func (c *CarRequester) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.logger.Debug("state transition", "state", s.String())
}

// State returns the current state.
func (c *CarRequester) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Begin drives the car through CHECKING_IN, REQUESTING, and AWAIT_COMMAND
// for desiredSegment. It returns once the arbiter has granted the request
// and DRIVING has begun (granted == true, err == nil), or once the request
// is permanently abandoned (granted == false, err != nil).
func (c *CarRequester) Begin(ctx context.Context, desiredSegment byte) (granted bool, err error) {
	c.desiredSegment = desiredSegment

	if err := c.checkIn(ctx); err != nil {
		c.setState(StateIdle)
		return false, err
	}

	for attempt := 0; attempt < c.maxPollAttempts; attempt++ {
		if !c.active.Load() {
			c.setState(StateIdle)
			return false, ErrCancelled
		}

		c.setState(StateRequesting)
		req := codec.FormatSlotRequest(c.id, c.currentSegment, c.desiredSegment)
		if !c.clock.TxSync(ctx, []byte(req)) {
			c.logger.Debug("request transmit failed, retrying")
			continue
		}
		c.setState(StateAwaitCommand)

		raw := c.clock.RxSync(ctx, messageTimeoutFrames)
		if !c.active.Load() {
			c.setState(StateIdle)
			return false, ErrCancelled
		}
		if len(raw) == 0 {
			c.logger.Debug("no command received, retrying")
			continue
		}

		disposition, parseErr := codec.ParseCommand(string(raw))
		if parseErr != nil {
			c.logger.Debug("dropping malformed command frame", "err", parseErr)
			continue
		}

		switch disposition {
		case codec.DispositionStandby:
			c.clock.TxSync(ctx, []byte(codec.FormatAck()))
			c.logger.Debug("standing by, will retry request")
			continue
		case codec.DispositionGrant:
			c.clock.TxSync(ctx, []byte(codec.FormatAck()))
			c.setState(StateDriving)
			return true, nil
		}
	}

	c.setState(StateIdle)
	return false, ErrPermanentFailure
}

func (c *CarRequester) checkIn(ctx context.Context) error {
	c.setState(StateCheckingIn)
	for attempt := 0; attempt < c.maxCheckinAttempts; attempt++ {
		if !c.active.Load() {
			return ErrCancelled
		}
		if !c.clock.TxSync(ctx, []byte(codec.FormatCheckin())) {
			continue
		}
		raw := c.clock.RxSync(ctx, messageTimeoutFrames)
		if !c.active.Load() {
			return ErrCancelled
		}
		if len(raw) == 0 {
			continue
		}
		controlID, err := codec.ParseCheckinResponse(string(raw))
		if err != nil {
			c.logger.Debug("dropping malformed check-in response", "err", err)
			continue
		}
		c.controlID = controlID
		return nil
	}
	return ErrPermanentFailure
}

// Clear reports that the car's rear has passed the final requested
// segment boundary (spec.md §4.3 "DRIVING -> CLEARING"), sends CLR, and
// waits for FIN (or a bounded timeout) before returning to IDLE. It must
// be called only after Begin returns granted == true.
func (c *CarRequester) Clear(ctx context.Context) error {
	if c.State() != StateDriving {
		return ErrNotDriving
	}
	c.setState(StateClearing)
	defer func() {
		c.currentSegment = c.desiredSegment
		c.setState(StateIdle)
	}()

	if !c.clock.TxSync(ctx, []byte(codec.FormatClear())) {
		return nil
	}
	raw := c.clock.RxSync(ctx, messageTimeoutFrames)
	if len(raw) == 0 || !codec.IsFinish(string(raw)) {
		c.logger.Debug("no FIN received before timeout, proceeding to idle anyway")
	}
	return nil
}
