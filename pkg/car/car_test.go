package car

import (
	"context"
	"testing"
	"time"

	"github.com/airfleet/air/pkg/codec"
	"github.com/airfleet/air/pkg/radio"
	"github.com/airfleet/air/pkg/slotclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRadio is a minimal radio.Transceiver stub whose Receive replies
// are scripted by the test, and whose Transmit calls are recorded for
// assertions, mirroring the fakeRadio stub in pkg/slotclock's tests.
type scriptedRadio struct {
	transmitted [][]byte
	toReceive   [][]byte
	idx         int
}

func (r *scriptedRadio) Enable() error                  { return nil }
func (r *scriptedRadio) Disable() error                 { return nil }
func (r *scriptedRadio) Configure(cfg radio.Config) error { return nil }
func (r *scriptedRadio) Transmit(payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	r.transmitted = append(r.transmitted, cp)
	return nil
}
func (r *scriptedRadio) Receive(ctx context.Context, deadline time.Duration) ([]byte, error) {
	if r.idx < len(r.toReceive) {
		v := r.toReceive[r.idx]
		r.idx++
		return v, nil
	}
	return nil, nil
}

func newInstantClock(tc radio.Transceiver) *slotclock.Clock {
	return slotclock.New(tc, slotclock.Config{Scheme: slotclock.SchemeA, Slot: 0},
		slotclock.WithClockSource(func() time.Time {
			return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		}),
		slotclock.WithSleepFunc(func(ctx context.Context, d time.Duration) bool { return true }),
	)
}

func TestBeginHappyPathGranted(t *testing.T) {
	r := &scriptedRadio{
		toReceive: [][]byte{
			[]byte(codec.FormatCheckinResponse("CTRL1")),
			[]byte(codec.FormatGrant()),
		},
	}
	clock := newInstantClock(r)

	c := New("CAR1", clock, 0, Options{})
	granted, err := c.Begin(context.Background(), 3)

	require.NoError(t, err)
	assert.True(t, granted)
	assert.Equal(t, StateDriving, c.State())

	require.Len(t, r.transmitted, 3) // CHK, request, ACK
	assert.Equal(t, codec.FormatCheckin(), string(trimPad(r.transmitted[0])))
}

func TestBeginStandbyThenGrant(t *testing.T) {
	r := &scriptedRadio{
		toReceive: [][]byte{
			[]byte(codec.FormatCheckinResponse("CTRL1")),
			[]byte(codec.FormatStandby()),
			[]byte(codec.FormatGrant()),
		},
	}
	clock := newInstantClock(r)

	c := New("CAR1", clock, 0, Options{})
	granted, err := c.Begin(context.Background(), 3)

	require.NoError(t, err)
	assert.True(t, granted)
	assert.Equal(t, StateDriving, c.State())
}

func TestBeginCheckinExhaustsRetries(t *testing.T) {
	r := &scriptedRadio{} // never answers check-in
	clock := newInstantClock(r)

	c := New("CAR1", clock, 0, Options{MaxCheckinAttempts: 2, MaxPollAttempts: 2})
	granted, err := c.Begin(context.Background(), 3)

	assert.False(t, granted)
	assert.ErrorIs(t, err, ErrPermanentFailure)
	assert.Equal(t, StateIdle, c.State())
}

func TestBeginPollExhaustsRetries(t *testing.T) {
	r := &scriptedRadio{
		toReceive: [][]byte{
			[]byte(codec.FormatCheckinResponse("CTRL1")),
			// no command frames ever follow; RxSync always empty.
		},
	}
	clock := newInstantClock(r)

	c := New("CAR1", clock, 0, Options{MaxCheckinAttempts: 2, MaxPollAttempts: 2})
	granted, err := c.Begin(context.Background(), 3)

	assert.False(t, granted)
	assert.ErrorIs(t, err, ErrPermanentFailure)
}

func TestBeginCancelledReturnsErrCancelled(t *testing.T) {
	r := &scriptedRadio{
		toReceive: [][]byte{
			[]byte(codec.FormatCheckinResponse("CTRL1")),
		},
	}
	clock := newInstantClock(r)

	c := New("CAR1", clock, 0, Options{})
	c.Stop()
	granted, err := c.Begin(context.Background(), 3)

	assert.False(t, granted)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestClearRequiresDrivingState(t *testing.T) {
	r := &scriptedRadio{}
	clock := newInstantClock(r)

	c := New("CAR1", clock, 0, Options{})
	err := c.Clear(context.Background())
	assert.ErrorIs(t, err, ErrNotDriving)
}

func TestClearSendsClrAndAwaitsFin(t *testing.T) {
	r := &scriptedRadio{
		toReceive: [][]byte{
			[]byte(codec.FormatCheckinResponse("CTRL1")),
			[]byte(codec.FormatGrant()),
			[]byte(codec.FormatFinish()),
		},
	}
	clock := newInstantClock(r)

	c := New("CAR1", clock, 0, Options{})
	granted, err := c.Begin(context.Background(), 3)
	require.NoError(t, err)
	require.True(t, granted)

	err = c.Clear(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, c.State())

	last := r.transmitted[len(r.transmitted)-1]
	assert.Equal(t, codec.FormatClear(), string(trimPad(last)))
}

// trimPad strips the zero-padding TxSync adds out to codec.MaxPayloadLen.
func trimPad(b []byte) []byte {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return b[:i]
}
