package calibrate

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/airfleet/air/pkg/radio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRadio replies to every Receive call with the next entry of
// echoes (ignoring what was actually transmitted), recording every
// transmitted payload for assertions.
type scriptedRadio struct {
	echoes      []string
	idx         int
	transmitted []string
}

func (r *scriptedRadio) Enable() error                   { return nil }
func (r *scriptedRadio) Disable() error                  { return nil }
func (r *scriptedRadio) Configure(cfg radio.Config) error { return nil }
func (r *scriptedRadio) Transmit(payload []byte) error {
	r.transmitted = append(r.transmitted, string(payload))
	return nil
}
func (r *scriptedRadio) Receive(ctx context.Context, deadline time.Duration) ([]byte, error) {
	if r.idx >= len(r.echoes) {
		return nil, nil
	}
	v := r.echoes[r.idx]
	r.idx++
	return []byte(v), nil
}

func fixedClock(ms int) func() time.Time {
	return func() time.Time {
		return time.Date(2026, 1, 1, 0, 0, 0, ms*int(time.Millisecond), time.UTC)
	}
}

func TestConvergeAccumulatesResidualsAndSettles(t *testing.T) {
	r := &scriptedRadio{echoes: []string{"50", "3", "3", "3", "3", "3"}}

	offset, err := Converge(context.Background(), r, fixedClock(0), nil)

	require.NoError(t, err)
	assert.Equal(t, 50+3*5, offset)
	assert.Len(t, r.transmitted, 6)
}

func TestConvergeHandlesRolloverResidual(t *testing.T) {
	// echoed=900 against sent=0 is a -100ms residual once unwrapped, which
	// is outside tolerance, so convergence still needs 5 more good rounds.
	echoes := append([]string{"900"}, repeat("0", 5)...)
	r := &scriptedRadio{echoes: echoes}

	offset, err := Converge(context.Background(), r, fixedClock(0), nil)

	require.NoError(t, err)
	assert.Equal(t, -100, offset)
}

func TestConvergeDivergesAfterMaxIterations(t *testing.T) {
	// A residual that alternates outside tolerance never settles.
	echoes := make([]string, MaxIterations)
	for i := range echoes {
		if i%2 == 0 {
			echoes[i] = "50"
		} else {
			echoes[i] = "-50"
		}
	}
	r := &scriptedRadio{echoes: echoes}

	_, err := Converge(context.Background(), r, fixedClock(0), nil)
	assert.ErrorIs(t, err, ErrCalibrationDiverged)
}

func TestAssistEchoesMsMinusRoundTripCorrection(t *testing.T) {
	r := &scriptedRadio{echoes: []string{"ping", ""}}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		Assist(ctx, r, fixedClock(100), nil)
		close(done)
	}()

	// Allow the first ping to be answered, then stop the assistant.
	time.Sleep(5 * time.Millisecond)
	cancel()
	<-done

	require.NotEmpty(t, r.transmitted)
	got, err := strconv.Atoi(r.transmitted[0])
	require.NoError(t, err)
	assert.Equal(t, 100-roundTripCorrectionMs, got)
}

func repeat(s string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s
	}
	return out
}
