package calibprofile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFullProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.ini")
	writeFile(t, path, `[servo]
left 120
right 60
center 90

[tdma]
tx -12
rx 4

[us]
threshold 250

[turn]
right 400
right_delay 50
left 420
left_delay 60
`)

	p, err := Load(path)
	require.NoError(t, err)
	require.True(t, p.IsDone())

	assert.Equal(t, &Servo{MaxLeft: 120, MaxRight: 60, Center: 90}, p.Servo)
	assert.Equal(t, &TDMAOffsets{TxOffsetMs: -12, RxOffsetMs: 4}, p.TDMA)
	assert.Equal(t, &Ultrasonic{ThresholdMm: 250}, p.Ultrasonic)
	assert.Equal(t, &Turn{RightMs: 400, RightDelayMs: 50, LeftMs: 420, LeftDelayMs: 60}, p.Turn)
}

func TestLoadPartialProfileLeavesMissingSectionsNil(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.ini")
	writeFile(t, path, `[tdma]
tx 5
rx -3
`)

	p, err := Load(path)
	require.NoError(t, err)
	assert.False(t, p.IsDone())
	assert.Nil(t, p.Servo)
	require.NotNil(t, p.TDMA)
	assert.Equal(t, 5, p.TDMA.TxOffsetMs)
	assert.Equal(t, -3, p.TDMA.RxOffsetMs)
	assert.Nil(t, p.Ultrasonic)
	assert.Nil(t, p.Turn)
}

func TestLoadCorruptSectionLeavesItNil(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.ini")
	writeFile(t, path, `[tdma]
tx not-a-number
rx 4
`)

	p, err := Load(path)
	require.NoError(t, err)
	assert.Nil(t, p.TDMA)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.ini"))
	assert.Error(t, err)
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.ini")

	p := &Profile{
		TDMA: &TDMAOffsets{TxOffsetMs: 7, RxOffsetMs: -9},
	}
	require.NoError(t, Save(path, p))

	got, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, got.TDMA)
	assert.Equal(t, 7, got.TDMA.TxOffsetMs)
	assert.Equal(t, -9, got.TDMA.RxOffsetMs)
	assert.Nil(t, got.Servo)
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}
