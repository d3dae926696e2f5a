// Package calibprofile loads the calibration profile file (spec.md §6.2):
// plain-text ini-style sections ([servo], [tdma], [us], [turn]) with
// `key value` lines. A missing or corrupt section simply leaves the
// corresponding profile field absent; only [tdma]'s tx/rx integer-ms
// offsets are consumed by the core (everything else parameterizes
// external collaborators this module does not implement).
//
// Grounded on the teacher's od_parser.go, which likewise loads an
// ini-style file with gopkg.in/ini.v1 and walks its Sections(), and on
// original_source/car/src/profile.cpp/.hpp, which defines the section and
// key names this format preserves.
package calibprofile

import (
	"errors"
	"strconv"

	"gopkg.in/ini.v1"
)

// ErrMissingTDMA describes a [tdma] section that is absent or incomplete
// (spec.md §7 "Missing calibration profile"). Load does not return it; it
// leaves Profile.TDMA nil in that case.
var ErrMissingTDMA = errors.New("calibprofile: [tdma] section missing or incomplete")

// Servo holds steering calibration, consumed entirely by external
// collaborators (servo PWM driver).
type Servo struct {
	MaxLeft  int
	MaxRight int
	Center   int
}

// TDMAOffsets holds the two slot-clock offsets in ms. Per spec.md §9 Open
// Question (ii), tx and rx are independent explicit keys — the source's
// historical tx/rx field-swap bug is not reproduced here.
type TDMAOffsets struct {
	TxOffsetMs int
	RxOffsetMs int
}

// Ultrasonic holds an obstacle-detection threshold, consumed entirely by
// external collaborators.
type Ultrasonic struct {
	ThresholdMm int
}

// Turn holds drive-maneuver timings, consumed entirely by external
// collaborators.
type Turn struct {
	RightMs      int
	RightDelayMs int
	LeftMs       int
	LeftDelayMs  int
}

// Profile is the full parsed calibration file. Each field is nil unless
// its section was present and well-formed.
type Profile struct {
	Servo      *Servo
	TDMA       *TDMAOffsets
	Ultrasonic *Ultrasonic
	Turn       *Turn
}

// IsDone reports whether every section has been calibrated, mirroring
// original_source's profile::is_done.
func (p *Profile) IsDone() bool {
	return p.Servo != nil && p.TDMA != nil && p.Ultrasonic != nil && p.Turn != nil
}

// loadOptions accepts the original format's bare `key value` lines in
// addition to ini.v1's usual `key = value`/`key: value` forms.
var loadOptions = ini.LoadOptions{KeyValueDelimiters: "=: \t"}

// Load parses a calibration profile file. A missing file is an error; a
// present but partially/fully corrupt section is not — it is simply left
// nil in the result, per spec.md §6.2.
func Load(path string) (*Profile, error) {
	file, err := ini.LoadSources(loadOptions, path)
	if err != nil {
		return nil, err
	}

	p := &Profile{}
	p.Servo = loadServo(file)
	p.TDMA = loadTDMA(file)
	p.Ultrasonic = loadUltrasonic(file)
	p.Turn = loadTurn(file)
	return p, nil
}

func loadServo(file *ini.File) *Servo {
	section, err := file.GetSection("servo")
	if err != nil {
		return nil
	}
	maxLeft, errL := section.Key("left").Int()
	maxRight, errR := section.Key("right").Int()
	center, errC := section.Key("center").Int()
	if errL != nil || errR != nil || errC != nil {
		return nil
	}
	return &Servo{MaxLeft: maxLeft, MaxRight: maxRight, Center: center}
}

func loadTDMA(file *ini.File) *TDMAOffsets {
	section, err := file.GetSection("tdma")
	if err != nil {
		return nil
	}
	tx, errTx := section.Key("tx").Int()
	rx, errRx := section.Key("rx").Int()
	if errTx != nil || errRx != nil {
		return nil
	}
	return &TDMAOffsets{TxOffsetMs: tx, RxOffsetMs: rx}
}

func loadUltrasonic(file *ini.File) *Ultrasonic {
	section, err := file.GetSection("us")
	if err != nil {
		return nil
	}
	threshold, errT := section.Key("threshold").Int()
	if errT != nil {
		return nil
	}
	return &Ultrasonic{ThresholdMm: threshold}
}

func loadTurn(file *ini.File) *Turn {
	section, err := file.GetSection("turn")
	if err != nil {
		return nil
	}
	right, errR := section.Key("right").Int()
	rightDelay, errRD := section.Key("right_delay").Int()
	left, errL := section.Key("left").Int()
	leftDelay, errLD := section.Key("left_delay").Int()
	if errR != nil || errRD != nil || errL != nil || errLD != nil {
		return nil
	}
	return &Turn{RightMs: right, RightDelayMs: rightDelay, LeftMs: left, LeftDelayMs: leftDelay}
}

// Save writes the profile back out in the same ini-style layout (bare
// whitespace-separated `key value` lines), including only sections that
// are non-nil.
func Save(path string, p *Profile) error {
	file := ini.Empty(ini.LoadOptions{KeyValueDelimiterOnWrite: " "})

	if p.Servo != nil {
		section, err := file.NewSection("servo")
		if err != nil {
			return err
		}
		section.NewKey("left", strconv.Itoa(p.Servo.MaxLeft))
		section.NewKey("right", strconv.Itoa(p.Servo.MaxRight))
		section.NewKey("center", strconv.Itoa(p.Servo.Center))
	}
	if p.TDMA != nil {
		section, err := file.NewSection("tdma")
		if err != nil {
			return err
		}
		section.NewKey("tx", strconv.Itoa(p.TDMA.TxOffsetMs))
		section.NewKey("rx", strconv.Itoa(p.TDMA.RxOffsetMs))
	}
	if p.Ultrasonic != nil {
		section, err := file.NewSection("us")
		if err != nil {
			return err
		}
		section.NewKey("threshold", strconv.Itoa(p.Ultrasonic.ThresholdMm))
	}
	if p.Turn != nil {
		section, err := file.NewSection("turn")
		if err != nil {
			return err
		}
		section.NewKey("right", strconv.Itoa(p.Turn.RightMs))
		section.NewKey("right_delay", strconv.Itoa(p.Turn.RightDelayMs))
		section.NewKey("left", strconv.Itoa(p.Turn.LeftMs))
		section.NewKey("left_delay", strconv.Itoa(p.Turn.LeftDelayMs))
	}

	return file.SaveTo(path)
}
