// Command car runs the programmatic run_car(desired_segment) entry point
// (spec.md §6.4): it loads the node identity and calibration profile,
// configures the shared radio transceiver, and drives one CarRequester
// checkin/request/drive/clear cycle against an arbiter.
//
// Flag parsing follows doismellburning-samoyed's appserver.go (pflag.StringP/BoolP,
// a custom pflag.Usage, pflag.Parse); top-level logging follows
// cmd/canopen/main.go (logrus at a configurable level).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/airfleet/air/pkg/calibprofile"
	"github.com/airfleet/air/pkg/car"
	"github.com/airfleet/air/pkg/identity"
	"github.com/airfleet/air/pkg/radio"
	"github.com/airfleet/air/pkg/slotclock"

	_ "github.com/airfleet/air/pkg/radio/serial"
	_ "github.com/airfleet/air/pkg/radio/virtual"
)

func main() {
	var (
		backend        = pflag.StringP("backend", "b", "serial", "radio backend: serial or virtual")
		channel        = pflag.StringP("channel", "c", "/dev/ttyUSB0", "radio channel descriptor (device path, or bus name for the virtual backend)")
		identityPath   = pflag.StringP("identity-file", "i", "/etc/air/identity", "path to the node identity file")
		profilePath    = pflag.StringP("profile", "p", "/etc/air/calibration.ini", "path to the calibration profile file")
		scheme         = pflag.IntP("scheme", "s", int(slotclock.SchemeA), "TDMA frame scheme: 0=A(4 slots) 1=B(8 slots) 2=C(16 slots)")
		slot           = pflag.IntP("slot", "l", 0, "this car's assigned slot within the frame")
		currentSegment = pflag.IntP("current-segment", "f", 0, "segment the vehicle currently occupies")
		desiredSegment = pflag.IntP("desired-segment", "d", 1, "segment the vehicle wants to enter")
		live           = pflag.Bool("live", false, "use the live channel frequency instead of the demo frequency")
		verbose        = pflag.BoolP("verbose", "v", false, "enable debug logging")
		help           = pflag.Bool("help", false, "display help text")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: car [flags]\n\nRuns one check-in/request/drive/clear cycle for a single vehicle.\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if *help {
		pflag.Usage()
		os.Exit(0)
	}
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	id, err := identity.Load(*identityPath)
	if err != nil {
		log.Fatalf("load node identity: %v", err)
	}

	profile, err := calibprofile.Load(*profilePath)
	if err != nil {
		log.Fatalf("load calibration profile: %v", err)
	}
	if profile.TDMA == nil {
		log.Fatal("calibration profile missing [tdma] section; configure before use")
	}

	if err := runCar(id, profile, runCarOptions{
		backend:        *backend,
		channel:        *channel,
		scheme:         slotclock.Scheme(*scheme),
		slot:           *slot,
		currentSegment: byte(*currentSegment),
		desiredSegment: byte(*desiredSegment),
		live:           *live,
	}); err != nil {
		log.Fatalf("run_car failed: %v", err)
	}
}

type runCarOptions struct {
	backend        string
	channel        string
	scheme         slotclock.Scheme
	slot           int
	currentSegment byte
	desiredSegment byte
	live           bool
}

// runCar is the run_car(desired_segment) entry point named in spec.md
// §6.4, generalized to accept the full set of parameters a standalone
// process needs to construct its radio, slot clock, and requester.
func runCar(id string, profile *calibprofile.Profile, opts runCarOptions) error {
	tc, err := radio.NewTransceiver(opts.backend, opts.channel)
	if err != nil {
		return fmt.Errorf("construct transceiver: %w", err)
	}
	if err := tc.Enable(); err != nil {
		return fmt.Errorf("enable radio: %w", err)
	}
	defer tc.Disable()

	freq := radio.FreqDemo
	if opts.live {
		freq = radio.FreqLive
	}
	cfg := radio.Config{
		FreqKHz:  freq,
		FSKRate:  9600,
		Power:    9,
		UARTRate: 9600,
		Parity:   radio.ParityNone,
	}
	if err := tc.Configure(cfg); err != nil {
		return fmt.Errorf("configure radio: %w", err)
	}

	// Wrapping even a single-slot binding in Shared keeps one idle-drain
	// consumer running whenever the car's slot window isn't open (spec.md
	// §5 "Shared resources"), so a frame that lands between two of this
	// car's own windows can't sit queued and surface stale in a later one.
	shared := radio.NewShared(tc, nil)
	defer shared.Close()

	clock := slotclock.New(shared, slotclock.Config{
		Scheme:   opts.scheme,
		Slot:     opts.slot,
		TxOffset: time.Duration(profile.TDMA.TxOffsetMs) * time.Millisecond,
		RxOffset: time.Duration(profile.TDMA.RxOffsetMs) * time.Millisecond,
	})

	requester := car.New(id, clock, opts.currentSegment, car.Options{})
	defer requester.Stop()

	ctx, cancel := signalContext()
	defer cancel()

	granted, err := requester.Begin(ctx, opts.desiredSegment)
	if err != nil {
		return fmt.Errorf("begin coordination: %w", err)
	}
	if !granted {
		log.Info("standby: remained on current segment")
		return nil
	}

	log.WithField("segment", opts.desiredSegment).Info("granted; driving")
	if err := requester.Clear(ctx); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	log.Info("cleared segment")
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}
