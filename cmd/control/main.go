// Command control runs the programmatic run_arbiter(intersection_size,
// scheme) entry point (spec.md §6.4): it loads the control node's
// identity and calibration profile, configures one radio transceiver
// shared by every inbound slot, and runs an IntersectionArbiter until
// interrupted.
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

	"github.com/airfleet/air/pkg/arbiter"
	"github.com/airfleet/air/pkg/calibprofile"
	"github.com/airfleet/air/pkg/identity"
	"github.com/airfleet/air/pkg/radio"
	"github.com/airfleet/air/pkg/slotclock"

	_ "github.com/airfleet/air/pkg/radio/serial"
	_ "github.com/airfleet/air/pkg/radio/virtual"
)

func main() {
	var (
		backend          = pflag.StringP("backend", "b", "serial", "radio backend: serial or virtual")
		channel          = pflag.StringP("channel", "c", "/dev/ttyUSB0", "radio channel descriptor (device path, or bus name for the virtual backend)")
		identityPath     = pflag.StringP("identity-file", "i", "/etc/air/identity", "path to the node identity file")
		profilePath      = pflag.StringP("profile", "p", "/etc/air/calibration.ini", "path to the calibration profile file")
		scheme           = pflag.IntP("scheme", "s", int(slotclock.SchemeA), "TDMA frame scheme: 0=A(4 slots) 1=B(8 slots) 2=C(16 slots)")
		intersectionSize = pflag.IntP("segments", "n", 4, "number of physical road segments at this intersection")
		live             = pflag.Bool("live", false, "use the live channel frequency instead of the demo frequency")
		verbose          = pflag.BoolP("verbose", "v", false, "enable debug logging")
		help             = pflag.Bool("help", false, "display help text")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: control [flags]\n\nRuns the intersection arbiter until interrupted.\n\n")
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

	if err := runArbiter(id, profile, runArbiterOptions{
		backend:          *backend,
		channel:          *channel,
		scheme:           slotclock.Scheme(*scheme),
		intersectionSize: *intersectionSize,
		live:             *live,
	}); err != nil {
		log.Fatalf("run_arbiter failed: %v", err)
	}
}

type runArbiterOptions struct {
	backend          string
	channel          string
	scheme           slotclock.Scheme
	intersectionSize int
	live             bool
}

// runArbiter is the run_arbiter(intersection_size, scheme) entry point
// named in spec.md §6.4. The control node shares one radio transceiver
// across every inbound slot (spec.md §5 "Shared resources"); one
// slotclock.Clock is bound per slot of the chosen scheme, each wrapping
// that same transceiver.
func runArbiter(id string, profile *calibprofile.Profile, opts runArbiterOptions) error {
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

	// One physical radio is shared by every inbound slot on this node
	// (spec.md §5 "Shared resources"); Shared serializes access across
	// them and drains stale frames between slot windows.
	shared := radio.NewShared(tc, nil)
	defer shared.Close()

	clocks := make([]*slotclock.Clock, 0, opts.scheme.Slots())
	for slot := 0; slot < opts.scheme.Slots(); slot++ {
		clocks = append(clocks, slotclock.New(shared, slotclock.Config{
			Scheme:   opts.scheme,
			Slot:     slot,
			TxOffset: time.Duration(profile.TDMA.TxOffsetMs) * time.Millisecond,
			RxOffset: time.Duration(profile.TDMA.RxOffsetMs) * time.Millisecond,
		}))
	}

	a := arbiter.New(id, opts.intersectionSize, clocks, nil)
	defer a.Stop()

	ctx, cancel := signalContext()
	defer cancel()

	log.WithField("slots", len(clocks)).Info("arbiter running")
	a.Run(ctx)
	log.Info("arbiter stopped")
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
