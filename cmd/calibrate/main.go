// Command calibrate drives the transmit-offset convergence procedure
// (spec.md §4.1 "Calibration") over the calibration channel and persists
// the result into a node's calibration profile's [tdma] section.
//
// One side runs as the assist helper (a node with an already-trusted
// clock, typically the control node); the other runs the converge loop
// and writes back its settled offset.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/airfleet/air/pkg/calibprofile"
	"github.com/airfleet/air/pkg/calibrate"
	"github.com/airfleet/air/pkg/radio"

	_ "github.com/airfleet/air/pkg/radio/serial"
	_ "github.com/airfleet/air/pkg/radio/virtual"
)

func main() {
	var (
		backend     = pflag.StringP("backend", "b", "serial", "radio backend: serial or virtual")
		channel     = pflag.StringP("channel", "c", "/dev/ttyUSB0", "radio channel descriptor (device path, or bus name for the virtual backend)")
		role        = pflag.StringP("role", "r", "converge", "calibration role: assist or converge")
		profilePath = pflag.StringP("profile", "p", "/etc/air/calibration.ini", "path to the calibration profile file to update (converge role only)")
		verbose     = pflag.BoolP("verbose", "v", false, "enable debug logging")
		help        = pflag.Bool("help", false, "display help text")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: calibrate [flags]\n\nRuns the TDMA offset calibration procedure on the calibration channel.\n\n")
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

	tc, err := radio.NewTransceiver(*backend, *channel)
	if err != nil {
		log.Fatalf("construct transceiver: %v", err)
	}
	if err := tc.Enable(); err != nil {
		log.Fatalf("enable radio: %v", err)
	}
	defer tc.Disable()

	cfg := radio.Config{
		FreqKHz:  radio.FreqCalibration,
		FSKRate:  9600,
		Power:    9,
		UARTRate: 9600,
		Parity:   radio.ParityNone,
	}
	if err := tc.Configure(cfg); err != nil {
		log.Fatalf("configure radio: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	switch *role {
	case "assist":
		log.Info("calibration assist running; interrupt to stop")
		if err := calibrate.Assist(ctx, tc, nil, nil); err != nil {
			log.Fatalf("assist: %v", err)
		}
	case "converge":
		offset, err := calibrate.Converge(ctx, tc, nil, nil)
		if err != nil {
			log.Fatalf("converge: %v", err)
		}
		log.WithField("offset_ms", offset).Info("calibration converged")
		if err := persistOffset(*profilePath, offset); err != nil {
			log.Fatalf("persist calibration profile: %v", err)
		}
	default:
		log.Fatalf("unknown role %q (want assist or converge)", *role)
	}
}

// persistOffset writes the converged transmit offset into the profile's
// [tdma] section, preserving every other section that loads cleanly from
// disk; sections that fail to parse are not written back.
func persistOffset(path string, offsetMs int) error {
	profile, err := calibprofile.Load(path)
	if err != nil {
		profile = &calibprofile.Profile{}
	}
	rx := 0
	if profile.TDMA != nil {
		rx = profile.TDMA.RxOffsetMs
	}
	profile.TDMA = &calibprofile.TDMAOffsets{TxOffsetMs: offsetMs, RxOffsetMs: rx}
	return calibprofile.Save(path, profile)
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
