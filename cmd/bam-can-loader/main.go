// Copyright (C) 2024 - Tillitis AB
// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/tillitis/bamcan/bam"
	"github.com/tillitis/bamcan/canbus"
	"github.com/tillitis/bamcan/internal/bamsim"
	"github.com/tillitis/bamcan/internal/config"
	"github.com/tillitis/bamcan/internal/util"
	"golang.org/x/crypto/blake2s"
)

// Use when printing err/diag msgs
var le = log.New(os.Stderr, "", 0)

const progname = "bam-can-loader"

var version string

// Exit codes. Usage errors use EINVAL.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 22
)

// Value of --pinentry given without a program.
const pinentryDefault = "default"

func main() {
	var hooks exitHooks
	exit := hooks.exit
	handleSignals(func() { exit(exitFailure) }, os.Interrupt, syscall.SIGTERM)

	if version == "" {
		version = readBuildInfo()
	}

	var fileName, configPath, passwordFile, pinentryProgram string
	var passwordPrompt, simulate, notify, listPortsOnly, verbose, versionOnly, helpOnly bool
	pflag.CommandLine.Init(progname, pflag.ContinueOnError)
	pflag.CommandLine.SetOutput(os.Stderr)
	pflag.CommandLine.SortFlags = false
	pflag.StringP("interface", "i", canbus.SocketCAN,
		"Use CAN interface `TYPE`: socketcan, slcan or virtual.")
	pflag.StringP("channel", "c", "",
		"Use CAN channel `NAME`: a network interface for socketcan (default can0), a serial port device path for slcan (auto-detected if not passed), or a network name for virtual.")
	pflag.IntP("bitrate", "b", 500000,
		"Set CAN bitrate in `BPS`. For socketcan the bitrate is set when configuring the network interface.")
	pflag.Int("serial-speed", canbus.SerialSpeed,
		"Set serial port speed in `BPS` for slcan.")
	pflag.String("password", fmt.Sprintf("%016X", bam.DefaultPassword),
		"Use the 64 bit BAM password `HEX`.")
	pflag.StringVar(&passwordFile, "password-file", "",
		"Read the hex password from `FILE`. Use '-' (dash) to read from stdin.")
	pflag.BoolVar(&passwordPrompt, "password-prompt", false,
		"Enable typing of the hex password on the terminal.")
	pflag.StringVar(&pinentryProgram, "pinentry", "",
		"Enter the password using the pinentry `PROGRAM`. Without PROGRAM the one configured for gpg-agent is used.")
	pflag.Lookup("pinentry").NoOptDefVal = pinentryDefault
	pflag.Duration("timeout", bam.DefaultTimeout,
		"Wait at most `DURATION` for each echo.")
	pflag.StringVar(&configPath, "config", "",
		"Read settings from `FILE` (YAML, TOML or JSON). Command line flags override it.")
	pflag.BoolVar(&listPortsOnly, "list-ports", false,
		"List connected SLCAN adapters and exit.")
	pflag.BoolVar(&simulate, "simulate", false,
		"Load into a simulated target on a virtual bus instead of real hardware.")
	pflag.BoolVar(&notify, "notify", false,
		"Show a desktop notification when done.")
	pflag.BoolVar(&verbose, "verbose", false, "Enable verbose output, including a dump of all frames.")
	pflag.BoolVar(&versionOnly, "version", false, "Output version information.")
	pflag.BoolVar(&helpOnly, "help", false, "Output this help.")
	pflag.Usage = func() {
		desc := fmt.Sprintf(`Usage: %[1]s [flags...] FILE

%[1]s loads a raw binary image from FILE into the RAM of an MPC56xx
microcontroller through its Boot Assist Module (BAM) over CAN.

Settings are also read from a config file (bamcan.yaml in the current
directory or in the user config directory, or the file passed with --config)
and from BAMCAN_* environment variables.

Exit status code is 0 if the image was loaded and every frame was echoed by
the target, 22 on usage errors, and 1 if anything else goes wrong.`, progname)
		le.Printf("%s\n\n%s", desc,
			pflag.CommandLine.FlagUsagesWrapped(86))
	}
	if !parseFlags(pflag.CommandLine, os.Args[1:], pflag.Usage) {
		exit(exitUsage)
	}

	if helpOnly {
		pflag.Usage()
		exit(exitOK)
	}

	if versionOnly {
		fmt.Printf("%s %s\n", progname, version)
		exit(exitOK)
	}

	if listPortsOnly {
		n, err := printPorts()
		if err != nil {
			le.Printf("%v\n", err)
			exit(exitFailure)
		} else if n == 0 {
			exit(exitFailure)
		}
		exit(exitOK)
	}

	if pflag.NArg() > 0 {
		if pflag.NArg() > 1 {
			le.Printf("Unexpected argument: %s\n\n", strings.Join(pflag.Args()[1:], " "))
			pflag.Usage()
			exit(exitUsage)
		}
		fileName = pflag.Args()[0]
	}

	if fileName == "" {
		le.Printf("Please pass an image FILE.\n\n")
		pflag.Usage()
		exit(exitUsage)
	}

	cfg, err := config.Load(configPath, pflag.CommandLine)
	if err != nil {
		le.Printf("%v\n\n", err)
		pflag.Usage()
		exit(exitUsage)
	}

	target, err := cfg.BAMTarget()
	if err != nil {
		le.Printf("%v\n", err)
		exit(exitUsage)
	}

	password, err := getPassword(cfg, target, passwordFile, passwordPrompt, pinentryProgram)
	if err != nil {
		le.Printf("%v\n", err)
		exit(exitUsage)
	}

	if !verbose {
		bam.SilenceLogging()
	}

	image, err := os.ReadFile(fileName)
	if err != nil {
		le.Printf("Failed to read file: %v\n", err)
		exit(exitFailure)
	}
	if len(image) == 0 {
		le.Printf("%s is empty.\n", fileName)
		exit(exitFailure)
	}
	if bytes.HasPrefix(image, []byte("\x7fELF")) {
		le.Printf("%s looks like an ELF executable, but a raw binary is expected.\n", fileName)
		exit(exitFailure)
	}

	digest := blake2s.Sum256(image)
	le.Printf("Image %s: %d bytes, BLAKE2s %x\n", fileName, len(image), digest)

	if simulate {
		cfg.Interface = canbus.Virtual
		cfg.Channel = config.DefaultVirtualChannel

		sim, stop := startSimulator(cfg.Bus(), target, password)
		hooks.add(func(code int) int {
			stop()
			if code == exitOK {
				code = checkSimulated(sim, digest)
			}
			return code
		})
	}

	if cfg.Interface == canbus.SLCAN && cfg.Channel == "" {
		cfg.Channel, err = util.DetectSLCANPort()
		if err != nil || cfg.Channel == "" {
			exit(exitFailure)
		}
	}

	le.Printf("Loading into %s on %v ...\n", target.Name, cfg.Bus())

	l := bam.New(cfg.Bus(),
		bam.WithTarget(target),
		bam.WithTimeout(cfg.Timeout),
		bam.WithProgress(progress()))

	if err = l.Load(password, image); err != nil {
		le.Printf("\nLoad failed: %v\n", err)
		if errors.Is(err, bam.ErrOpen) {
			le.Printf("Check that the CAN interface is up and that --interface and --channel are right.\n")
		}
		if notify {
			util.Alert(progname, fmt.Sprintf("Loading %s failed: %v", fileName, err))
		}
		exit(exitFailure)
	}

	le.Printf("\nLoaded %d bytes at 0x%x\n", len(image), target.LoadAddress[:])
	if notify {
		util.Notify(progname, fmt.Sprintf("Loaded %s (%d bytes)", fileName, len(image)))
	}

	exit(exitOK)
}

// parseFlags parses args into fs. If they can't be parsed the error
// and the usage are printed.
func parseFlags(fs *pflag.FlagSet, args []string, usage func()) bool {
	if err := fs.Parse(args); err != nil {
		le.Printf("%v\n\n", err)
		usage()
		return false
	}

	return true
}

// exitHooks run before the process exits, from main or from a signal
// handler. Each hook may change the exit code.
type exitHooks struct {
	mu    sync.Mutex
	hooks []func(code int) int
}

func (e *exitHooks) add(hook func(code int) int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, hook)
}

// run runs the hooks in the order they were added, at most once, and
// returns the final exit code.
func (e *exitHooks) run(code int) int {
	e.mu.Lock()
	hooks := e.hooks
	e.hooks = nil
	e.mu.Unlock()

	for _, hook := range hooks {
		code = hook(code)
	}

	return code
}

func (e *exitHooks) exit(code int) {
	os.Exit(e.run(code))
}

// getPassword returns the password from at most one of the password
// sources, or from the configuration if none was given.
func getPassword(cfg *config.Config, target bam.Target, file string, prompt bool, pinentry string) (uint64, error) {
	var sources int
	for _, given := range []bool{file != "", prompt, pinentry != ""} {
		if given {
			sources++
		}
	}
	if sources > 1 {
		return 0, errors.New("Can't combine --password-file, --password-prompt and --pinentry")
	}

	switch {
	case file != "":
		pw, err := util.ReadPassword(file)
		if err != nil {
			return 0, fmt.Errorf("Failed to read password-file %s: %w", file, err)
		}
		return pw, nil

	case prompt:
		return util.InputPassword()

	case pinentry != "":
		if pinentry == pinentryDefault {
			pinentry = ""
		}
		return util.PinentryPassword(progname, target.Name, pinentry)

	default:
		return util.ParsePassword(cfg.Password)
	}
}

// progress prints how much of the image has been echoed, once for
// every whole percent.
func progress() func(bam.Progress) {
	last := -1

	return func(p bam.Progress) {
		percent := 100 * p.BytesSent / p.Total
		if percent == last {
			return
		}
		last = percent
		le.Printf("\rSent %d of %d bytes (%d%%)", p.BytesSent, p.Total, percent)
	}
}

// startSimulator runs a simulated target on the virtual bus of bus
// until stop is called.
func startSimulator(bus canbus.Config, target bam.Target, password uint64) (*bamsim.Target, func()) {
	conn := canbus.DialVirtual(bus.Channel)
	sim := bamsim.New(conn, bamsim.WithProtocol(target), bamsim.WithPassword(password))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sim.Run(ctx); err != nil {
			le.Printf("Simulator: %v\n", err)
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
			conn.Close()
		})
	}

	return sim, stop
}

// checkSimulated compares what the simulated target received with the
// image that was sent.
func checkSimulated(sim *bamsim.Target, digest [32]byte) int {
	got := blake2s.Sum256(sim.Image())
	if got != digest {
		le.Printf("Simulated target got an image with BLAKE2s %x\n", got)
		return exitFailure
	}
	le.Printf("Simulated target got an identical image\n")

	return exitOK
}

func handleSignals(action func(), sig ...os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig...)
	go func() {
		for {
			<-ch
			action()
		}
	}()
}

func readBuildInfo() string {
	version := "devel without BuildInfo"
	if info, ok := debug.ReadBuildInfo(); ok {
		sb := strings.Builder{}
		sb.WriteString("devel")
		for _, setting := range info.Settings {
			if strings.HasPrefix(setting.Key, "vcs") {
				sb.WriteString(fmt.Sprintf(" %s=%s", setting.Key, setting.Value))
			}
		}
		version = sb.String()
	}
	return version
}

func printPorts() (int, error) {
	ports, err := util.GetSLCANPorts()
	if err != nil {
		return 0, fmt.Errorf("Failed to list ports: %w", err)
	}
	if len(ports) == 0 {
		le.Printf("No SLCAN adapters found.\n")
	} else {
		le.Printf("SLCAN adapters (on stdout):\n")
		for _, p := range ports {
			fmt.Fprintf(os.Stdout, "%s adapter:%s serialNumber:%s\n", p.DevPath, p.Adapter, p.SerialNumber)
		}
	}
	return len(ports), nil
}
