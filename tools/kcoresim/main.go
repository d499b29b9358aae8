package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"kcore/kernel/proc"
	"kcore/machine"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-tty"
	"golang.org/x/sync/errgroup"
)

const (
	keyCtrlC = 0x03
	keyCtrlD = 0x04
)

var (
	errQuit = errors.New("interrupted from the keyboard")

	kernelColor  = color.New(color.FgHiBlack)
	summaryColor = color.New(color.FgCyan)
	failColor    = color.New(color.FgRed, color.Bold)
)

type options struct {
	scenario    string
	interactive bool
	cycles      uint64
	logLevel    string
	noColor     bool
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[kcoresim] error: %s\n", err.Error())
	os.Exit(1)
}

func parseOptions(args []string, stderr io.Writer) (*options, error) {
	var opts options

	fs := flag.NewFlagSet("kcoresim", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.scenario, "scenario", "", "yaml scenario describing the machine and its programs")
	fs.BoolVar(&opts.interactive, "interactive", false, "feed keystrokes from the terminal to the keyboard")
	fs.Uint64Var(&opts.cycles, "cycles", 0, "cycle budget; overrides max_cycles from the scenario")
	fs.StringVar(&opts.logLevel, "log-level", "", "kernel log level; overrides log_level from the scenario")
	fs.BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.scenario == "" {
		return nil, errors.New("missing -scenario")
	}
	return &opts, nil
}

func loadScenario(opts *options) (*machine.Scenario, error) {
	data, err := os.ReadFile(opts.scenario)
	if err != nil {
		return nil, err
	}

	s, err := machine.ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opts.scenario, err)
	}

	if opts.logLevel != "" {
		s.Kernel.LogLevel = opts.logLevel
		if err := s.Kernel.Validate(); err != nil {
			return nil, fmt.Errorf("-log-level: %w", err)
		}
	}
	if opts.cycles != 0 {
		s.MaxCycles = opts.cycles
	}
	s.Machine.Interactive = opts.interactive

	return s, nil
}

// paint colors everything written through it.
type paint struct {
	w io.Writer
	c *color.Color
}

func (p paint) Write(b []byte) (int, error) {
	if _, err := p.c.Fprint(p.w, string(b)); err != nil {
		return 0, err
	}
	return len(b), nil
}

// crlf translates line feeds for a terminal in raw mode.
type crlf struct {
	w io.Writer
}

func (c crlf) Write(b []byte) (int, error) {
	if _, err := io.WriteString(c.w, strings.ReplaceAll(string(b), "\n", "\r\n")); err != nil {
		return 0, err
	}
	return len(b), nil
}

func run(args []string, stdout, stderr io.Writer) error {
	opts, err := parseOptions(args, stderr)
	if err != nil {
		return err
	}
	if opts.noColor {
		color.NoColor = true
	}

	s, err := loadScenario(opts)
	if err != nil {
		return err
	}

	var term *tty.TTY
	if opts.interactive {
		if term, err = tty.Open(); err != nil {
			return fmt.Errorf("interactive mode: %w", err)
		}
		defer term.Close()

		restore := term.MustRaw()
		defer restore()

		stdout, stderr = crlf{stdout}, crlf{stderr}
	}

	m, pids, err := s.Setup(stdout, paint{stderr, kernelColor})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(context.Background())
	stopped, stop := context.WithCancel(ctx)
	defer stop()

	var reason machine.StopReason
	g.Go(func() error {
		var runErr error
		reason, runErr = m.Run(ctx, s.MaxCycles)
		stop()
		if term != nil {
			// Unblocks the keyboard reader.
			term.Close()
		}
		return runErr
	})

	if term != nil {
		g.Go(func() error {
			return feedKeyboard(stopped, term, m.Keyboard, stderr)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}

	return summarize(stdout, m, s, pids, reason)
}

// feedKeyboard types the keys read from the terminal until Ctrl-C or Ctrl-D
// is pressed or the machine stops.
func feedKeyboard(ctx context.Context, term *tty.TTY, kbd *machine.Keyboard, stderr io.Writer) error {
	for {
		r, err := term.ReadRune()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("keyboard: %w", err)
		}

		switch r {
		case keyCtrlC, keyCtrlD:
			return errQuit
		}

		if err := kbd.Type(string(r)); err != nil {
			fmt.Fprintf(stderr, "[kcoresim] %s\n", err.Error())
		}
	}
}

func summarize(w io.Writer, m *machine.Machine, s *machine.Scenario, pids []proc.PID, reason machine.StopReason) error {
	fmt.Fprintln(w)
	summaryColor.Fprintf(w, "stopped: %s\n", reason)

	for i, pid := range pids {
		name := s.Programs[i].Name
		if code, ok := m.ExitCode(pid); ok {
			summaryColor.Fprintf(w, "  pid %d (%s) exited with %d\n", pid, name, code)
			continue
		}
		failColor.Fprintf(w, "  pid %d (%s) still running\n", pid, name)
	}

	st := m.Stats()
	summaryColor.Fprintf(w, "cycles %d (idle %d), ticks %d, interrupts %d, syscalls %d, faults %d, switches %d\n",
		st.Cycles, st.IdleCycles, st.Ticks, st.Interrupts, st.Syscalls, st.Faults, st.Switches)

	switch reason {
	case machine.StopHalted:
		m.Dump(w)
		return errors.New("kernel halted")
	case machine.StopDeadlock:
		live := m.Live()
		sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })
		return fmt.Errorf("deadlock: pids %v wait for input that will never arrive", live)
	}
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		exit(err)
	}
}
