package kmain

import (
	"kcore/device/pit"
	"kcore/kernel"
	"kcore/kernel/pic"
	"kcore/kernel/sched"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v2"
)

var (
	errZeroQuantum  = &kernel.Error{Module: "kmain", Message: "quantum_ticks must be positive"}
	errTimerHz      = &kernel.Error{Module: "kmain", Message: "timer_hz cannot be programmed into the PIT"}
	errDiskIRQ      = &kernel.Error{Module: "kmain", Message: "disk_irq collides with a reserved line"}
	errLogLevel     = &kernel.Error{Module: "kmain", Message: "unknown log_level"}
	errConfigSyntax = &kernel.Error{Module: "kmain", Message: "malformed configuration"}
)

// Config holds the boot-time tunables of the kernel.
type Config struct {
	// QuantumTicks is the number of timer ticks a process runs before
	// it is preempted.
	QuantumTicks uint32 `yaml:"quantum_ticks"`

	// TimerHz is the PIT channel 0 frequency.
	TimerHz uint32 `yaml:"timer_hz"`

	// DiskIRQ is the PIC line the disk controller raises.
	DiskIRQ uint8 `yaml:"disk_irq"`

	// LogLevel is the level of the structured kernel trace.
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the configuration used when no overrides are given.
func DefaultConfig() Config {
	return Config{
		QuantumTicks: sched.DefaultQuantum,
		TimerHz:      pit.DefaultHz,
		DiskIRQ:      uint8(pic.Disk),
		LogLevel:     "info",
	}
}

// ParseConfig decodes a yaml document on top of DefaultConfig. Unknown keys
// are rejected.
func ParseConfig(data []byte) (Config, *kernel.Error) {
	cfg := DefaultConfig()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, &kernel.Error{Module: errConfigSyntax.Module, Message: errConfigSyntax.Message + ": " + err.Error()}
	}
	return cfg, cfg.Validate()
}

// Validate checks that the configuration can be applied to the hardware.
func (c Config) Validate() *kernel.Error {
	switch {
	case c.QuantumTicks == 0:
		return errZeroQuantum
	case c.DiskIRQ >= pic.NumLines,
		pic.IRQ(c.DiskIRQ) == pic.Timer,
		pic.IRQ(c.DiskIRQ) == pic.Keyboard,
		pic.IRQ(c.DiskIRQ) == pic.Cascade:
		return errDiskIRQ
	case hclog.LevelFromString(c.LogLevel) == hclog.NoLevel:
		return errLogLevel
	}

	if _, err := pit.Divisor(c.TimerHz); err != nil {
		return errTimerHz
	}
	return nil
}
