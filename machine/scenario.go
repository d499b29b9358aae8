package machine

import (
	"fmt"
	"io"
	"kcore/kernel/kmain"
	"kcore/kernel/proc"
	"kcore/kernel/vfs"

	"gopkg.in/yaml.v2"
)

// Scenario describes a complete simulation: the kernel configuration, the
// hardware, the initial disk contents and the programs to load.
type Scenario struct {
	Kernel  kmain.Config `yaml:"kernel"`
	Machine Config       `yaml:"machine"`

	// MaxCycles bounds the run; 0 means no limit.
	MaxCycles uint64 `yaml:"max_cycles"`

	// Files are served read-only by the open syscall.
	Files map[string]string `yaml:"files"`

	// Disk seeds sectors before boot.
	Disk []DiskSeed `yaml:"disk"`

	// Input is typed on the keyboard once the kernel is up.
	Input string `yaml:"input"`

	Programs []ProgramSpec `yaml:"programs"`
}

// DiskSeed places data on the drive starting at LBA.
type DiskSeed struct {
	LBA  uint64 `yaml:"lba"`
	Data string `yaml:"data"`
}

// ProgramSpec is the source of a program.
type ProgramSpec struct {
	Name string `yaml:"name"`

	// ABI is a semver constraint the kernel syscall ABI must satisfy.
	ABI string `yaml:"abi"`

	Code []string `yaml:"code"`
}

// ParseScenario decodes a yaml scenario. Omitted kernel and machine settings
// keep their defaults; unknown keys are rejected.
func ParseScenario(data []byte) (*Scenario, error) {
	s := &Scenario{
		Kernel:  kmain.DefaultConfig(),
		Machine: DefaultConfig(),
	}

	if err := yaml.UnmarshalStrict(data, s); err != nil {
		return nil, fmt.Errorf("scenario: %w", err)
	}
	if err := s.Kernel.Validate(); err != nil {
		return nil, fmt.Errorf("scenario: kernel: %w", err)
	}
	if len(s.Programs) == 0 {
		return nil, fmt.Errorf("scenario: no programs")
	}

	return s, nil
}

// Setup builds the machine described by the scenario, boots the kernel and
// loads every program. The returned PIDs follow the order of Programs.
func (s *Scenario) Setup(console, logOutput io.Writer) (*Machine, []proc.PID, error) {
	progs := make([]*Program, 0, len(s.Programs))
	for _, spec := range s.Programs {
		p, err := Assemble(spec.Name, spec.Code)
		if err != nil {
			return nil, nil, err
		}
		p.ABI = spec.ABI
		progs = append(progs, p)
	}

	m := New(s.Machine)
	for _, seed := range s.Disk {
		if err := m.Disk.Load(seed.LBA, []byte(seed.Data)); err != nil {
			return nil, nil, err
		}
	}

	fs := make(vfs.MemFS, len(s.Files))
	for path, contents := range s.Files {
		fs[path] = []byte(contents)
	}

	if err := m.Boot(s.Kernel, kmain.Collaborators{
		Console:   console,
		LogOutput: logOutput,
		FS:        fs,
	}); err != nil {
		return nil, nil, fmt.Errorf("boot: %w", err)
	}

	pids := make([]proc.PID, 0, len(progs))
	for _, p := range progs {
		pid, err := m.Load(p)
		if err != nil {
			return nil, nil, err
		}
		pids = append(pids, pid)
	}

	if s.Input != "" {
		if err := m.Keyboard.Type(s.Input); err != nil {
			return nil, nil, fmt.Errorf("input: %w", err)
		}
	}

	return m, pids, nil
}
