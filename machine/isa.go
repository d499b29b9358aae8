package machine

import (
	"encoding/binary"
	"fmt"
	"kcore/kernel/abi"
	"kcore/kernel/mm"
	"strconv"
	"strings"
)

// User memory layout of a loaded program.
const (
	// CodeBase is the entry point of every program.
	CodeBase = mm.UserBase + 0x1000

	// DataBase is where the string literals of a program are placed.
	DataBase = uintptr(0x600000)

	// BufferBase is the scratch buffer used by the I/O instructions.
	BufferBase = uintptr(0x700000)

	// BufferSize is the size of the scratch buffer.
	BufferSize = 64 * 1024

	// InstrSize is the encoded size of an instruction.
	InstrSize = 16
)

// Op is an instruction opcode. Memory that was never written decodes as
// opcode 0 which raises an invalid opcode exception.
type Op uint8

const (
	opInvalid Op = iota

	// OpCompute burns B cycles. Progress is kept in R14 so that a
	// preempted computation resumes where it stopped.
	OpCompute

	// OpPrint prints A bytes at address B.
	OpPrint

	// OpSyscall invokes syscall Aux with arguments A, B[0:32], B[32:64].
	OpSyscall

	// OpReadBlock reads A sectors at LBA B into the buffer.
	OpReadBlock

	// OpWriteBlock writes A sectors from the buffer to LBA B.
	OpWriteBlock

	// OpReadKey reads up to A bytes of keyboard input into the buffer.
	OpReadKey

	// OpEcho prints the buffer. The length is the result of the previous
	// syscall, capped to A when A is not zero.
	OpEcho

	// OpFill copies A bytes at address B to the buffer.
	OpFill

	// OpYield gives up the CPU.
	OpYield

	// OpExit terminates with exit code B, or with the result of the
	// previous syscall when Aux is exitResult.
	OpExit

	// OpBreak executes a breakpoint trap.
	OpBreak

	// OpFault accesses the unmapped address B.
	OpFault

	// OpIllegal is an undefined instruction.
	OpIllegal Op = 0xff
)

const exitResult = 1

var opNames = map[string]Op{
	"compute":     OpCompute,
	"print":       OpPrint,
	"syscall":     OpSyscall,
	"read_block":  OpReadBlock,
	"write_block": OpWriteBlock,
	"read_key":    OpReadKey,
	"echo":        OpEcho,
	"fill":        OpFill,
	"yield":       OpYield,
	"exit":        OpExit,
	"break":       OpBreak,
	"fault":       OpFault,
	"illegal":     OpIllegal,
}

// Instr is a decoded instruction.
type Instr struct {
	Op  Op
	Aux uint8
	A   uint32
	B   uint64
}

// Encode writes the instruction in its 16-byte form: op, aux, two padding
// bytes, A and B in little endian.
func (in Instr) Encode(b []byte) {
	b[0], b[1], b[2], b[3] = byte(in.Op), in.Aux, 0, 0
	binary.LittleEndian.PutUint32(b[4:], in.A)
	binary.LittleEndian.PutUint64(b[8:], in.B)
}

// Decode parses the 16-byte form of an instruction.
func Decode(b []byte) Instr {
	return Instr{
		Op:  Op(b[0]),
		Aux: b[1],
		A:   binary.LittleEndian.Uint32(b[4:]),
		B:   binary.LittleEndian.Uint64(b[8:]),
	}
}

// Program is an assembled user program.
type Program struct {
	Name string

	// ABI is an optional semver constraint on the syscall ABI.
	ABI string

	Code []Instr

	// Data holds the string literals, loaded at DataBase.
	Data []byte
}

// Image returns the encoded code segment.
func (p *Program) Image() []byte {
	img := make([]byte, len(p.Code)*InstrSize)
	for i, in := range p.Code {
		in.Encode(img[i*InstrSize:])
	}
	return img
}

// Assemble translates the textual form of a program, one instruction per
// line. Arguments are integers, quoted strings or the word "buf" which
// names the scratch buffer. Empty lines and lines starting with '#' are
// skipped.
func Assemble(name string, lines []string) (*Program, error) {
	p := &Program{Name: name}

	for lineNo, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || line[0] == '#' {
			continue
		}

		in, err := p.assemble(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", name, lineNo+1, err)
		}
		p.Code = append(p.Code, in)
	}

	return p, nil
}

func (p *Program) assemble(line string) (Instr, error) {
	mnemonic, rest := line, ""
	if idx := strings.IndexByte(line, ' '); idx != -1 {
		mnemonic, rest = line[:idx], strings.TrimSpace(line[idx+1:])
	}

	op, ok := opNames[mnemonic]
	if !ok {
		return Instr{}, fmt.Errorf("unknown instruction %q", mnemonic)
	}

	if op == OpSyscall {
		return p.syscall(rest)
	}
	if op == OpExit && rest == "result" {
		return Instr{Op: op, Aux: exitResult}, nil
	}

	args, err := p.operands(rest)
	if err != nil {
		return Instr{}, err
	}

	in := Instr{Op: op}
	switch op {
	case OpExit:
		if len(args) != 1 {
			return in, fmt.Errorf("exit expects a code or \"result\"")
		}
		in.B = args[0]
	case OpCompute, OpFault:
		if len(args) != 1 {
			return in, fmt.Errorf("%s expects 1 operand", mnemonic)
		}
		in.B = args[0]
	case OpPrint, OpFill:
		if len(args) != 2 || strings.IndexByte(rest, '"') != 0 {
			return in, fmt.Errorf("%s expects a string operand", mnemonic)
		}
		in.B, in.A = args[0], uint32(args[1])
		if op == OpFill && in.A > BufferSize {
			return in, fmt.Errorf("fill exceeds the %d byte buffer", BufferSize)
		}
	case OpReadBlock, OpWriteBlock:
		if len(args) != 2 {
			return in, fmt.Errorf("%s expects lba and count", mnemonic)
		}
		in.B, in.A = args[0], uint32(args[1])
	case OpReadKey:
		if len(args) != 1 {
			return in, fmt.Errorf("read_key expects a length")
		}
		in.A = uint32(args[0])
	case OpEcho:
		if len(args) > 1 {
			return in, fmt.Errorf("echo expects at most one operand")
		}
		if len(args) == 1 {
			in.A = uint32(args[0])
		}
	default:
		if len(args) != 0 {
			return in, fmt.Errorf("%s takes no operands", mnemonic)
		}
	}

	return in, nil
}

// syscall assembles "syscall <name|number> [args...]". At most three
// argument words are supported; a string counts as two (address, length).
func (p *Program) syscall(rest string) (Instr, error) {
	in := Instr{Op: OpSyscall}

	name, operands := rest, ""
	if idx := strings.IndexByte(rest, ' '); idx != -1 {
		name, operands = rest[:idx], rest[idx+1:]
	}

	num, err := syscallNumber(name)
	if err != nil {
		return in, err
	}
	in.Aux = uint8(num)

	args, err := p.operands(operands)
	if err != nil {
		return in, err
	}
	if len(args) > 3 {
		return in, fmt.Errorf("syscall %s: too many operands", name)
	}

	var words [3]uint64
	for i, arg := range args {
		if arg > 0xffffffff {
			return in, fmt.Errorf("syscall %s: operand %d does not fit in 32 bits", name, i)
		}
		words[i] = arg
	}
	in.A = uint32(words[0])
	in.B = words[1] | words[2]<<32

	return in, nil
}

func syscallNumber(name string) (abi.Number, error) {
	for num := abi.Number(0); num < abi.NumSyscalls; num++ {
		if num.String() == name {
			return num, nil
		}
	}

	num, err := strconv.ParseUint(name, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown syscall %q", name)
	}
	return abi.Number(num), nil
}

// operands splits an operand list. A quoted string is interned in the data
// segment and yields its address and length.
func (p *Program) operands(s string) ([]uint64, error) {
	var args []uint64

	for s = strings.TrimSpace(s); s != ""; s = strings.TrimSpace(s) {
		if s[0] == '"' {
			lit, err := strconv.QuotedPrefix(s)
			if err != nil {
				return nil, fmt.Errorf("malformed string %s", s)
			}
			text, _ := strconv.Unquote(lit)
			args = append(args, uint64(p.intern(text)), uint64(len(text)))
			s = s[len(lit):]
			continue
		}

		word := s
		if idx := strings.IndexAny(s, " \t"); idx != -1 {
			word = s[:idx]
		}
		s = s[len(word):]

		if word == "buf" {
			args = append(args, uint64(BufferBase))
			continue
		}

		v, err := strconv.ParseInt(word, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("bad operand %q", word)
		}
		args = append(args, uint64(v))
	}

	return args, nil
}

func (p *Program) intern(text string) uintptr {
	addr := DataBase + uintptr(len(p.Data))
	p.Data = append(p.Data, text...)
	return addr
}
