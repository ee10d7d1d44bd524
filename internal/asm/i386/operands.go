package i386

import (
	"fmt"

	"github.com/tinyrange/vgaboot/internal/asm"
)

// General-purpose registers, numbered by their hardware encoding.
const (
	EAX asm.Variable = iota
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI
)

var regNames32 = [...]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi"}
var regNames16 = [...]string{"ax", "cx", "dx", "bx", "sp", "bp", "si", "di"}
var regNames8 = [...]string{"al", "cl", "dl", "bl"}

type operandSize uint8

const (
	size8  operandSize = 1
	size16 operandSize = 2
	size32 operandSize = 4
)

// Reg is a register operand with an explicit width.
type Reg struct {
	id   asm.Variable
	size operandSize
}

// Reg32 constructs a 32-bit register operand.
func Reg32(id asm.Variable) Reg { return Reg{id: id, size: size32} }

// Reg16 constructs a 16-bit register operand. Instructions using it carry
// the operand-size prefix.
func Reg16(id asm.Variable) Reg { return Reg{id: id, size: size16} }

// Reg8 constructs an 8-bit low-byte register operand. Only EAX through EBX
// have one (AL, CL, DL, BL); the other encodings name the high bytes.
func Reg8(id asm.Variable) Reg { return Reg{id: id, size: size8} }

func (r Reg) String() string {
	if r.id < 0 || int(r.id) >= len(regNames32) {
		return fmt.Sprintf("reg(%d)", r.id)
	}
	if r.size == size8 {
		if int(r.id) < len(regNames8) {
			return regNames8[r.id]
		}
		return fmt.Sprintf("reg8(%d)", r.id)
	}
	if r.size == size16 {
		return regNames16[r.id]
	}
	return regNames32[r.id]
}

func (r Reg) code() (byte, error) {
	if r.id < EAX || r.id > EDI {
		return 0, fmt.Errorf("i386: unsupported register %d", r.id)
	}
	if r.size == size8 && r.id > EBX {
		return 0, fmt.Errorf("i386: register %d has no low-byte form", r.id)
	}
	return byte(r.id), nil
}

func (r Reg) checkWidth(expected operandSize) error {
	if r.size != expected {
		return fmt.Errorf("i386: expected %d-bit register, got %s", expected*8, r)
	}
	return nil
}

// Memory is an effective address: [base + disp] or an absolute [disp].
type Memory struct {
	base    Reg
	disp    int32
	hasBase bool
}

// Mem references [base].
func Mem(base Reg) Memory {
	return Memory{base: base, hasBase: true}
}

// Abs references an absolute 32-bit address.
func Abs(addr uint32) Memory {
	return Memory{disp: int32(addr)}
}

// WithDisp returns a copy of m with displacement disp.
func (m Memory) WithDisp(disp int32) Memory {
	m.disp = disp
	return m
}

func (m Memory) String() string {
	if !m.hasBase {
		return fmt.Sprintf("[%#x]", uint32(m.disp))
	}
	if m.disp == 0 {
		return fmt.Sprintf("[%s]", m.base)
	}
	return fmt.Sprintf("[%s%+d]", m.base, m.disp)
}
