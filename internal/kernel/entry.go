// Package kernel produces the routine a Multiboot2 loader jumps to: it copies
// a NUL-terminated message into the VGA text frame buffer with one fixed
// attribute and then parks the processor in a halt loop that never exits.
package kernel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tinyrange/vgaboot/internal/asm"
	"github.com/tinyrange/vgaboot/internal/asm/i386"
	"github.com/tinyrange/vgaboot/internal/vga"
)

// DefaultMessage is the diagnostic line written when none is configured.
const DefaultMessage = "Hello world! This is elf-32 + multiboot2."

// Labels bound inside the emitted routine.
const (
	LabelEntry asm.Label = "entry"
	LabelLoop  asm.Label = "write_loop"
	LabelHalt  asm.Label = "halt"
	LabelEnd   asm.Label = "end"
)

var (
	// ErrMessageTooLong is returned under OverflowReject for a message with
	// more bytes than the frame buffer has cells.
	ErrMessageTooLong = errors.New("kernel: message longer than the frame buffer")
	// ErrEmbeddedNUL rejects a message that would end early at a NUL byte.
	ErrEmbeddedNUL = errors.New("kernel: message contains a NUL byte")
	// ErrNotASCII rejects bytes at or above 0x80.
	ErrNotASCII = errors.New("kernel: message is not 7-bit ASCII")
)

// OverflowPolicy decides what happens to a message with more bytes than the
// frame buffer has cells. The emitted routine bounds the cursor at run time
// under every policy.
type OverflowPolicy int

const (
	// OverflowReject refuses to build the routine.
	OverflowReject OverflowPolicy = iota
	// OverflowTruncate drops the bytes past the last cell at build time.
	OverflowTruncate
	// OverflowHalt keeps the message and relies on the run-time bound to
	// stop at the last cell.
	OverflowHalt
)

var overflowNames = map[OverflowPolicy]string{
	OverflowReject:   "reject",
	OverflowTruncate: "truncate",
	OverflowHalt:     "halt",
}

func (p OverflowPolicy) String() string {
	if name, ok := overflowNames[p]; ok {
		return name
	}
	return fmt.Sprintf("overflow(%d)", int(p))
}

// ParseOverflowPolicy accepts the names printed by String. The empty string
// selects OverflowReject.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	if s == "" {
		return OverflowReject, nil
	}
	for p, name := range overflowNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("kernel: unknown overflow policy %q", s)
}

// Config selects what the routine writes.
type Config struct {
	Message   string
	Attribute vga.Attribute
	Overflow  OverflowPolicy
}

// DefaultConfig writes DefaultMessage in light red on black.
func DefaultConfig() Config {
	return Config{
		Message:   DefaultMessage,
		Attribute: vga.DefaultAttribute,
		Overflow:  OverflowReject,
	}
}

// Text validates the message and returns the bytes the routine will write,
// after the overflow policy has been applied.
func (c Config) Text() (string, error) {
	for i := 0; i < len(c.Message); i++ {
		switch b := c.Message[i]; {
		case b == 0:
			return "", fmt.Errorf("%w at offset %d", ErrEmbeddedNUL, i)
		case b >= 0x80:
			return "", fmt.Errorf("%w: byte %#x at offset %d", ErrNotASCII, b, i)
		}
	}

	if len(c.Message) <= vga.Cells {
		return c.Message, nil
	}
	switch c.Overflow {
	case OverflowReject:
		return "", fmt.Errorf("%w: %d bytes, %d cells", ErrMessageTooLong, len(c.Message), vga.Cells)
	case OverflowTruncate:
		return c.Message[:vga.Cells], nil
	case OverflowHalt:
		return c.Message, nil
	default:
		return "", fmt.Errorf("kernel: unknown overflow policy %d", int(c.Overflow))
	}
}

// Cells reports how many cells a run of the routine writes.
func (c Config) Cells() (int, error) {
	text, err := c.Text()
	if err != nil {
		return 0, err
	}
	return min(len(text), vga.Cells), nil
}

// Entry returns the routine as an i386 fragment. It expects the state a
// Multiboot2 loader establishes: flat 32-bit protected mode, no stack. Each
// cell is written with a single 16-bit store of character and attribute.
//
//	cli
//	mov  esi, message
//	mov  edi, 0xb8000
//	mov  ecx, 0xb8000 + 4000
//	write_loop:
//	movzx eax, byte [esi]
//	test eax, eax
//	jz   halt
//	cmp  edi, ecx
//	jae  halt
//	or   eax, attribute << 8
//	mov  word [edi], ax
//	inc  esi
//	add  edi, 2
//	jmp  write_loop
//	halt:
//	cli
//	hlt
//	jmp  halt
func Entry(cfg Config) (asm.Fragment, error) {
	text, err := cfg.Text()
	if err != nil {
		return nil, err
	}

	var (
		src    = i386.Reg32(i386.ESI)
		cursor = i386.Reg32(i386.EDI)
		limit  = i386.Reg32(i386.ECX)
		ch     = i386.Reg32(i386.EAX)
		cell   = i386.Reg16(i386.EAX)
	)

	return asm.Group{
		asm.MarkLabel(LabelEntry),
		i386.Cli(),
		i386.LoadAddress(src, asm.String(text)),
		i386.MovImmediate(cursor, vga.BaseAddress),
		i386.MovImmediate(limit, vga.BaseAddress+vga.Size),

		asm.MarkLabel(LabelLoop),
		i386.MovZX8(ch, i386.Mem(src)),
		i386.TestRegReg(ch, ch),
		i386.JumpIfZero(LabelHalt),
		i386.CmpRegReg(cursor, limit),
		i386.JumpIfAboveOrEqual(LabelHalt),
		i386.OrRegImm(ch, int32(cfg.Attribute)<<8),
		i386.MovToMemory(i386.Mem(cursor), cell),
		i386.Inc(src),
		i386.AddRegImm(cursor, vga.CellSize),
		i386.Jump(LabelLoop),

		asm.MarkLabel(LabelHalt),
		i386.Cli(),
		i386.Hlt(),
		i386.Jump(LabelHalt),
		asm.MarkLabel(LabelEnd),
	}, nil
}

// Program assembles Entry into position-independent code followed by the
// message data.
func Program(cfg Config) (asm.Program, error) {
	frag, err := Entry(cfg)
	if err != nil {
		return asm.Program{}, err
	}
	prog, err := i386.EmitProgram(frag)
	if err != nil {
		return asm.Program{}, fmt.Errorf("assemble entry routine: %w", err)
	}
	return prog, nil
}

// HaltLoop returns the code offsets [start, end) of the halt loop in prog.
func HaltLoop(prog asm.Program) (start, end int, err error) {
	start, ok := prog.LabelOffset(LabelHalt)
	if !ok {
		return 0, 0, fmt.Errorf("kernel: program has no %q label", LabelHalt)
	}
	end, ok = prog.LabelOffset(LabelEnd)
	if !ok {
		return 0, 0, fmt.Errorf("kernel: program has no %q label", LabelEnd)
	}
	return start, end, nil
}
