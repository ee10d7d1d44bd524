// Package i386 emits 32-bit protected-mode x86 machine code from asm
// fragments. Code is position independent except for absolute data
// pointers, which are recorded as 32-bit relocations.
package i386

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/vgaboot/internal/asm"
)

// PointerSize is the width of relocated pointers in i386 programs.
const PointerSize = 4

type rawBytes []byte

func (r rawBytes) Emit(ctx asm.Context) error {
	ctx.EmitBytes(r)
	return nil
}

// Cli clears the interrupt flag.
func Cli() asm.Fragment { return rawBytes{0xFA} }

// Sti sets the interrupt flag.
func Sti() asm.Fragment { return rawBytes{0xFB} }

// Hlt stops the processor until the next interrupt.
func Hlt() asm.Fragment { return rawBytes{0xF4} }

func Nop() asm.Fragment { return rawBytes{0x90} }

func Ret() asm.Fragment { return rawBytes{0xC3} }

type encoded struct {
	encode func() ([]byte, error)
}

func (e *encoded) Emit(ctx asm.Context) error {
	bytes, err := e.encode()
	if err != nil {
		return err
	}
	ctx.EmitBytes(bytes)
	return nil
}

func fragment(encode func() ([]byte, error)) asm.Fragment {
	return &encoded{encode: encode}
}

// MovImmediate loads an immediate into a 32- or 8-bit register.
func MovImmediate(dst Reg, value uint32) asm.Fragment {
	return fragment(func() ([]byte, error) { return encodeMovImm(dst, value) })
}

func MovReg(dst, src Reg) asm.Fragment {
	return fragment(func() ([]byte, error) {
		if dst.size == size8 {
			return encodeRegReg(0x88, dst, src, size8)
		}
		return encodeRegReg(0x89, dst, src, size32)
	})
}

// MovFromMemory loads a 32-bit value.
func MovFromMemory(dst Reg, m Memory) asm.Fragment {
	return fragment(func() ([]byte, error) { return encodeRegMem([]byte{0x8B}, dst, m, size32) })
}

// MovToMemory stores a register. The register width selects a byte, word or
// doubleword store.
func MovToMemory(m Memory, src Reg) asm.Fragment {
	return fragment(func() ([]byte, error) {
		switch src.size {
		case size8:
			return encodeRegMem([]byte{0x88}, src, m, size8)
		case size16:
			return encodeRegMem([]byte{operandSizePrefix, 0x89}, src, m, size16)
		default:
			return encodeRegMem([]byte{0x89}, src, m, size32)
		}
	})
}

// MovZX8 loads a byte and zero-extends it into a 32-bit register.
func MovZX8(dst Reg, m Memory) asm.Fragment {
	return fragment(func() ([]byte, error) { return encodeRegMem([]byte{0x0F, 0xB6}, dst, m, size32) })
}

// StoreByteImm stores an 8-bit immediate.
func StoreByteImm(m Memory, value byte) asm.Fragment {
	return fragment(func() ([]byte, error) {
		out, err := encodeMem(0, m)
		if err != nil {
			return nil, err
		}
		return append(append([]byte{0xC6}, out...), value), nil
	})
}

func AddRegImm(dst Reg, imm int32) asm.Fragment {
	return fragment(func() ([]byte, error) { return encodeALUImm(0, dst, imm) })
}

func OrRegImm(dst Reg, imm int32) asm.Fragment {
	return fragment(func() ([]byte, error) { return encodeALUImm(1, dst, imm) })
}

func AndRegImm(dst Reg, imm int32) asm.Fragment {
	return fragment(func() ([]byte, error) { return encodeALUImm(4, dst, imm) })
}

func SubRegImm(dst Reg, imm int32) asm.Fragment {
	return fragment(func() ([]byte, error) { return encodeALUImm(5, dst, imm) })
}

func CmpRegImm(dst Reg, imm int32) asm.Fragment {
	return fragment(func() ([]byte, error) { return encodeALUImm(7, dst, imm) })
}

func AddRegReg(dst, src Reg) asm.Fragment {
	return fragment(func() ([]byte, error) { return encodeRegReg(0x01, dst, src, size32) })
}

func SubRegReg(dst, src Reg) asm.Fragment {
	return fragment(func() ([]byte, error) { return encodeRegReg(0x29, dst, src, size32) })
}

func XorRegReg(dst, src Reg) asm.Fragment {
	return fragment(func() ([]byte, error) { return encodeRegReg(0x31, dst, src, size32) })
}

// CmpRegReg sets flags for a - b.
func CmpRegReg(a, b Reg) asm.Fragment {
	return fragment(func() ([]byte, error) { return encodeRegReg(0x39, a, b, size32) })
}

// TestRegReg sets flags for a & b. Both operands share one width.
func TestRegReg(a, b Reg) asm.Fragment {
	return fragment(func() ([]byte, error) {
		if a.size == size8 {
			return encodeRegReg(0x84, a, b, size8)
		}
		return encodeRegReg(0x85, a, b, size32)
	})
}

func Inc(r Reg) asm.Fragment {
	return fragment(func() ([]byte, error) { return encodeIncDec(0x40, r) })
}

func Dec(r Reg) asm.Fragment {
	return fragment(func() ([]byte, error) { return encodeIncDec(0x48, r) })
}

func Push(r Reg) asm.Fragment {
	return fragment(func() ([]byte, error) { return encodeIncDec(0x50, r) })
}

func Pop(r Reg) asm.Fragment {
	return fragment(func() ([]byte, error) { return encodeIncDec(0x58, r) })
}

// LoadAddress loads the absolute address of a literal into dst. The literal
// is placed in the data area after the code and the immediate is relocated.
func LoadAddress(dst Reg, value asm.Value) asm.Fragment {
	return &loadAddress{dst: dst, value: value}
}

type loadAddress struct {
	dst   Reg
	value asm.Value
}

func (l *loadAddress) Emit(_ctx asm.Context) error {
	ctx, ok := _ctx.(*Context)
	if !ok {
		return fmt.Errorf("i386: LoadAddress needs an i386 context")
	}
	if err := l.dst.checkWidth(size32); err != nil {
		return err
	}

	var loc constantLocation
	switch v := l.value.(type) {
	case asm.LiteralValue:
		loc = constantLocation{section: sectionLiteral, offset: ctx.literalOffset(v)}
	case asm.Variable:
		found, ok := ctx.constLocations[v]
		if !ok {
			return fmt.Errorf("i386: no data bound to variable %d", v)
		}
		loc = found
	default:
		return fmt.Errorf("i386: unsupported address operand %T", l.value)
	}

	bytes, err := encodeMovImm(l.dst, 0)
	if err != nil {
		return err
	}
	pos := len(ctx.text) + 1
	ctx.EmitBytes(bytes)
	ctx.patches = append(ctx.patches, patch{pos: pos, target: loc})
	return nil
}

// LoadConstantBytes binds target to a data blob usable with LoadAddress.
func LoadConstantBytes(target asm.Variable, data []byte) asm.Fragment {
	return &loadConstant{target: target, data: append([]byte(nil), data...)}
}

type loadConstant struct {
	target asm.Variable
	data   []byte
}

func (l *loadConstant) Emit(ctx asm.Context) error {
	ctx.AddConstant(l.target, l.data)
	return nil
}

// Align pads the code with nops up to a multiple of n bytes.
func Align(n int) asm.Fragment {
	return &align{n: n}
}

type align struct {
	n int
}

func (a *align) Emit(_ctx asm.Context) error {
	ctx, ok := _ctx.(*Context)
	if !ok {
		return fmt.Errorf("i386: Align needs an i386 context")
	}
	if a.n <= 0 || a.n&(a.n-1) != 0 {
		return fmt.Errorf("i386: alignment %d is not a power of two", a.n)
	}
	for len(ctx.text)%a.n != 0 {
		ctx.text = append(ctx.text, 0x90)
	}
	return nil
}

type jumpKind int

const (
	jumpAlways jumpKind = iota
	jumpEqual
	jumpNotEqual
	jumpBelow
	jumpAboveOrEqual
	jumpBelowOrEqual
	jumpAbove
	jumpSign
	jumpLess
	jumpGreaterOrEqual
	jumpLessOrEqual
	jumpGreater
)

var jccOpcodes = map[jumpKind]byte{
	jumpEqual:          0x84,
	jumpNotEqual:       0x85,
	jumpBelow:          0x82,
	jumpAboveOrEqual:   0x83,
	jumpBelowOrEqual:   0x86,
	jumpAbove:          0x87,
	jumpSign:           0x88,
	jumpLess:           0x8C,
	jumpGreaterOrEqual: 0x8D,
	jumpLessOrEqual:    0x8E,
	jumpGreater:        0x8F,
}

type jump struct {
	label asm.Label
	kind  jumpKind
}

func Jump(label asm.Label) asm.Fragment           { return &jump{label: label, kind: jumpAlways} }
func JumpIfZero(label asm.Label) asm.Fragment     { return &jump{label: label, kind: jumpEqual} }
func JumpIfEqual(label asm.Label) asm.Fragment    { return &jump{label: label, kind: jumpEqual} }
func JumpIfNotEqual(label asm.Label) asm.Fragment { return &jump{label: label, kind: jumpNotEqual} }
func JumpIfBelow(label asm.Label) asm.Fragment    { return &jump{label: label, kind: jumpBelow} }
func JumpIfAboveOrEqual(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpAboveOrEqual}
}
func JumpIfBelowOrEqual(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpBelowOrEqual}
}
func JumpIfAbove(label asm.Label) asm.Fragment    { return &jump{label: label, kind: jumpAbove} }
func JumpIfNegative(label asm.Label) asm.Fragment { return &jump{label: label, kind: jumpSign} }
func JumpIfLess(label asm.Label) asm.Fragment     { return &jump{label: label, kind: jumpLess} }
func JumpIfGreater(label asm.Label) asm.Fragment  { return &jump{label: label, kind: jumpGreater} }

func (j *jump) Emit(_ctx asm.Context) error {
	ctx, ok := _ctx.(*Context)
	if !ok {
		return fmt.Errorf("i386: jump needs an i386 context")
	}
	if j.kind == jumpAlways {
		ctx.text = append(ctx.text, 0xE9)
	} else {
		op, ok := jccOpcodes[j.kind]
		if !ok {
			return fmt.Errorf("i386: unsupported jump kind %d", j.kind)
		}
		ctx.text = append(ctx.text, 0x0F, op)
	}
	ctx.jumps = append(ctx.jumps, jumpPatch{label: j.label, pos: len(ctx.text)})
	ctx.text = append(ctx.text, 0, 0, 0, 0)
	return nil
}

// Call pushes the return address and jumps to label.
func Call(label asm.Label) asm.Fragment {
	return &call{label: label}
}

type call struct {
	label asm.Label
}

func (c *call) Emit(_ctx asm.Context) error {
	ctx, ok := _ctx.(*Context)
	if !ok {
		return fmt.Errorf("i386: call needs an i386 context")
	}
	ctx.text = append(ctx.text, 0xE8)
	ctx.jumps = append(ctx.jumps, jumpPatch{label: c.label, pos: len(ctx.text)})
	ctx.text = append(ctx.text, 0, 0, 0, 0)
	return nil
}

func EmitProgram(fragment asm.Fragment) (asm.Program, error) {
	ctx := newContext()
	if err := fragment.Emit(ctx); err != nil {
		return asm.Program{}, err
	}
	return ctx.finalize()
}

func EmitBytes(fragment asm.Fragment) ([]byte, error) {
	prog, err := EmitProgram(fragment)
	if err != nil {
		return nil, err
	}
	return prog.Bytes(), nil
}

type dataSection int

const (
	sectionLiteral dataSection = iota
	sectionConst
)

type constantLocation struct {
	section dataSection
	offset  int
}

type patch struct {
	pos    int
	target constantLocation
}

type jumpPatch struct {
	label asm.Label
	pos   int
}

type Context struct {
	text           []byte
	literalData    []byte
	constData      []byte
	literals       map[string]int
	constLocations map[asm.Variable]constantLocation
	labels         map[asm.Label]int
	jumps          []jumpPatch
	patches        []patch
}

func newContext() *Context {
	return &Context{
		literals:       make(map[string]int),
		constLocations: make(map[asm.Variable]constantLocation),
		labels:         make(map[asm.Label]int),
	}
}

func (c *Context) GetLabel(label asm.Label) (int, bool) {
	pos, ok := c.labels[label]
	return pos, ok
}

func (c *Context) SetLabel(label asm.Label) {
	c.labels[label] = len(c.text)
}

func (c *Context) AddConstant(target asm.Variable, data []byte) {
	c.constLocations[target] = constantLocation{section: sectionConst, offset: len(c.constData)}
	c.constData = append(c.constData, data...)
}

func (c *Context) EmitBytes(code []byte) {
	c.text = append(c.text, code...)
}

func (c *Context) literalOffset(l asm.LiteralValue) int {
	key := string(l.Data)
	if l.ZeroTerm {
		key += "\x00"
	}
	if offset, ok := c.literals[key]; ok {
		return offset
	}
	offset := len(c.literalData)
	c.literalData = append(c.literalData, key...)
	c.literals[key] = offset
	return offset
}

func (c *Context) finalize() (asm.Program, error) {
	for len(c.text)%PointerSize != 0 {
		c.text = append(c.text, 0x90)
	}

	dataBase := len(c.text)
	literalLen := len(c.literalData)

	relocations := make([]int, 0, len(c.patches))
	for _, p := range c.patches {
		absolute := dataBase + p.target.offset
		if p.target.section == sectionConst {
			absolute += literalLen
		}
		if uint64(absolute) > math.MaxUint32 || p.pos+PointerSize > len(c.text) {
			return asm.Program{}, fmt.Errorf("i386: data patch at %#x out of range", p.pos)
		}
		binary.LittleEndian.PutUint32(c.text[p.pos:], uint32(absolute))
		relocations = append(relocations, p.pos)
	}

	for _, j := range c.jumps {
		target, ok := c.labels[j.label]
		if !ok {
			return asm.Program{}, fmt.Errorf("undefined label %q", j.label)
		}
		rel := target - (j.pos + 4)
		if rel < math.MinInt32 || rel > math.MaxInt32 {
			return asm.Program{}, fmt.Errorf("jump to label %q out of range", j.label)
		}
		binary.LittleEndian.PutUint32(c.text[j.pos:], uint32(int32(rel)))
	}

	code := append(c.text, c.literalData...)
	code = append(code, c.constData...)
	return asm.NewProgram(code, relocations, c.labels, PointerSize), nil
}
