// Package asm is the architecture-neutral half of the machine-code emitter:
// fragments, labels and the finished Program with its relocations.
package asm

import (
	"encoding/binary"
	"fmt"
)

// Value is an operand that resolves to an address at emit time: a Variable
// bound to constant data, or a LiteralValue placed in the literal pool.
type Value interface{}

// Variable names a register or a constant slot, depending on the backend.
type Variable int

var _ Value = Variable(0)

type Context interface {
	AddConstant(target Variable, data []byte)
	EmitBytes(data []byte)

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Label string

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

// Program is position-independent output: code followed by data, with the
// offsets of absolute pointers that must be rebased at load time.
type Program struct {
	code        []byte
	relocations []int
	labels      map[Label]int
	ptrSize     int
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Len() int {
	return len(p.code)
}

func (p Program) Relocations() []int {
	return append([]int(nil), p.relocations...)
}

// PointerSize is the width in bytes of every relocated pointer.
func (p Program) PointerSize() int {
	return p.ptrSize
}

// LabelOffset returns the code offset a label was bound to.
func (p Program) LabelOffset(label Label) (int, bool) {
	off, ok := p.labels[label]
	return off, ok
}

// RelocatedCopy returns the program bytes with every relocation rebased to
// base. Relocations that do not fit the program are an error.
func (p Program) RelocatedCopy(base uint64) ([]byte, error) {
	out := append([]byte(nil), p.code...)
	for _, off := range p.relocations {
		if off < 0 || off+p.ptrSize > len(out) {
			return nil, fmt.Errorf("relocation at %#x outside program of %d bytes", off, len(out))
		}
		switch p.ptrSize {
		case 4:
			val := uint64(binary.LittleEndian.Uint32(out[off:])) + base
			if val > 0xFFFFFFFF {
				return nil, fmt.Errorf("relocation at %#x overflows 32 bits: %#x", off, val)
			}
			binary.LittleEndian.PutUint32(out[off:], uint32(val))
		case 8:
			val := binary.LittleEndian.Uint64(out[off:])
			binary.LittleEndian.PutUint64(out[off:], val+base)
		default:
			return nil, fmt.Errorf("unsupported pointer size %d", p.ptrSize)
		}
	}
	return out, nil
}

func NewProgram(code []byte, relocations []int, labels map[Label]int, ptrSize int) Program {
	copied := make(map[Label]int, len(labels))
	for k, v := range labels {
		copied[k] = v
	}
	return Program{
		code:        append([]byte(nil), code...),
		relocations: append([]int(nil), relocations...),
		labels:      copied,
		ptrSize:     ptrSize,
	}
}

func String(s string) Value {
	return LiteralValue{
		Data:     append([]byte(nil), []byte(s)...),
		ZeroTerm: true,
	}
}

type LiteralValue struct {
	Data     []byte
	ZeroTerm bool
}

var _ Value = LiteralValue{}
