// Package i386 interprets the flat 32-bit protected-mode subset of x86 that a
// freshly booted Multiboot2 kernel runs before it sets up anything of its
// own: no paging, no segmentation beyond flat 4 GiB descriptors, no
// interrupts.
package i386

import (
	"errors"
	"fmt"
)

// General-purpose registers in hardware encoding order.
const (
	EAX = iota
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI
)

var regNames = [...]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi"}

// EFLAGS bits the interpreter maintains. PF and AF are not modelled.
const (
	FlagCF       uint32 = 1 << 0
	flagReserved uint32 = 1 << 1
	FlagZF       uint32 = 1 << 6
	FlagSF       uint32 = 1 << 7
	FlagIF       uint32 = 1 << 9
	FlagDF       uint32 = 1 << 10
	FlagOF       uint32 = 1 << 11

	arithFlags = FlagCF | FlagZF | FlagSF | FlagOF
)

var (
	// ErrHalted is returned once the processor has executed hlt. With
	// interrupts disabled nothing wakes it, so the state is final.
	ErrHalted = errors.New("i386: processor halted")

	// ErrFault matches every *Fault.
	ErrFault = errors.New("i386: memory fault")

	ErrInvalidOpcode = errors.New("i386: invalid opcode")

	// ErrBudgetExhausted is returned by Run when the instruction budget ran
	// out before the processor halted.
	ErrBudgetExhausted = errors.New("i386: instruction budget exhausted")
)

// Fault is an access to an address no mapping covers.
type Fault struct {
	EIP   uint32
	Addr  uint32
	Size  int
	Write bool
	Fetch bool
}

func (f *Fault) Error() string {
	op := "read"
	switch {
	case f.Fetch:
		op = "fetch"
	case f.Write:
		op = "write"
	}
	return fmt.Sprintf("i386: %s of %d bytes at %#x faulted (eip=%#x)", op, f.Size, f.Addr, f.EIP)
}

func (f *Fault) Unwrap() error { return ErrFault }

// CPU is the architectural state of one processor.
type CPU struct {
	Regs   [8]uint32
	EIP    uint32
	EFLAGS uint32

	// Halted is set by hlt and cleared only by Machine.Wake.
	Halted bool
}

// Reset puts the CPU in the state a Multiboot2 loader hands over, minus the
// loader-specific registers.
func (c *CPU) Reset() {
	*c = CPU{EFLAGS: flagReserved}
}

func (c *CPU) flag(f uint32) bool {
	return c.EFLAGS&f != 0
}

func (c *CPU) setFlag(f uint32, on bool) {
	if on {
		c.EFLAGS |= f
	} else {
		c.EFLAGS &^= f
	}
}

// InterruptsEnabled reports EFLAGS.IF.
func (c *CPU) InterruptsEnabled() bool {
	return c.flag(FlagIF)
}

// reg8 reads an 8-bit register: AL, CL, DL, BL, AH, CH, DH, BH.
func (c *CPU) reg8(n byte) uint8 {
	if n < 4 {
		return uint8(c.Regs[n])
	}
	return uint8(c.Regs[n-4] >> 8)
}

func (c *CPU) setReg8(n byte, v uint8) {
	if n < 4 {
		c.Regs[n] = c.Regs[n]&^0xFF | uint32(v)
		return
	}
	c.Regs[n-4] = c.Regs[n-4]&^0xFF00 | uint32(v)<<8
}

func (c *CPU) String() string {
	s := fmt.Sprintf("eip=%#08x eflags=%#08x", c.EIP, c.EFLAGS)
	for i, v := range c.Regs {
		s += fmt.Sprintf(" %s=%#08x", regNames[i], v)
	}
	return s
}

func signBit(size int) uint32 {
	return 1 << (uint(size)*8 - 1)
}

func mask(size int) uint32 {
	if size == 4 {
		return 0xFFFFFFFF
	}
	return 1<<(uint(size)*8) - 1
}

func (c *CPU) setResultFlags(res uint32, size int) {
	res &= mask(size)
	c.setFlag(FlagZF, res == 0)
	c.setFlag(FlagSF, res&signBit(size) != 0)
}

func (c *CPU) add(a, b uint32, size int) uint32 {
	m := mask(size)
	a, b = a&m, b&m
	res := (a + b) & m
	c.setResultFlags(res, size)
	c.setFlag(FlagCF, uint64(a)+uint64(b) > uint64(m))
	c.setFlag(FlagOF, (a^res)&(b^res)&signBit(size) != 0)
	return res
}

func (c *CPU) sub(a, b uint32, size int) uint32 {
	m := mask(size)
	a, b = a&m, b&m
	res := (a - b) & m
	c.setResultFlags(res, size)
	c.setFlag(FlagCF, a < b)
	c.setFlag(FlagOF, (a^b)&(a^res)&signBit(size) != 0)
	return res
}

func (c *CPU) logic(res uint32, size int) uint32 {
	res &= mask(size)
	c.setResultFlags(res, size)
	c.setFlag(FlagCF, false)
	c.setFlag(FlagOF, false)
	return res
}

// incdec leaves CF untouched.
func (c *CPU) incdec(a uint32, delta int32) uint32 {
	cf := c.flag(FlagCF)
	var res uint32
	if delta > 0 {
		res = c.add(a, 1, 4)
	} else {
		res = c.sub(a, 1, 4)
	}
	c.setFlag(FlagCF, cf)
	return res
}

// condition evaluates the low nibble of a jcc opcode.
func (c *CPU) condition(cc byte) (bool, error) {
	var r bool
	switch cc >> 1 {
	case 0:
		r = c.flag(FlagOF)
	case 1:
		r = c.flag(FlagCF)
	case 2:
		r = c.flag(FlagZF)
	case 3:
		r = c.flag(FlagCF) || c.flag(FlagZF)
	case 4:
		r = c.flag(FlagSF)
	case 5:
		return false, fmt.Errorf("%w: parity condition %#x is not modelled", ErrInvalidOpcode, cc)
	case 6:
		r = c.flag(FlagSF) != c.flag(FlagOF)
	case 7:
		r = c.flag(FlagZF) || c.flag(FlagSF) != c.flag(FlagOF)
	}
	if cc&1 != 0 {
		r = !r
	}
	return r, nil
}
