package i386

import (
	"errors"
	"fmt"
)

// decoder fetches instruction bytes starting at start.
type decoder struct {
	m     *Machine
	start uint32
	eip   uint32
	// word is set by the 0x66 prefix.
	word bool
}

func (d *decoder) u8() (byte, error) {
	v, err := d.m.Bus.Read(d.eip, 1)
	if err != nil {
		var f *Fault
		if errors.As(err, &f) {
			f.Fetch = true
			f.EIP = d.start
		}
		return 0, err
	}
	d.eip++
	return byte(v), nil
}

func (d *decoder) u32() (uint32, error) {
	var v uint32
	for i := 0; i < 4; i++ {
		b, err := d.u8()
		if err != nil {
			return 0, err
		}
		v |= uint32(b) << (8 * i)
	}
	return v, nil
}

func (d *decoder) s8() (int32, error) {
	b, err := d.u8()
	return int32(int8(b)), err
}

// operandSize returns the width of an instruction whose byte form is
// selected by byteForm; otherwise the 0x66 prefix picks 16 over 32 bits.
func (d *decoder) operandSize(byteForm bool) int {
	switch {
	case byteForm:
		return 1
	case d.word:
		return 2
	default:
		return 4
	}
}

// imm reads an immediate of the operand size.
func (d *decoder) imm(size int) (uint32, error) {
	switch size {
	case 1:
		b, err := d.u8()
		return uint32(b), err
	case 2:
		lo, err := d.u8()
		if err != nil {
			return 0, err
		}
		hi, err := d.u8()
		return uint32(lo) | uint32(hi)<<8, err
	default:
		return d.u32()
	}
}

type modRM struct {
	mod, reg, rm byte
	addr         uint32
}

func (o modRM) isReg() bool { return o.mod == 3 }

func (d *decoder) modRM() (modRM, error) {
	b, err := d.u8()
	if err != nil {
		return modRM{}, err
	}
	op := modRM{mod: b >> 6, reg: b >> 3 & 7, rm: b & 7}
	if op.isReg() {
		return op, nil
	}

	regs := &d.m.CPU.Regs
	switch {
	case op.rm == 4:
		sib, err := d.u8()
		if err != nil {
			return modRM{}, err
		}
		scale, index, base := sib>>6, sib>>3&7, sib&7
		if base == 5 && op.mod == 0 {
			if op.addr, err = d.u32(); err != nil {
				return modRM{}, err
			}
		} else {
			op.addr = regs[base]
		}
		if index != 4 {
			op.addr += regs[index] << scale
		}
	case op.rm == 5 && op.mod == 0:
		if op.addr, err = d.u32(); err != nil {
			return modRM{}, err
		}
	default:
		op.addr = regs[op.rm]
	}

	switch op.mod {
	case 1:
		disp, err := d.s8()
		if err != nil {
			return modRM{}, err
		}
		op.addr += uint32(disp)
	case 2:
		disp, err := d.u32()
		if err != nil {
			return modRM{}, err
		}
		op.addr += disp
	}
	return op, nil
}

func (m *Machine) readReg(n byte, size int) uint32 {
	switch size {
	case 1:
		return uint32(m.CPU.reg8(n))
	case 2:
		return m.CPU.Regs[n] & 0xFFFF
	default:
		return m.CPU.Regs[n]
	}
}

func (m *Machine) writeReg(n byte, size int, v uint32) {
	switch size {
	case 1:
		m.CPU.setReg8(n, uint8(v))
	case 2:
		m.CPU.Regs[n] = m.CPU.Regs[n]&^0xFFFF | v&0xFFFF
	default:
		m.CPU.Regs[n] = v
	}
}

func (m *Machine) readRM(op modRM, size int) (uint32, error) {
	if op.isReg() {
		return m.readReg(op.rm, size), nil
	}
	return m.load(op.addr, size)
}

func (m *Machine) writeRM(op modRM, size int, v uint32) error {
	if op.isReg() {
		m.writeReg(op.rm, size, v)
		return nil
	}
	return m.store(op.addr, size, v)
}

func (m *Machine) push(v uint32) error {
	sp := m.CPU.Regs[ESP] - 4
	if err := m.store(sp, 4, v); err != nil {
		return err
	}
	m.CPU.Regs[ESP] = sp
	return nil
}

func (m *Machine) pop() (uint32, error) {
	v, err := m.load(m.CPU.Regs[ESP], 4)
	if err != nil {
		return 0, err
	}
	m.CPU.Regs[ESP] += 4
	return v, nil
}

// alu applies one of the eight classic arithmetic operations selected by
// bits 3-5 of the opcode or the ModRM reg field. cmp reports write=false.
func (m *Machine) alu(kind byte, a, b uint32, size int) (res uint32, write bool, err error) {
	c := &m.CPU
	switch kind {
	case 0:
		return c.add(a, b, size), true, nil
	case 1:
		return c.logic(a|b, size), true, nil
	case 4:
		return c.logic(a&b, size), true, nil
	case 5:
		return c.sub(a, b, size), true, nil
	case 6:
		return c.logic(a^b, size), true, nil
	case 7:
		c.sub(a, b, size)
		return 0, false, nil
	default:
		// adc and sbb
		return 0, false, fmt.Errorf("%w: arithmetic group %d", ErrInvalidOpcode, kind)
	}
}

// wordOpcode reports whether op honours the operand-size prefix here.
func wordOpcode(op byte) bool {
	switch {
	case op < 0x40 && op&7 < 6 && op&1 == 1:
		return true
	case op >= 0xB8 && op <= 0xBF:
		return true
	}
	switch op {
	case 0x81, 0x83, 0x85, 0x89, 0x8B, 0xA9, 0xC7:
		return true
	}
	return false
}

func (m *Machine) invalid(start uint32, op ...byte) error {
	return fmt.Errorf("%w % x at %#x", ErrInvalidOpcode, op, start)
}

// execute decodes and runs one instruction and returns the next EIP.
func (m *Machine) execute(d *decoder) (uint32, error) {
	c := &m.CPU
	op, err := d.u8()
	if err != nil {
		return 0, err
	}
	if op == 0x66 {
		d.word = true
		if op, err = d.u8(); err != nil {
			return 0, err
		}
		if !wordOpcode(op) {
			return 0, m.invalid(d.start, 0x66, op)
		}
	}

	switch {
	// add/or/and/sub/xor/cmp in their six register/memory/accumulator forms.
	case op < 0x40 && op&7 < 6:
		kind := op >> 3
		size := d.operandSize(op&1 == 0)
		switch op & 7 {
		case 0, 1, 2, 3:
			rm, err := d.modRM()
			if err != nil {
				return 0, err
			}
			mem, err := m.readRM(rm, size)
			if err != nil {
				return 0, err
			}
			reg := m.readReg(rm.reg, size)
			if op&2 == 0 {
				res, write, err := m.alu(kind, mem, reg, size)
				if err != nil {
					return 0, err
				}
				if write {
					if err := m.writeRM(rm, size, res); err != nil {
						return 0, err
					}
				}
			} else {
				res, write, err := m.alu(kind, reg, mem, size)
				if err != nil {
					return 0, err
				}
				if write {
					m.writeReg(rm.reg, size, res)
				}
			}
		case 4, 5:
			imm, err := d.imm(size)
			if err != nil {
				return 0, err
			}
			res, write, err := m.alu(kind, m.readReg(EAX, size), imm, size)
			if err != nil {
				return 0, err
			}
			if write {
				m.writeReg(EAX, size, res)
			}
		}

	case op >= 0x40 && op <= 0x4F:
		n := op & 7
		delta := int32(1)
		if op >= 0x48 {
			delta = -1
		}
		c.Regs[n] = c.incdec(c.Regs[n], delta)

	case op >= 0x50 && op <= 0x57:
		if err := m.push(c.Regs[op&7]); err != nil {
			return 0, err
		}

	case op >= 0x58 && op <= 0x5F:
		v, err := m.pop()
		if err != nil {
			return 0, err
		}
		c.Regs[op&7] = v

	case op == 0x68 || op == 0x6A:
		var v uint32
		if op == 0x68 {
			v, err = d.u32()
		} else {
			var s int32
			s, err = d.s8()
			v = uint32(s)
		}
		if err != nil {
			return 0, err
		}
		if err := m.push(v); err != nil {
			return 0, err
		}

	case op >= 0x70 && op <= 0x7F:
		rel, err := d.s8()
		if err != nil {
			return 0, err
		}
		taken, err := c.condition(op & 0xF)
		if err != nil {
			return 0, err
		}
		if taken {
			return d.eip + uint32(rel), nil
		}

	case op == 0x80 || op == 0x81 || op == 0x83:
		size := d.operandSize(op == 0x80)
		rm, err := d.modRM()
		if err != nil {
			return 0, err
		}
		var imm uint32
		if op == 0x83 {
			s, err := d.s8()
			if err != nil {
				return 0, err
			}
			imm = uint32(s)
		} else if imm, err = d.imm(size); err != nil {
			return 0, err
		}
		a, err := m.readRM(rm, size)
		if err != nil {
			return 0, err
		}
		res, write, err := m.alu(rm.reg, a, imm, size)
		if err != nil {
			return 0, err
		}
		if write {
			if err := m.writeRM(rm, size, res); err != nil {
				return 0, err
			}
		}

	case op == 0x84 || op == 0x85:
		size := d.operandSize(op == 0x84)
		rm, err := d.modRM()
		if err != nil {
			return 0, err
		}
		a, err := m.readRM(rm, size)
		if err != nil {
			return 0, err
		}
		c.logic(a&m.readReg(rm.reg, size), size)

	case op >= 0x88 && op <= 0x8B:
		size := d.operandSize(op&1 == 0)
		rm, err := d.modRM()
		if err != nil {
			return 0, err
		}
		if op&2 == 0 {
			if err := m.writeRM(rm, size, m.readReg(rm.reg, size)); err != nil {
				return 0, err
			}
		} else {
			v, err := m.readRM(rm, size)
			if err != nil {
				return 0, err
			}
			m.writeReg(rm.reg, size, v)
		}

	case op == 0x8D:
		rm, err := d.modRM()
		if err != nil {
			return 0, err
		}
		if rm.isReg() {
			return 0, m.invalid(d.start, op, 0xC0|rm.reg<<3|rm.rm)
		}
		c.Regs[rm.reg] = rm.addr

	case op == 0x90:

	case op == 0xA8 || op == 0xA9:
		size := d.operandSize(op == 0xA8)
		imm, err := d.imm(size)
		if err != nil {
			return 0, err
		}
		c.logic(m.readReg(EAX, size)&imm, size)

	case op >= 0xB0 && op <= 0xBF:
		size := d.operandSize(op < 0xB8)
		imm, err := d.imm(size)
		if err != nil {
			return 0, err
		}
		m.writeReg(op&7, size, imm)

	case op == 0xC3:
		v, err := m.pop()
		if err != nil {
			return 0, err
		}
		return v, nil

	case op == 0xC6 || op == 0xC7:
		size := d.operandSize(op == 0xC6)
		rm, err := d.modRM()
		if err != nil {
			return 0, err
		}
		if rm.reg != 0 {
			return 0, m.invalid(d.start, op)
		}
		imm, err := d.imm(size)
		if err != nil {
			return 0, err
		}
		if err := m.writeRM(rm, size, imm); err != nil {
			return 0, err
		}

	case op == 0xE8:
		rel, err := d.u32()
		if err != nil {
			return 0, err
		}
		if err := m.push(d.eip); err != nil {
			return 0, err
		}
		return d.eip + rel, nil

	case op == 0xE9:
		rel, err := d.u32()
		if err != nil {
			return 0, err
		}
		return d.eip + rel, nil

	case op == 0xEB:
		rel, err := d.s8()
		if err != nil {
			return 0, err
		}
		return d.eip + uint32(rel), nil

	case op == 0xF4:
		c.Halted = true

	case op == 0xFA:
		c.setFlag(FlagIF, false)
	case op == 0xFB:
		c.setFlag(FlagIF, true)
	case op == 0xFC:
		c.setFlag(FlagDF, false)
	case op == 0xFD:
		c.setFlag(FlagDF, true)

	case op == 0xFE || op == 0xFF:
		return m.executeGroup5(d, op)

	case op == 0x0F:
		return m.executeTwoByte(d)

	default:
		return 0, m.invalid(d.start, op)
	}
	return d.eip, nil
}

// executeGroup5 handles inc/dec on r/m and the indirect call, jmp and push.
func (m *Machine) executeGroup5(d *decoder, op byte) (uint32, error) {
	c := &m.CPU
	size := 4
	if op == 0xFE {
		size = 1
	}
	rm, err := d.modRM()
	if err != nil {
		return 0, err
	}
	if op == 0xFE && rm.reg > 1 {
		return 0, m.invalid(d.start, op)
	}

	switch rm.reg {
	case 0, 1:
		v, err := m.readRM(rm, size)
		if err != nil {
			return 0, err
		}
		cf := c.flag(FlagCF)
		if rm.reg == 0 {
			v = c.add(v, 1, size)
		} else {
			v = c.sub(v, 1, size)
		}
		c.setFlag(FlagCF, cf)
		if err := m.writeRM(rm, size, v); err != nil {
			return 0, err
		}
	case 2, 4:
		target, err := m.readRM(rm, 4)
		if err != nil {
			return 0, err
		}
		if rm.reg == 2 {
			if err := m.push(d.eip); err != nil {
				return 0, err
			}
		}
		return target, nil
	case 6:
		v, err := m.readRM(rm, 4)
		if err != nil {
			return 0, err
		}
		if err := m.push(v); err != nil {
			return 0, err
		}
	default:
		return 0, m.invalid(d.start, op)
	}
	return d.eip, nil
}

func (m *Machine) executeTwoByte(d *decoder) (uint32, error) {
	op, err := d.u8()
	if err != nil {
		return 0, err
	}

	switch {
	case op >= 0x80 && op <= 0x8F:
		rel, err := d.u32()
		if err != nil {
			return 0, err
		}
		taken, err := m.CPU.condition(op & 0xF)
		if err != nil {
			return 0, err
		}
		if taken {
			return d.eip + rel, nil
		}

	case op == 0xB6 || op == 0xB7:
		size := 1
		if op == 0xB7 {
			size = 2
		}
		rm, err := d.modRM()
		if err != nil {
			return 0, err
		}
		v, err := m.readRM(rm, size)
		if err != nil {
			return 0, err
		}
		m.CPU.Regs[rm.reg] = v

	case op == 0x1F:
		// multi-byte nop
		if _, err := d.modRM(); err != nil {
			return 0, err
		}

	default:
		return 0, m.invalid(d.start, 0x0F, op)
	}
	return d.eip, nil
}
