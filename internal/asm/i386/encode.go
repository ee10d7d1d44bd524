package i386

import (
	"encoding/binary"
	"fmt"
	"math"
)

func modRMReg(reg, rm byte) byte {
	return 0xC0 | reg<<3 | rm
}

// encodeMem returns the ModRM byte and any SIB/displacement bytes for a
// memory operand. reg is the register or opcode extension field.
func encodeMem(reg byte, m Memory) ([]byte, error) {
	if !m.hasBase {
		out := []byte{reg<<3 | 0x05}
		return binary.LittleEndian.AppendUint32(out, uint32(m.disp)), nil
	}
	if err := m.base.checkWidth(size32); err != nil {
		return nil, err
	}
	base, err := m.base.code()
	if err != nil {
		return nil, err
	}

	var mod byte
	switch {
	case m.disp == 0 && base != byte(EBP):
		mod = 0x00
	case m.disp >= math.MinInt8 && m.disp <= math.MaxInt8:
		mod = 0x40
	default:
		mod = 0x80
	}

	out := []byte{mod | reg<<3 | base}
	if base == byte(ESP) {
		out = append(out, 0x24)
	}
	switch mod {
	case 0x40:
		out = append(out, byte(int8(m.disp)))
	case 0x80:
		out = binary.LittleEndian.AppendUint32(out, uint32(m.disp))
	}
	return out, nil
}

func encodeRegReg(opcode byte, dst, src Reg, size operandSize) ([]byte, error) {
	if err := dst.checkWidth(size); err != nil {
		return nil, err
	}
	if err := src.checkWidth(size); err != nil {
		return nil, err
	}
	d, err := dst.code()
	if err != nil {
		return nil, err
	}
	s, err := src.code()
	if err != nil {
		return nil, err
	}
	return []byte{opcode, modRMReg(s, d)}, nil
}

func encodeRegMem(opcode []byte, reg Reg, m Memory, size operandSize) ([]byte, error) {
	if err := reg.checkWidth(size); err != nil {
		return nil, err
	}
	r, err := reg.code()
	if err != nil {
		return nil, err
	}
	modrm, err := encodeMem(r, m)
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), opcode...), modrm...), nil
}

func encodeMovImm(dst Reg, value uint32) ([]byte, error) {
	code, err := dst.code()
	if err != nil {
		return nil, err
	}
	if dst.size == size8 {
		if value > math.MaxUint8 {
			return nil, fmt.Errorf("i386: immediate %#x does not fit %s", value, dst)
		}
		return []byte{0xB0 + code, byte(value)}, nil
	}
	if dst.size == size16 {
		if value > math.MaxUint16 {
			return nil, fmt.Errorf("i386: immediate %#x does not fit %s", value, dst)
		}
		return binary.LittleEndian.AppendUint16([]byte{operandSizePrefix, 0xB8 + code}, uint16(value)), nil
	}
	return binary.LittleEndian.AppendUint32([]byte{0xB8 + code}, value), nil
}

// operandSizePrefix switches the following instruction to 16-bit operands.
const operandSizePrefix = 0x66

// encodeALUImm encodes the 0x83/0x81 group: ext selects add (0), or (1),
// and (4), sub (5) or cmp (7).
func encodeALUImm(ext byte, dst Reg, imm int32) ([]byte, error) {
	if err := dst.checkWidth(size32); err != nil {
		return nil, err
	}
	code, err := dst.code()
	if err != nil {
		return nil, err
	}
	if imm >= math.MinInt8 && imm <= math.MaxInt8 {
		return []byte{0x83, modRMReg(ext, code), byte(int8(imm))}, nil
	}
	return binary.LittleEndian.AppendUint32([]byte{0x81, modRMReg(ext, code)}, uint32(imm)), nil
}

func encodeIncDec(base byte, r Reg) ([]byte, error) {
	if err := r.checkWidth(size32); err != nil {
		return nil, err
	}
	code, err := r.code()
	if err != nil {
		return nil, err
	}
	return []byte{base + code}, nil
}
