package i386

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vgaboot/internal/vga"
)

// VGA is the text-mode frame buffer at vga.BaseAddress. The adapter is
// already in 80x25 colour text mode; only the cell memory is modelled.
type VGA struct {
	mem *vga.Buffer
}

func NewVGA() *VGA {
	return &VGA{mem: vga.NewMemory()}
}

// Read implements Device.
func (v *VGA) Read(offset uint32, size int) (uint32, error) {
	if uint64(offset)+uint64(size) > vga.Size {
		return 0, fmt.Errorf("vga read out of bounds: offset=%#x size=%d", offset, size)
	}
	switch size {
	case 1:
		return uint32(v.mem[offset]), nil
	case 2:
		return uint32(binary.LittleEndian.Uint16(v.mem[offset:])), nil
	case 4:
		return binary.LittleEndian.Uint32(v.mem[offset:]), nil
	default:
		return 0, fmt.Errorf("invalid read size: %d", size)
	}
}

// Write implements Device.
func (v *VGA) Write(offset uint32, size int, value uint32) error {
	if uint64(offset)+uint64(size) > vga.Size {
		return fmt.Errorf("vga write out of bounds: offset=%#x size=%d", offset, size)
	}
	switch size {
	case 1:
		v.mem[offset] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(v.mem[offset:], uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(v.mem[offset:], value)
	default:
		return fmt.Errorf("invalid write size: %d", size)
	}
	return nil
}

// Size implements Device.
func (v *VGA) Size() uint32 {
	return vga.Size
}

// FrameBuffer views the device memory as cells.
func (v *VGA) FrameBuffer() *vga.FrameBuffer {
	return vga.NewFrameBuffer(v.mem)
}

// Bytes returns a copy of the device memory.
func (v *VGA) Bytes() []byte {
	return append([]byte(nil), v.mem[:]...)
}
