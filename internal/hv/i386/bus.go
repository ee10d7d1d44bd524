package i386

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Device is a memory-mapped region of the physical address space.
type Device interface {
	// Read reads size bytes (1, 2 or 4) at offset.
	Read(offset uint32, size int) (uint32, error)
	// Write writes size bytes (1, 2 or 4) at offset.
	Write(offset uint32, size int, value uint32) error
	// Size returns the size of the device's address space.
	Size() uint32
}

// MemoryRegion is a contiguous block of RAM.
type MemoryRegion struct {
	Data []byte
	free func() error
}

// NewMemoryRegion allocates size bytes of zeroed guest RAM.
func NewMemoryRegion(size uint32) (*MemoryRegion, error) {
	data, free, err := allocRAM(int(size))
	if err != nil {
		return nil, fmt.Errorf("allocate %d bytes of guest RAM: %w", size, err)
	}
	return &MemoryRegion{Data: data, free: free}, nil
}

// Read implements Device.
func (m *MemoryRegion) Read(offset uint32, size int) (uint32, error) {
	if uint64(offset)+uint64(size) > uint64(len(m.Data)) {
		return 0, fmt.Errorf("memory read out of bounds: offset=%#x size=%d len=%d", offset, size, len(m.Data))
	}
	switch size {
	case 1:
		return uint32(m.Data[offset]), nil
	case 2:
		return uint32(binary.LittleEndian.Uint16(m.Data[offset:])), nil
	case 4:
		return binary.LittleEndian.Uint32(m.Data[offset:]), nil
	default:
		return 0, fmt.Errorf("invalid read size: %d", size)
	}
}

// Write implements Device.
func (m *MemoryRegion) Write(offset uint32, size int, value uint32) error {
	if uint64(offset)+uint64(size) > uint64(len(m.Data)) {
		return fmt.Errorf("memory write out of bounds: offset=%#x size=%d len=%d", offset, size, len(m.Data))
	}
	switch size {
	case 1:
		m.Data[offset] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(m.Data[offset:], uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(m.Data[offset:], value)
	default:
		return fmt.Errorf("invalid write size: %d", size)
	}
	return nil
}

// Size implements Device.
func (m *MemoryRegion) Size() uint32 {
	return uint32(len(m.Data))
}

// Close releases the backing allocation.
func (m *MemoryRegion) Close() error {
	if m.free == nil {
		return nil
	}
	free := m.free
	m.free = nil
	m.Data = nil
	return free()
}

// DeviceMapping maps a device to an address range.
type DeviceMapping struct {
	Name   string
	Base   uint32
	Size   uint32
	Device Device
}

func (d DeviceMapping) end() uint64 {
	return uint64(d.Base) + uint64(d.Size)
}

// Bus routes physical addresses to RAM and devices. Addresses that no
// mapping covers fault.
type Bus struct {
	Mappings []DeviceMapping
}

// Map adds dev at base. Overlapping mappings are rejected.
func (bus *Bus) Map(name string, base uint32, dev Device) error {
	m := DeviceMapping{Name: name, Base: base, Size: dev.Size(), Device: dev}
	if m.Size == 0 || m.end() > 1<<32 {
		return fmt.Errorf("mapping %s [%#x, %#x) does not fit the address space", name, base, m.end())
	}
	for _, other := range bus.Mappings {
		if uint64(m.Base) < other.end() && uint64(other.Base) < m.end() {
			return fmt.Errorf("mapping %s [%#x, %#x) overlaps %s", name, base, m.end(), other.Name)
		}
	}
	bus.Mappings = append(bus.Mappings, m)
	sort.Slice(bus.Mappings, func(i, j int) bool { return bus.Mappings[i].Base < bus.Mappings[j].Base })
	return nil
}

// Lookup returns the mapping containing addr.
func (bus *Bus) Lookup(addr uint32) (DeviceMapping, bool) {
	for _, m := range bus.Mappings {
		if addr >= m.Base && uint64(addr) < m.end() {
			return m, true
		}
	}
	return DeviceMapping{}, false
}

// find resolves an access that must lie entirely inside one mapping.
func (bus *Bus) find(addr uint32, size int) (Device, uint32, bool) {
	m, ok := bus.Lookup(addr)
	if !ok || uint64(addr)+uint64(size) > m.end() {
		return nil, 0, false
	}
	return m.Device, addr - m.Base, true
}

// Read reads from the bus.
func (bus *Bus) Read(addr uint32, size int) (uint32, error) {
	dev, off, ok := bus.find(addr, size)
	if !ok {
		return 0, &Fault{Addr: addr, Size: size}
	}
	return dev.Read(off, size)
}

// Write writes to the bus.
func (bus *Bus) Write(addr uint32, size int, value uint32) error {
	dev, off, ok := bus.find(addr, size)
	if !ok {
		return &Fault{Addr: addr, Size: size, Write: true}
	}
	return dev.Write(off, size, value)
}

// LoadBytes copies data into guest memory byte by byte. Loading is not a
// guest store and is never traced.
func (bus *Bus) LoadBytes(addr uint32, data []byte) error {
	if uint64(addr)+uint64(len(data)) > 1<<32 {
		return &Fault{Addr: addr, Size: len(data), Write: true}
	}
	for i, b := range data {
		if err := bus.Write(addr+uint32(i), 1, uint32(b)); err != nil {
			return err
		}
	}
	return nil
}

// ReadBytes copies guest memory into p.
func (bus *Bus) ReadBytes(addr uint32, p []byte) error {
	for i := range p {
		v, err := bus.Read(addr+uint32(i), 1)
		if err != nil {
			return err
		}
		p[i] = byte(v)
	}
	return nil
}
