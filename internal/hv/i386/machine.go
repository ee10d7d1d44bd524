package i386

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vgaboot/internal/trace"
	"github.com/tinyrange/vgaboot/internal/vga"
)

// Physical memory layout of the modelled PC.
const (
	// LowMemoryTop ends conventional memory (640 KiB).
	LowMemoryTop uint32 = 0xA0000
	// HighMemoryBase is where extended memory starts (1 MiB).
	HighMemoryBase uint32 = 0x100000

	DefaultHighMemory uint32 = 16 << 20

	// idleBudget bounds how long a woken processor may run before Idle
	// decides it escaped the halt loop.
	idleBudget = 64
)

type Config struct {
	// HighMemory is the amount of RAM above 1 MiB.
	HighMemory uint32
	// Trace receives every guest store and halt. Optional.
	Trace *trace.Log
}

// Machine is a single-processor PC with conventional memory, a VGA text
// frame buffer and extended memory.
type Machine struct {
	CPU CPU
	Bus *Bus
	VGA *VGA

	low  *MemoryRegion
	high *MemoryRegion

	trace *trace.Log

	steps   uint64
	stores  uint64
	haltEIP uint32
}

func NewMachine(cfg Config) (*Machine, error) {
	if cfg.HighMemory == 0 {
		cfg.HighMemory = DefaultHighMemory
	}
	if uint64(HighMemoryBase)+uint64(cfg.HighMemory) > 1<<32 {
		return nil, fmt.Errorf("high memory of %#x bytes exceeds the 32-bit address space", cfg.HighMemory)
	}

	m := &Machine{Bus: &Bus{}, VGA: NewVGA(), trace: cfg.Trace}
	var err error
	if m.low, err = NewMemoryRegion(LowMemoryTop); err != nil {
		return nil, err
	}
	if m.high, err = NewMemoryRegion(cfg.HighMemory); err != nil {
		m.low.Close()
		return nil, err
	}

	for _, mapping := range []struct {
		name string
		base uint32
		dev  Device
	}{
		{"low-ram", 0, m.low},
		{"vga", vga.BaseAddress, m.VGA},
		{"high-ram", HighMemoryBase, m.high},
	} {
		if err := m.Bus.Map(mapping.name, mapping.base, mapping.dev); err != nil {
			m.Close()
			return nil, err
		}
	}

	m.CPU.Reset()
	return m, nil
}

// Close releases guest memory.
func (m *Machine) Close() error {
	return errors.Join(m.low.Close(), m.high.Close())
}

// MemoryLayout reports conventional and extended memory in KiB, as the
// Multiboot2 basic memory information tag does.
func (m *Machine) MemoryLayout() (lowerKiB, upperKiB uint32) {
	return LowMemoryTop / 1024, m.high.Size() / 1024
}

// LoadBytes copies data into guest memory without tracing it.
func (m *Machine) LoadBytes(addr uint32, data []byte) error {
	return m.Bus.LoadBytes(addr, data)
}

// Handoff establishes the state a Multiboot2 loader leaves behind for an
// i386 kernel: protected mode with flat segments, interrupts disabled, EAX
// and EBX set, execution starting at eip.
func (m *Machine) Handoff(eip, eax, ebx uint32) error {
	if _, ok := m.Bus.Lookup(eip); !ok {
		return &Fault{EIP: eip, Addr: eip, Size: 1, Fetch: true}
	}
	m.CPU.Reset()
	m.CPU.Regs[EAX] = eax
	m.CPU.Regs[EBX] = ebx
	m.CPU.EIP = eip
	m.steps, m.stores, m.haltEIP = 0, 0, 0
	slog.Debug("i386 handoff", "eip", fmt.Sprintf("%#x", eip), "eax", fmt.Sprintf("%#x", eax), "ebx", fmt.Sprintf("%#x", ebx))
	return nil
}

// Steps returns the number of instructions executed since Handoff.
func (m *Machine) Steps() uint64 { return m.steps }

// Stores returns the number of guest stores since Handoff.
func (m *Machine) Stores() uint64 { return m.stores }

// HaltedAt returns the address of the hlt instruction the processor is
// stopped on.
func (m *Machine) HaltedAt() (uint32, bool) {
	return m.haltEIP, m.CPU.Halted
}

func (m *Machine) load(addr uint32, size int) (uint32, error) {
	v, err := m.Bus.Read(addr, size)
	if err != nil {
		var f *Fault
		if errors.As(err, &f) {
			f.EIP = m.CPU.EIP
		}
		return 0, err
	}
	return v, nil
}

func (m *Machine) store(addr uint32, size int, value uint32) error {
	if err := m.Bus.Write(addr, size, value); err != nil {
		var f *Fault
		if errors.As(err, &f) {
			f.EIP = m.CPU.EIP
		}
		return err
	}
	m.stores++
	if m.trace != nil {
		return m.trace.Append(trace.Record{
			Kind:  trace.KindStore,
			Size:  uint16(size),
			Addr:  addr,
			EIP:   m.CPU.EIP,
			Value: value,
			Step:  m.steps,
		})
	}
	return nil
}

// Step executes one instruction. A halted processor returns ErrHalted and
// does nothing else. Faults and invalid opcodes leave EIP on the offending
// instruction.
func (m *Machine) Step() error {
	if m.CPU.Halted {
		return ErrHalted
	}

	d := decoder{m: m, start: m.CPU.EIP, eip: m.CPU.EIP}
	next, err := m.execute(&d)
	if err != nil {
		return err
	}
	m.CPU.EIP = next
	m.steps++

	if m.CPU.Halted {
		m.haltEIP = d.start
		slog.Debug("i386 halted", "eip", fmt.Sprintf("%#x", d.start), "steps", m.steps)
		if m.trace != nil {
			if err := m.trace.Append(trace.Record{Kind: trace.KindHalt, Addr: d.start, EIP: d.start, Step: m.steps}); err != nil {
				return err
			}
		}
		return ErrHalted
	}
	return nil
}

// Run executes until the processor halts, the context is cancelled or budget
// instructions have run. budget <= 0 means no limit. Halting returns
// ErrHalted.
func (m *Machine) Run(ctx context.Context, budget int64) error {
	const yieldAfter = 4096

	var executed int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i := 0; i < yieldAfter; i++ {
			if budget > 0 && executed >= budget {
				return ErrBudgetExhausted
			}
			if err := m.Step(); err != nil {
				if errors.Is(err, ErrHalted) {
					return ErrHalted
				}
				return fmt.Errorf("step error at EIP=%#x: %w", m.CPU.EIP, err)
			}
			executed++
		}
	}
}

// Wake resumes a halted processor at the instruction after hlt, as a
// non-maskable interrupt returning would.
func (m *Machine) Wake() error {
	if !m.CPU.Halted {
		return errors.New("i386: processor is not halted")
	}
	m.CPU.Halted = false
	return nil
}

// Idle wakes the halted processor n times and lets it run until it halts
// again. It reports whether every wakeup ended on the same hlt instruction
// without a single store.
func (m *Machine) Idle(n int) (bool, error) {
	at, halted := m.HaltedAt()
	if !halted {
		return false, errors.New("i386: Idle needs a halted processor")
	}
	stores := m.stores

	for i := 0; i < n; i++ {
		if err := m.Wake(); err != nil {
			return false, err
		}
		err := m.Run(context.Background(), idleBudget)
		switch {
		case errors.Is(err, ErrBudgetExhausted):
			return false, nil
		case !errors.Is(err, ErrHalted):
			return false, err
		}
		if again, _ := m.HaltedAt(); again != at {
			return false, nil
		}
	}
	return m.stores == stores, nil
}

// FrameBuffer views the VGA text memory.
func (m *Machine) FrameBuffer() *vga.FrameBuffer {
	return m.VGA.FrameBuffer()
}

// ReadAt reads from guest physical memory.
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > 1<<32 {
		return 0, fmt.Errorf("read at %#x outside the address space", off)
	}
	if err := m.Bus.ReadBytes(uint32(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt writes to guest physical memory without tracing.
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > 1<<32 {
		return 0, fmt.Errorf("write at %#x outside the address space", off)
	}
	if err := m.Bus.LoadBytes(uint32(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}
