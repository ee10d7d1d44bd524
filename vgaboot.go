// Package vgaboot builds a Multiboot2 kernel that writes one message to the
// VGA text frame buffer and halts, and boots such kernels on an emulated
// i386 PC to observe exactly what they write.
package vgaboot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	emu "github.com/tinyrange/vgaboot/internal/hv/i386"
	"github.com/tinyrange/vgaboot/internal/image"
	"github.com/tinyrange/vgaboot/internal/kernel"
	"github.com/tinyrange/vgaboot/internal/loader"
	"github.com/tinyrange/vgaboot/internal/multiboot2"
	"github.com/tinyrange/vgaboot/internal/trace"
	"github.com/tinyrange/vgaboot/internal/vga"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal packages
// -----------------------------------------------------------------------------

// KernelConfig selects the message, its attribute and the overflow policy.
type KernelConfig = kernel.Config

// OverflowPolicy decides what happens to a message longer than the screen.
type OverflowPolicy = kernel.OverflowPolicy

// ImageConfig selects the file format and the load address.
type ImageConfig = image.Config

type Format = image.Format

// Header is the Multiboot2 header placed at the start of the image.
type Header = multiboot2.Header

type Color = vga.Color
type Attribute = vga.Attribute

// Screen is the contents of the 80x25 text frame buffer.
type Screen = vga.Snapshot

// TraceRecord is one guest store or halt.
type TraceRecord = trace.Record

const (
	OverflowReject   = kernel.OverflowReject
	OverflowTruncate = kernel.OverflowTruncate
	OverflowHalt     = kernel.OverflowHalt

	FormatELF  = image.FormatELF
	FormatFlat = image.FormatFlat

	DefaultMessage     = kernel.DefaultMessage
	DefaultAttribute   = vga.DefaultAttribute
	DefaultLoadAddress = image.DefaultLoadAddress
)

// Common sentinel errors.
var (
	ErrMessageTooLong          = kernel.ErrMessageTooLong
	ErrOutsideSearchWindow     = image.ErrOutsideSearchWindow
	ErrNoHeader                = multiboot2.ErrNotFound
	ErrUnsupportedArchitecture = loader.ErrUnsupportedArchitecture
	ErrUnsupportedTag          = loader.ErrUnsupportedTag
	ErrFault                   = emu.ErrFault

	// ErrNoHalt is returned by Boot when the kernel is still running after
	// the instruction budget.
	ErrNoHalt = errors.New("vgaboot: kernel did not halt")
)

// NewAttribute packs a foreground and background colour.
func NewAttribute(fg, bg Color) Attribute {
	return vga.NewAttribute(fg, bg)
}

// -----------------------------------------------------------------------------
// Build
// -----------------------------------------------------------------------------

type Options struct {
	Kernel KernelConfig
	Image  ImageConfig
	// Header carries extra request tags. Nil means a header with none.
	Header *Header
}

// DefaultOptions builds the stock kernel: DefaultMessage in light red on
// black, as an ELF image linked at 1 MiB.
func DefaultOptions() Options {
	return Options{Kernel: kernel.DefaultConfig()}
}

// Kernel is a built image.
type Kernel struct {
	options Options
	image   []byte
	info    *image.Info

	haltStart, haltEnd int
}

// Build assembles the entry routine and links it behind the header.
func Build(opts Options) (*Kernel, error) {
	hdr := opts.Header
	if hdr == nil {
		hdr = multiboot2.New()
	}
	prog, err := kernel.Program(opts.Kernel)
	if err != nil {
		return nil, fmt.Errorf("assemble entry routine: %w", err)
	}
	data, err := image.Build(opts.Image, hdr, prog)
	if err != nil {
		return nil, fmt.Errorf("link image: %w", err)
	}
	info, err := image.Inspect(data)
	if err != nil {
		return nil, fmt.Errorf("inspect image: %w", err)
	}
	start, end, err := kernel.HaltLoop(prog)
	if err != nil {
		return nil, err
	}
	return &Kernel{options: opts, image: data, info: info, haltStart: start, haltEnd: end}, nil
}

// Options returns the options the kernel was built with.
func (k *Kernel) Options() Options {
	return k.options
}

// Format is the file format of the image.
func (k *Kernel) Format() Format {
	return k.info.Format
}

// Image returns the image bytes.
func (k *Kernel) Image() []byte {
	return append([]byte(nil), k.image...)
}

// Entry is the physical address the loader jumps to.
func (k *Kernel) Entry() uint32 {
	return k.info.Entry
}

// HeaderOffset is the file offset of the Multiboot2 header.
func (k *Kernel) HeaderOffset() int {
	return k.info.HeaderOffset
}

// HaltLoop returns the physical address range of the halt loop.
func (k *Kernel) HaltLoop() (start, end uint32) {
	return k.info.Entry + uint32(k.haltStart), k.info.Entry + uint32(k.haltEnd)
}

// WriteFile stores the image at path.
func (k *Kernel) WriteFile(path string) error {
	if err := os.WriteFile(path, k.image, 0o644); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	slog.Info("wrote kernel image", "path", path, "bytes", len(k.image), "format", k.info.Format, "entry", fmt.Sprintf("%#x", k.info.Entry))
	return nil
}

// -----------------------------------------------------------------------------
// Boot
// -----------------------------------------------------------------------------

const (
	DefaultBudget     int64 = 1 << 22
	DefaultIdleChecks       = 16
)

type BootOptions struct {
	// CommandLine is passed in the boot information.
	CommandLine string
	// HighMemory is the RAM above 1 MiB. Zero selects 16 MiB.
	HighMemory uint32
	// Budget bounds the instructions executed before the kernel must halt.
	Budget int64
	// IdleChecks is how many wakeups the halt loop must absorb.
	IdleChecks int
	// TracePath additionally writes the binary trace to a file.
	TracePath string
}

func (o BootOptions) withDefaults() BootOptions {
	if o.Budget <= 0 {
		o.Budget = DefaultBudget
	}
	if o.IdleChecks <= 0 {
		o.IdleChecks = DefaultIdleChecks
	}
	return o
}

// Result is what a boot left behind.
type Result struct {
	Entry       uint32
	InfoAddress uint32

	Screen Screen
	// Steps is the number of instructions executed up to the halt.
	Steps   uint64
	HaltEIP uint32
	// Confined reports whether the halted processor stayed on the same hlt
	// through every wakeup without writing memory.
	Confined bool
	// Trace holds every store and the halt, in order, up to the halt.
	Trace []TraceRecord
}

// Writes returns the store records.
func (r *Result) Writes() []TraceRecord {
	var out []TraceRecord
	for _, rec := range r.Trace {
		if rec.Kind == trace.KindStore {
			out = append(out, rec)
		}
	}
	return out
}

// Boot loads img into a fresh emulated PC, runs it until it halts and
// records every store it made.
func Boot(ctx context.Context, img []byte, opts BootOptions) (*Result, error) {
	opts = opts.withDefaults()

	mem := trace.NewMemory()
	var w trace.Writer = mem
	if opts.TracePath != "" {
		f, err := os.OpenFile(opts.TracePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open trace: %w", err)
		}
		w = teeWriter{mem, f}
	}
	log := trace.New(w)
	defer log.Close()

	m, err := emu.NewMachine(emu.Config{HighMemory: opts.HighMemory, Trace: log})
	if err != nil {
		return nil, err
	}
	defer m.Close()

	h, err := loader.Load(m, img, loader.Options{CommandLine: opts.CommandLine})
	if err != nil {
		return nil, err
	}

	switch err := m.Run(ctx, opts.Budget); {
	case errors.Is(err, emu.ErrHalted):
	case errors.Is(err, emu.ErrBudgetExhausted):
		return nil, fmt.Errorf("%w after %d instructions (EIP=%#x)", ErrNoHalt, m.Steps(), m.CPU.EIP)
	default:
		return nil, err
	}

	res := &Result{Entry: h.Entry, InfoAddress: h.InfoAddress, Steps: m.Steps()}
	res.HaltEIP, _ = m.HaltedAt()
	if res.Screen, err = m.FrameBuffer().Snapshot(); err != nil {
		return nil, err
	}

	reader, err := mem.Reader()
	if err != nil {
		return nil, err
	}
	if res.Trace, err = reader.Records(trace.SearchOptions{LastStep: res.Steps}); err != nil {
		return nil, err
	}

	if res.Confined, err = m.Idle(opts.IdleChecks); err != nil {
		return nil, fmt.Errorf("idle check: %w", err)
	}
	slog.Debug("boot finished", "steps", res.Steps, "stores", len(res.Writes()), "halt", fmt.Sprintf("%#x", res.HaltEIP), "confined", res.Confined)
	return res, nil
}

// teeWriter logs to memory and to a file.
type teeWriter struct {
	mem  *trace.Memory
	file *os.File
}

func (t teeWriter) WriteAt(p []byte, off int64) (int, error) {
	if _, err := t.mem.WriteAt(p, off); err != nil {
		return 0, err
	}
	return t.file.WriteAt(p, off)
}

func (t teeWriter) Close() error {
	return t.file.Close()
}
