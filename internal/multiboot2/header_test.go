package multiboot2

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestEmptyHeaderEncoding(t *testing.T) {
	raw, err := New().MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	want := []byte{
		0xD6, 0x50, 0x52, 0xE8, // magic
		0x00, 0x00, 0x00, 0x00, // i386
		0x18, 0x00, 0x00, 0x00, // length 24
		0x12, 0xAF, 0xAD, 0x17, // checksum
		0x00, 0x00, 0x00, 0x00, // end tag type + flags
		0x08, 0x00, 0x00, 0x00, // end tag size
	}
	if !bytes.Equal(raw, want) {
		t.Fatalf("encoding mismatch:\n got: % x\nwant: % x", raw, want)
	}
}

func TestChecksumInvariant(t *testing.T) {
	headers := map[string]*Header{
		"empty": New(),
		"mips":  {Architecture: ArchMIPS},
		"tags": New(
			&InformationRequestTag{Requests: []InfoType{InfoCommandLine, InfoFramebuffer, InfoBasicMemory}},
			&ConsoleFlagsTag{Flags: ConsoleRequired | ConsoleEGASupported},
			&EntryAddressTag{IsOptional: true, EntryAddr: 0x100020},
		),
	}

	for name, hdr := range headers {
		t.Run(name, func(t *testing.T) {
			raw, err := hdr.MarshalBinary()
			if err != nil {
				t.Fatalf("MarshalBinary: %v", err)
			}
			var sum uint32
			for i := 0; i < 4; i++ {
				sum += binary.LittleEndian.Uint32(raw[i*4:])
			}
			if sum != 0 {
				t.Fatalf("field sum=%#x, want 0", sum)
			}
			if got, want := binary.LittleEndian.Uint32(raw[8:]), uint32(len(raw)); got != want {
				t.Fatalf("length field=%d, want %d", got, want)
			}
			if len(raw)%TagAlign != 0 {
				t.Fatalf("header length %d not tag aligned", len(raw))
			}
		})
	}
}

func TestFieldMutationDetected(t *testing.T) {
	raw, err := New(&ModuleAlignTag{}).MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	for _, field := range []struct {
		name string
		off  int
	}{
		{"magic", 0},
		{"architecture", 4},
		{"length", 8},
		{"checksum", 12},
	} {
		for _, delta := range []uint32{1, 0x80000000, 0xFFFFFFFF} {
			mutated := append([]byte(nil), raw...)
			v := binary.LittleEndian.Uint32(mutated[field.off:])
			binary.LittleEndian.PutUint32(mutated[field.off:], v+delta)

			if _, err := Parse(mutated); !errors.Is(err, ErrChecksum) {
				t.Errorf("%s+%#x: Parse error=%v, want ErrChecksum", field.name, delta, err)
			}
		}
	}
}

func TestParseRoundTripTags(t *testing.T) {
	hdr := New(
		&InformationRequestTag{Requests: []InfoType{InfoCommandLine}},
		&AddressTag{HeaderAddr: 0x100000, LoadAddr: 0x100000, LoadEndAddr: 0x100200, BSSEndAddr: 0x100400},
		&EntryAddressTag{EntryAddr: 0x100040},
		&FramebufferTag{IsOptional: true, Width: 80, Height: 25},
		&RelocatableTag{MinAddr: 0x100000, MaxAddr: 0x1000000, Align: 0x1000, Preference: RelocLowest},
	)
	raw, err := hdr.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got.Tags) != len(hdr.Tags) {
		t.Fatalf("parsed %d tags, want %d", len(got.Tags), len(hdr.Tags))
	}

	entry, ok := got.Tag(TagEntryAddress)
	if !ok {
		t.Fatalf("entry address tag missing")
	}
	if got, want := entry.(*EntryAddressTag).EntryAddr, uint32(0x100040); got != want {
		t.Fatalf("entry=%#x, want %#x", got, want)
	}

	fb, ok := got.Tag(TagFramebuffer)
	if !ok || !fb.Optional() {
		t.Fatalf("framebuffer tag=%v optional=%v, want optional tag", fb, ok && fb.Optional())
	}

	again, err := got.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary of parsed header: %v", err)
	}
	if !bytes.Equal(again, raw) {
		t.Fatalf("re-encoding differs:\n got: % x\nwant: % x", again, raw)
	}
}

func TestParseRejectsBadTagList(t *testing.T) {
	raw, err := New().MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	t.Run("end tag size", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		binary.LittleEndian.PutUint32(bad[20:], 16)
		if _, err := Parse(bad); !errors.Is(err, ErrBadTag) {
			t.Fatalf("Parse error=%v, want ErrBadTag", err)
		}
	})

	t.Run("missing end tag", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		binary.LittleEndian.PutUint16(bad[16:], uint16(TagModuleAlign))
		if _, err := Parse(bad); !errors.Is(err, ErrMissingEndTag) {
			t.Fatalf("Parse error=%v, want ErrMissingEndTag", err)
		}
	})

	t.Run("truncated", func(t *testing.T) {
		if _, err := Parse(raw[:20]); !errors.Is(err, ErrLength) {
			t.Fatalf("Parse error=%v, want ErrLength", err)
		}
	})

	t.Run("explicit end tag", func(t *testing.T) {
		_, err := New(&RawTag{TagType: TagEnd}).MarshalBinary()
		if !errors.Is(err, ErrBadTag) {
			t.Fatalf("MarshalBinary error=%v, want ErrBadTag", err)
		}
	})
}

func TestFindSearchWindow(t *testing.T) {
	raw, err := New().MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	tests := []struct {
		name    string
		offset  int
		wantErr error
	}{
		{"start", 0, nil},
		{"aligned", 0x1000, nil},
		{"last slot", SearchWindow - len(raw), nil},
		{"crosses window", SearchWindow - 8, ErrNotFound},
		{"beyond window", SearchWindow, ErrNotFound},
		{"unaligned", 0x1004, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			image := make([]byte, SearchWindow+0x1000)
			copy(image[tt.offset:], raw)

			off, hdr, err := Find(image)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Find error=%v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Find: %v", err)
			}
			if off != tt.offset {
				t.Fatalf("offset=%#x, want %#x", off, tt.offset)
			}
			if hdr.Architecture != ArchI386 {
				t.Fatalf("architecture=%v, want i386", hdr.Architecture)
			}
		})
	}
}

func TestFindSkipsCorruptCandidate(t *testing.T) {
	raw, err := New().MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	image := make([]byte, 0x2000)
	copy(image[0x100:], raw)
	image[0x100+12] ^= 0xFF

	if _, _, err := Find(image); !errors.Is(err, ErrChecksum) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("Find error=%v, want ErrNotFound wrapping ErrChecksum", err)
	}

	copy(image[0x800:], raw)
	off, _, err := Find(image)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if off != 0x800 {
		t.Fatalf("offset=%#x, want 0x800", off)
	}
}
