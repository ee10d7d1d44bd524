// Package testutil disassembles emitted code with GNU objdump so encoder
// tests can be checked against an independent decoder.
package testutil

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// MachineI386 is the ELF e_machine value for 32-bit x86.
const MachineI386 = 3

// DisasmLine represents a single instruction line emitted by objdump.
type DisasmLine struct {
	// Offset is the instruction's position in the disassembled code.
	Offset     int
	Text       string
	Normalized string
	Mnemonic   string
}

// Contains reports whether the normalized instruction text contains substr.
func (l DisasmLine) Contains(substr string) bool {
	return strings.Contains(l.Normalized, substr)
}

// DisassembleWithObjdump places code in the .text section of a relocatable
// ELF32 object for machine and decodes it with objdump -d. Tests are skipped
// when objdump is not installed.
func DisassembleWithObjdump(t *testing.T, code []byte, machine uint16, extraArgs ...string) []DisasmLine {
	t.Helper()

	objdump, err := exec.LookPath("objdump")
	if err != nil {
		t.Skipf("objdump not found: %v", err)
	}

	path := filepath.Join(t.TempDir(), "code.o")
	if err := os.WriteFile(path, textObject(code, machine), 0o644); err != nil {
		t.Fatalf("write object: %v", err)
	}

	args := append([]string{"-d", "--no-show-raw-insn"}, extraArgs...)
	out, err := exec.Command(objdump, append(args, path)...).CombinedOutput()
	if err != nil {
		t.Fatalf("objdump failed: %v\n\n%s", err, out)
	}

	lines, err := parseObjdumpOutput(string(out))
	if err != nil {
		t.Fatalf("parse objdump output: %v", err)
	}
	if len(lines) == 0 {
		t.Fatalf("objdump produced no instructions:\n%s", out)
	}
	return lines
}

var shstrtab = []byte("\x00.text\x00.shstrtab\x00")

// textObject builds an ELF32 file with three sections: null, .text and the
// section name table. The .text address is zero, so objdump prints offsets.
func textObject(code []byte, machine uint16) []byte {
	const (
		ehdrSize  = 52
		shdrSize  = 40
		nSections = 3
	)
	textOff := ehdrSize
	strOff := textOff + len(code)
	shOff := (strOff + len(shstrtab) + 3) &^ 3

	buf := make([]byte, shOff+nSections*shdrSize)
	copy(buf[textOff:], code)
	copy(buf[strOff:], shstrtab)

	le := binary.LittleEndian
	copy(buf, "\x7fELF\x01\x01\x01")
	le.PutUint16(buf[16:], 1) // ET_REL
	le.PutUint16(buf[18:], machine)
	le.PutUint32(buf[20:], 1)
	le.PutUint32(buf[32:], uint32(shOff))
	le.PutUint16(buf[40:], ehdrSize)
	le.PutUint16(buf[46:], shdrSize)
	le.PutUint16(buf[48:], nSections)
	le.PutUint16(buf[50:], 2) // e_shstrndx

	section := func(i int, name, typ, flags uint32, off, size int) {
		sh := buf[shOff+i*shdrSize:]
		le.PutUint32(sh[0:], name)
		le.PutUint32(sh[4:], typ)
		le.PutUint32(sh[8:], flags)
		le.PutUint32(sh[16:], uint32(off))
		le.PutUint32(sh[20:], uint32(size))
		le.PutUint32(sh[32:], 1)
	}
	section(1, 1, 1, 0x6, textOff, len(code))  // .text: PROGBITS, ALLOC|EXECINSTR
	section(2, 7, 3, 0, strOff, len(shstrtab)) // .shstrtab: STRTAB
	return buf
}

// parseObjdumpOutput keeps the "offset: instruction" lines of objdump -d.
func parseObjdumpOutput(out string) ([]DisasmLine, error) {
	var lines []DisasmLine
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		raw := scanner.Text()
		addr, text, ok := strings.Cut(raw, ":")
		if !ok {
			continue
		}
		offset, err := strconv.ParseUint(strings.TrimSpace(addr), 16, 32)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		fields := strings.Fields(text)
		if len(fields) == 0 || strings.HasPrefix(text, "<") || strings.HasPrefix(text, ".") {
			continue
		}
		lines = append(lines, DisasmLine{
			Offset:     int(offset),
			Text:       text,
			Normalized: strings.Join(fields, " "),
			Mnemonic:   strings.ToLower(fields[0]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error: %w", err)
	}
	return lines, nil
}
