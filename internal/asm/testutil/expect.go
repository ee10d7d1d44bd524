package testutil

import (
	"fmt"
	"strconv"
	"strings"
	"testing"
)

// Expectation describes a single instruction that should appear in the
// disassembly output.
type Expectation struct {
	Name     string
	Mnemonic string
	Contains []string

	// At, if set, is the code offset the instruction must start at.
	At *int
	// JumpsTo, if set, is the code offset a branch must target.
	JumpsTo *int
}

// Offset returns a pointer for Expectation.At and Expectation.JumpsTo.
func Offset(off int) *int { return &off }

// Target parses the destination of a direct branch. objdump prints it as a
// bare hex offset followed by a symbolic form.
func (l DisasmLine) Target() (int, bool) {
	fields := strings.Fields(l.Normalized)
	if len(fields) < 2 {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 32)
	if err != nil {
		return 0, false
	}
	return int(v), true
}

func (e Expectation) match(line DisasmLine) error {
	if e.Mnemonic != "" && line.Mnemonic != e.Mnemonic {
		return fmt.Errorf("mnemonic=%s, want %s", line.Mnemonic, e.Mnemonic)
	}
	for _, needle := range e.Contains {
		if !line.Contains(needle) {
			return fmt.Errorf("missing %q in %q", needle, line.Normalized)
		}
	}
	if e.At != nil && line.Offset != *e.At {
		return fmt.Errorf("offset=%#x, want %#x", line.Offset, *e.At)
	}
	if e.JumpsTo != nil {
		target, ok := line.Target()
		if !ok {
			return fmt.Errorf("no branch target in %q", line.Normalized)
		}
		if target != *e.JumpsTo {
			return fmt.Errorf("target=%#x, want %#x", target, *e.JumpsTo)
		}
	}
	return nil
}

// VerifyExpectations walks the objdump output and ensures each expectation is
// satisfied in order, one instruction each. Whatever follows the last
// expectation is ignored: alignment padding and the literal pool decode as
// junk instructions.
func VerifyExpectations(t *testing.T, lines []DisasmLine, expect []Expectation) {
	t.Helper()
	if len(lines) < len(expect) {
		t.Fatalf("objdump returned %d instructions, want at least %d", len(lines), len(expect))
	}
	for idx, exp := range expect {
		line := lines[idx]
		if err := exp.match(line); err != nil {
			t.Fatalf("instruction %q mismatch at line %d: %v\nline: %#x: %s", exp.Name, idx, err, line.Offset, line.Text)
		}
	}
}
