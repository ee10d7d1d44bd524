package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/montanaflynn/stats"

	"github.com/tinyrange/vgaboot"
	"github.com/tinyrange/vgaboot/internal/manifest"
)

func TestBuildRunVerify(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "ok.elf")
	tr := filepath.Join(dir, "ok.trace")

	steps := [][]string{
		{"build", "-message", "OK", "-fg", "yellow", "-o", img},
		{"inspect", img},
		{"run", "-color", "never", "-trace", tr, img},
		{"verify", "-q", "-n", "3", img},
		{"trace", "-kind", "store", "-count", tr},
		{"trace", "-outside", tr},
	}
	for _, args := range steps {
		if err := run(args); err != nil {
			t.Fatalf("run(%q) error = %v", args, err)
		}
	}

	data, err := os.ReadFile(img)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.HasPrefix(data, []byte("\x7fELF")) {
		t.Fatalf("build did not write an ELF image")
	}
}

func TestBuildFromManifest(t *testing.T) {
	dir := t.TempDir()
	msg := "from manifest"
	if err := manifest.Write(filepath.Join(dir, manifest.Filename), manifest.Manifest{
		Message: &msg,
		Format:  "flat",
		Output:  "kernel.bin",
	}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if err := run([]string{"build", "-manifest", dir}); err != nil {
		t.Fatalf("build error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "kernel.bin"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	want, err := vgaboot.Build(func() vgaboot.Options {
		opts := vgaboot.DefaultOptions()
		opts.Kernel.Message = msg
		opts.Image.Format = vgaboot.FormatFlat
		return opts
	}())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !bytes.Equal(data, want.Image()) {
		t.Fatalf("manifest build differs from the equivalent API build")
	}
}

func TestErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.bin")
	if err := os.WriteFile(bad, []byte("no header here"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	tests := [][]string{
		{},
		{"frobnicate"},
		{"inspect"},
		{"inspect", bad},
		{"run", bad},
		{"verify", "-n", "0", bad},
		{"build", "-overflow", "wrap", "-o", filepath.Join(dir, "x.elf")},
		{"build", "-load", "nowhere", "-o", filepath.Join(dir, "x.elf")},
		{"trace", "-kind", "load", bad},
	}
	for _, args := range tests {
		if err := run(args); err == nil {
			t.Errorf("run(%q) succeeded", args)
		}
	}
	if err := run([]string{"run", "-h"}); err != nil {
		t.Errorf("run -h error = %v", err)
	}
}

func TestSummarize(t *testing.T) {
	got, err := summarize(stats.Float64Data{0.001, 0.002, 0.003}, 12345)
	if err != nil {
		t.Fatalf("summarize() error = %v", err)
	}
	for _, want := range []string{"mean 2ms", "median 2ms", "12,345 instructions"} {
		if !strings.Contains(got, want) {
			t.Errorf("summarize() = %q, missing %q", got, want)
		}
	}

	if _, err := summarize(stats.Float64Data{}, 1); err == nil {
		t.Errorf("summarize() of no boots succeeded")
	}
}
