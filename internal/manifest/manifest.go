// Package manifest reads the YAML file that describes a kernel build.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tinyrange/vgaboot/internal/image"
	"github.com/tinyrange/vgaboot/internal/kernel"
	"github.com/tinyrange/vgaboot/internal/vga"
	"gopkg.in/yaml.v3"
)

const (
	Filename      = "vgaboot.yaml"
	DefaultOutput = "kernel.elf"
)

// Manifest describes one kernel build.
type Manifest struct {
	Version int `yaml:"version"`

	// Message is nil when the manifest does not set one; an explicit empty
	// string builds a kernel that writes nothing.
	Message    *string `yaml:"message,omitempty"`
	Foreground string  `yaml:"foreground,omitempty"`
	Background string  `yaml:"background,omitempty"`
	Overflow   string  `yaml:"overflow,omitempty"`

	Format      string `yaml:"format,omitempty"`
	LoadAddress uint32 `yaml:"load_address,omitempty"`
	Output      string `yaml:"output,omitempty"`

	CommandLine string `yaml:"command_line,omitempty"`
}

// Default returns the manifest of the stock kernel.
func Default() Manifest {
	var m Manifest
	m.normalize()
	return m
}

func (m *Manifest) normalize() {
	if m.Version == 0 {
		m.Version = 1
	}
	if m.Message == nil {
		msg := kernel.DefaultMessage
		m.Message = &msg
	}
	if m.Foreground == "" {
		m.Foreground = vga.DefaultAttribute.Foreground().String()
	}
	if m.Background == "" {
		m.Background = vga.DefaultAttribute.Background().String()
	}
	if m.Overflow == "" {
		m.Overflow = kernel.OverflowReject.String()
	}
	if m.Format == "" {
		m.Format = image.FormatELF.String()
	}
	if m.LoadAddress == 0 {
		m.LoadAddress = image.DefaultLoadAddress
	}
	if m.Output == "" {
		m.Output = DefaultOutput
	}
}

// Kernel converts the manifest to the entry routine configuration.
func (m Manifest) Kernel() (kernel.Config, error) {
	m.normalize()

	fg, err := parseColor(m.Foreground)
	if err != nil {
		return kernel.Config{}, fmt.Errorf("foreground: %w", err)
	}
	bg, err := parseColor(m.Background)
	if err != nil {
		return kernel.Config{}, fmt.Errorf("background: %w", err)
	}
	overflow, err := kernel.ParseOverflowPolicy(m.Overflow)
	if err != nil {
		return kernel.Config{}, err
	}
	cfg := kernel.Config{
		Message:   *m.Message,
		Attribute: vga.NewAttribute(fg, bg),
		Overflow:  overflow,
	}
	if _, err := cfg.Text(); err != nil {
		return kernel.Config{}, err
	}
	return cfg, nil
}

// Image converts the manifest to the image layout.
func (m Manifest) Image() (image.Config, error) {
	m.normalize()

	format, err := image.ParseFormat(m.Format)
	if err != nil {
		return image.Config{}, err
	}
	return image.Config{Format: format, LoadAddress: m.LoadAddress}, nil
}

// parseColor accepts a colour name or its number, 0 to 15.
func parseColor(s string) (vga.Color, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.ParseUint(s, 0, 8); err == nil {
		if n > 15 {
			return 0, fmt.Errorf("vga: color %d out of range", n)
		}
		return vga.Color(n), nil
	}
	return vga.ParseColor(strings.ReplaceAll(s, "_", "-"))
}

// Parse decodes a manifest. Unknown keys are an error; an empty document
// yields the defaults.
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Version > 1 {
		return Manifest{}, fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	m.normalize()
	return m, nil
}

// Load reads a manifest file. A directory is taken to contain Filename.
// A relative output path is resolved against the manifest's directory.
func Load(path string) (Manifest, error) {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, Filename)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", path, err)
	}
	if !filepath.IsAbs(m.Output) {
		m.Output = filepath.Join(filepath.Dir(path), m.Output)
	}
	return m, nil
}

// Write stores m at path with defaults filled in.
func Write(path string, m Manifest) error {
	m.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&m); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close manifest: %w", err)
	}
	return nil
}
