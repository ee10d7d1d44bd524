//go:build ignore

// This file demonstrates every public API in the vgaboot package.
// It is excluded from the build and serves as a reference and compile-time check.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/tinyrange/vgaboot"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// =========================================================================
	// Build - assemble the entry routine behind a Multiboot2 header
	// =========================================================================
	opts := vgaboot.DefaultOptions()
	opts.Kernel.Message = "OK"
	opts.Kernel.Attribute = vgaboot.NewAttribute(vgaboot.Color(14), vgaboot.Color(1))
	opts.Kernel.Overflow = vgaboot.OverflowReject
	opts.Image.Format = vgaboot.FormatELF

	k, err := vgaboot.Build(opts)
	if errors.Is(err, vgaboot.ErrMessageTooLong) {
		return fmt.Errorf("message does not fit the screen: %w", err)
	} else if err != nil {
		return err
	}

	_ = k.Options()
	_ = k.Format()
	_ = k.HeaderOffset()
	start, end := k.HaltLoop()
	fmt.Printf("entry %#x, halt loop [%#x, %#x)\n", k.Entry(), start, end)

	if err := k.WriteFile("kernel.elf"); err != nil {
		return err
	}

	// =========================================================================
	// Boot - run the image on an emulated PC
	// =========================================================================
	res, err := vgaboot.Boot(ctx, k.Image(), vgaboot.BootOptions{
		CommandLine: "quiet",
		TracePath:   "kernel.trace",
	})
	switch {
	case errors.Is(err, vgaboot.ErrNoHalt):
		return fmt.Errorf("kernel kept running: %w", err)
	case errors.Is(err, vgaboot.ErrNoHeader), errors.Is(err, vgaboot.ErrUnsupportedTag):
		return fmt.Errorf("loader refused the image: %w", err)
	case err != nil:
		return err
	}

	fmt.Println(res.Screen.Row(0))
	fmt.Printf("%d instructions, %d writes, halted at %#x, confined=%v\n",
		res.Steps, len(res.Writes()), res.HaltEIP, res.Confined)
	fmt.Printf("screen digest %x\n", res.Screen.Digest())
	return nil
}
