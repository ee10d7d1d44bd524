package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/montanaflynn/stats"
	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/vgaboot"
	"github.com/tinyrange/vgaboot/internal/image"
	"github.com/tinyrange/vgaboot/internal/manifest"
	"github.com/tinyrange/vgaboot/internal/trace"
	"github.com/tinyrange/vgaboot/internal/vga"
	"golang.org/x/term"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "vgaboot: %v\n", err)
		os.Exit(1)
	}
}

type command struct {
	name  string
	usage string
	run   func(args []string) error
}

var commands = []command{
	{"build", "build a kernel image from a manifest or flags", runBuild},
	{"inspect", "print the Multiboot2 header and segments of an image", runInspect},
	{"run", "boot an image on the emulated PC and print the screen", runBoot},
	{"verify", "boot an image repeatedly and check every boot is identical", runVerify},
	{"trace", "print the records of a trace file", runTrace},
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: vgaboot <command> [flags] [args]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", c.name, c.usage)
	}
	fmt.Fprintf(os.Stderr, "\nRun 'vgaboot <command> -h' for the flags of a command.\n")
}

func run(args []string) error {
	if len(args) < 1 {
		usage()
		return fmt.Errorf("command required")
	}
	for _, c := range commands {
		if c.name == args[0] {
			err := c.run(args[1:])
			if errors.Is(err, flag.ErrHelp) {
				return nil
			}
			return err
		}
	}
	if args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		usage()
		return nil
	}
	usage()
	return fmt.Errorf("unknown command %q", args[0])
}

// newFlagSet returns a flag set with the shared -debug flag.
func newFlagSet(name, args string) (*flag.FlagSet, *bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	debug := fs.Bool("debug", false, "Enable debug logging")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: vgaboot %s [flags] %s\n\nFlags:\n", name, args)
		fs.PrintDefaults()
	}
	return fs, debug
}

func setupLogging(debug bool) {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func parseAddress(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return uint32(v), nil
}

func runBuild(args []string) error {
	fs, debug := newFlagSet("build", "")
	manifestPath := fs.String("manifest", "", "Read the build from a YAML manifest (file or directory)")
	message := fs.String("message", "", "Message to write (default: the stock message)")
	fg := fs.String("fg", "", "Foreground colour, name or 0-15")
	bg := fs.String("bg", "", "Background colour, name or 0-15")
	overflow := fs.String("overflow", "", "Overflow policy: reject, truncate or halt")
	format := fs.String("format", "", "Image format: elf or flat")
	load := fs.String("load", "", "Load address (default 0x100000)")
	output := fs.String("o", "", "Output file (default kernel.elf)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogging(*debug)

	m := manifest.Default()
	if *manifestPath != "" {
		var err error
		if m, err = manifest.Load(*manifestPath); err != nil {
			return err
		}
	}

	// Flags given on the command line override the manifest.
	var loadErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "message":
			msg := *message
			m.Message = &msg
		case "fg":
			m.Foreground = *fg
		case "bg":
			m.Background = *bg
		case "overflow":
			m.Overflow = *overflow
		case "format":
			m.Format = *format
		case "load":
			m.LoadAddress, loadErr = parseAddress(*load)
		case "o":
			m.Output = *output
		}
	})
	if loadErr != nil {
		return loadErr
	}

	kcfg, err := m.Kernel()
	if err != nil {
		return err
	}
	icfg, err := m.Image()
	if err != nil {
		return err
	}
	k, err := vgaboot.Build(vgaboot.Options{Kernel: kcfg, Image: icfg})
	if err != nil {
		return err
	}
	if err := k.WriteFile(m.Output); err != nil {
		return err
	}
	fmt.Printf("%s: %s image, %s, entry %#x\n", m.Output, k.Format(), humanize.Bytes(uint64(len(k.Image()))), k.Entry())
	return nil
}

func readImage(fs *flag.FlagSet) ([]byte, string, error) {
	if fs.NArg() != 1 {
		fs.Usage()
		return nil, "", fmt.Errorf("image file required")
	}
	path := fs.Arg(0)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	return data, path, nil
}

func runInspect(args []string) error {
	fs, debug := newFlagSet("inspect", "<image>")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogging(*debug)

	data, path, err := readImage(fs)
	if err != nil {
		return err
	}
	info, err := image.Inspect(data)
	if err != nil {
		return err
	}

	magic, arch, length, checksum := info.Header.Fields()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "file\t%s (%s, %d bytes)\n", path, info.Format, info.Size)
	fmt.Fprintf(w, "header offset\t%#x\n", info.HeaderOffset)
	fmt.Fprintf(w, "magic\t%#08x\n", magic)
	fmt.Fprintf(w, "architecture\t%s\n", arch)
	fmt.Fprintf(w, "header length\t%d\n", length)
	fmt.Fprintf(w, "checksum\t%#08x\n", checksum)
	for _, tag := range info.Header.Tags {
		opt := ""
		if tag.Optional() {
			opt = " (optional)"
		}
		fmt.Fprintf(w, "tag\t%s%s\n", tag.Type(), opt)
	}
	fmt.Fprintf(w, "entry\t%#x\n", info.Entry)
	for _, s := range info.Segments {
		fmt.Fprintf(w, "segment\t%#x-%#x file %d bytes at %#x\n", s.Addr, s.End(), len(s.Data), s.Offset)
	}
	return w.Flush()
}

func runBoot(args []string) error {
	fs, debug := newFlagSet("run", "<image>")
	cmdline := fs.String("cmdline", "", "Command line passed in the boot information")
	budget := fs.Int64("budget", vgaboot.DefaultBudget, "Instructions to run before giving up")
	tracePath := fs.String("trace", "", "Write the store trace to this file")
	color := fs.String("color", "auto", "Colour output: auto, always or never")
	full := fs.Bool("full", false, "Print all 25 rows instead of trimming blank ones")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogging(*debug)

	data, _, err := readImage(fs)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := vgaboot.Boot(ctx, data, vgaboot.BootOptions{
		CommandLine: *cmdline,
		Budget:      *budget,
		TracePath:   *tracePath,
	})
	if err != nil {
		return err
	}

	useColor, err := colorEnabled(*color, os.Stdout)
	if err != nil {
		return err
	}
	if err := res.Screen.Render(os.Stdout, vga.RenderOptions{Color: useColor, Trim: !*full}); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "halted at %#x after %s instructions, %d writes\n", res.HaltEIP, humanize.Comma(int64(res.Steps)), len(res.Writes()))
	if !res.Confined {
		return fmt.Errorf("processor left the halt loop")
	}
	return nil
}

func colorEnabled(mode string, out *os.File) (bool, error) {
	switch mode {
	case "auto":
		return term.IsTerminal(int(out.Fd())), nil
	case "always":
		return true, nil
	case "never":
		return false, nil
	default:
		return false, fmt.Errorf("invalid -color %q", mode)
	}
}

func runVerify(args []string) error {
	fs, debug := newFlagSet("verify", "<image>")
	boots := fs.Int("n", 20, "Number of cold boots")
	budget := fs.Int64("budget", vgaboot.DefaultBudget, "Instructions to run before giving up")
	quiet := fs.Bool("q", false, "Do not show progress")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogging(*debug)
	if *boots < 1 {
		return fmt.Errorf("-n must be at least 1")
	}

	data, _, err := readImage(fs)
	if err != nil {
		return err
	}

	var progress io.Writer = os.Stderr
	if *quiet {
		progress = io.Discard
	}
	bar := progressbar.NewOptions(*boots,
		progressbar.OptionSetWriter(progress),
		progressbar.OptionSetDescription("booting"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var first *vgaboot.Result
	durations := make(stats.Float64Data, 0, *boots)
	for i := 0; i < *boots; i++ {
		start := time.Now()
		res, err := vgaboot.Boot(ctx, data, vgaboot.BootOptions{Budget: *budget})
		durations = append(durations, time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("boot %d: %w", i+1, err)
		}
		if err := checkBoot(res, first); err != nil {
			return fmt.Errorf("boot %d: %w", i+1, err)
		}
		if first == nil {
			first = res
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()

	digest := first.Screen.Digest()
	fmt.Printf("%d boots identical: %d writes, halt at %#x, screen %x\n", *boots, len(first.Writes()), first.HaltEIP, digest[:8])

	summary, err := summarize(durations, first.Steps)
	if err != nil {
		return err
	}
	fmt.Println(summary)
	return nil
}

// summarize reports host time per boot. Only the guest side is
// deterministic; these numbers vary from run to run.
func summarize(seconds stats.Float64Data, steps uint64) (string, error) {
	mean, err := seconds.Mean()
	if err != nil {
		return "", fmt.Errorf("boot time statistics: %w", err)
	}
	median, err := seconds.Median()
	if err != nil {
		return "", fmt.Errorf("boot time statistics: %w", err)
	}
	// Percentile needs more samples than a short run may have.
	p95, err := seconds.Percentile(95)
	if err != nil {
		if p95, err = seconds.Max(); err != nil {
			return "", fmt.Errorf("boot time statistics: %w", err)
		}
	}
	rate := "n/a"
	if mean > 0 {
		rate = humanize.SIWithDigits(float64(steps)/mean, 1, "ips")
	}
	return fmt.Sprintf("boot time mean %s, median %s, p95 %s (%s instructions, %s)",
		secondsDuration(mean), secondsDuration(median), secondsDuration(p95),
		humanize.Comma(int64(steps)), rate), nil
}

func secondsDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second)).Round(time.Microsecond)
}

var errMismatch = errors.New("boot differs from the first boot")

// checkBoot verifies the per-boot guarantees and compares res with the
// first boot, if there was one.
func checkBoot(res, first *vgaboot.Result) error {
	if !res.Confined {
		return fmt.Errorf("processor left the halt loop")
	}
	for _, w := range res.Writes() {
		if !vga.Contains(w.Addr, int(w.Size)) {
			return fmt.Errorf("write outside the frame buffer: %v", w)
		}
	}
	if first == nil {
		return nil
	}
	if res.Screen.Digest() != first.Screen.Digest() {
		return fmt.Errorf("%w: screen contents", errMismatch)
	}
	if res.Steps != first.Steps || res.HaltEIP != first.HaltEIP || len(res.Trace) != len(first.Trace) {
		return fmt.Errorf("%w: %d steps halting at %#x, first boot %d at %#x", errMismatch, res.Steps, res.HaltEIP, first.Steps, first.HaltEIP)
	}
	return nil
}

func runTrace(args []string) error {
	fs, debug := newFlagSet("trace", "<trace file>")
	kind := fs.String("kind", "", "Only show records of this kind: store or halt")
	outside := fs.Bool("outside", false, "Only show stores outside the frame buffer")
	limit := fs.Int("limit", 0, "Maximum records to print (0 for unlimited)")
	count := fs.Bool("count", false, "Print the number of matching records only")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogging(*debug)
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("trace file required")
	}

	reader, closer, err := trace.NewReaderFromFile(fs.Arg(0))
	if err != nil {
		return err
	}
	defer closer.Close()

	opts := trace.SearchOptions{}
	switch *kind {
	case "":
	case "store":
		opts.Kinds = []trace.Kind{trace.KindStore}
	case "halt":
		opts.Kinds = []trace.Kind{trace.KindHalt}
	default:
		return fmt.Errorf("invalid -kind %q", *kind)
	}
	if *outside {
		opts.Outside = true
		opts.Low = uint64(vga.BaseAddress)
		opts.High = uint64(vga.BaseAddress) + vga.Size
	}

	if *count {
		n, err := reader.Count(opts)
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	}

	printed := 0
	errLimit := errors.New("limit reached")
	err = reader.Search(opts, func(r trace.Record) error {
		if *limit > 0 && printed >= *limit {
			return errLimit
		}
		fmt.Println(r)
		printed++
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return err
	}
	return nil
}
