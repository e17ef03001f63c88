// Command vireo-backend lowers the built-in sample programs for a
// chosen target and prints a hex listing of the generated code together
// with frame and unwind summaries.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/schollz/progressbar/v3"

	"github.com/vireo-cc/vireo/internal/abi"
	"github.com/vireo-cc/vireo/internal/backend"
	"github.com/vireo-cc/vireo/internal/cpp/types"
	"github.com/vireo-cc/vireo/internal/ir"
	"github.com/vireo-cc/vireo/internal/regalloc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vireo-backend: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML run configuration")
	target := flag.String("target", "", "Target ABI (win64, sysv64); overrides the config")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Lower the sample programs and print a hex listing.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *target != "" {
		cfg.Target = *target
	}

	tc := types.NewContext()
	prog := buildSamples(tc)
	if len(cfg.Programs) > 0 {
		prog.Funcs = slices.DeleteFunc(prog.Funcs, func(f *ir.Function) bool {
			return !slices.Contains(cfg.Programs, f.Name)
		})
	}
	if len(prog.Funcs) == 0 {
		return fmt.Errorf("no programs selected")
	}

	bcfg := backend.Config{
		Target:  abi.Target(cfg.Target),
		Workers: cfg.Workers,
	}
	if cfg.IntRegisters > 0 {
		desc, err := abi.Lookup(abi.Target(cfg.Target))
		if err != nil {
			return err
		}
		opts := regalloc.DefaultOptions(desc)
		if cfg.IntRegisters < len(opts.IntPool) {
			opts.IntPool = opts.IntPool[:cfg.IntRegisters]
		}
		bcfg.Registers = &opts
	}

	bar := progressbar.Default(int64(len(prog.Funcs)), "lowering")
	bcfg.Progress = func(string) { _ = bar.Add(1) }

	res, err := backend.Compile(context.Background(), prog, bcfg)
	if err != nil {
		return err
	}
	_ = bar.Finish()

	out := os.Stdout
	if cfg.Listing != "" && cfg.Listing != "-" {
		f, err := os.Create(cfg.Listing)
		if err != nil {
			return fmt.Errorf("create listing: %w", err)
		}
		defer f.Close()
		out = f
	}

	for _, fn := range res.Functions {
		writeListing(out, fn)
	}
	for _, fail := range res.Failures {
		slog.Error("function failed", "function", fail.Name, "kind", fail.Kind.String(), "error", fail.Err)
	}
	if len(res.Failures) > 0 {
		return fmt.Errorf("%d function(s) failed", len(res.Failures))
	}
	return nil
}

func writeListing(w io.Writer, fn *backend.FunctionResult) {
	fmt.Fprintf(w, "%s: %d bytes, frame %d, spills %d\n",
		fn.Name, len(fn.Code), fn.Frame.FrameBytes, fn.Spills)
	for off := 0; off < len(fn.Code); off += 16 {
		end := min(off+16, len(fn.Code))
		var hexed strings.Builder
		for _, b := range fn.Code[off:end] {
			fmt.Fprintf(&hexed, "%02x ", b)
		}
		fmt.Fprintf(w, "  %04x  %s\n", off, strings.TrimRight(hexed.String(), " "))
	}
	for _, rel := range fn.Relocs {
		fmt.Fprintf(w, "  reloc %04x -> %s\n", rel.Offset, rel.Symbol)
	}
	for _, region := range fn.Unwind.Regions {
		fmt.Fprintf(w, "  unwind %q [%04x,%04x)", region.Name, region.Begin, region.End)
		for _, act := range region.Actions {
			fmt.Fprintf(w, " %s@%+d", act.Symbol, act.LocalOffset)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w)
}
