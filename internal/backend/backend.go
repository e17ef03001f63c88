// Package backend drives the lowering pipeline: target lookup, then
// per-function classification, allocation and code generation. Functions
// are independent once the shared tables are built, so they compile in
// parallel; a bad function is reported and skipped, a bad configuration
// aborts everything.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/vireo-cc/vireo/internal/abi"
	"github.com/vireo-cc/vireo/internal/asm"
	"github.com/vireo-cc/vireo/internal/backend/diag"
	"github.com/vireo-cc/vireo/internal/callconv"
	codegen "github.com/vireo-cc/vireo/internal/codegen/amd64"
	"github.com/vireo-cc/vireo/internal/cpp/types"
	"github.com/vireo-cc/vireo/internal/ir"
	"github.com/vireo-cc/vireo/internal/regalloc"
)

// Config selects the target and tunes the pipeline.
type Config struct {
	Target abi.Target

	// Workers bounds concurrent function compilations. Zero means one
	// per CPU.
	Workers int

	// Registers overrides the allocatable pools; nil uses the target
	// defaults.
	Registers *regalloc.Options

	Logger *slog.Logger

	// Progress, when set, is called after each function finishes,
	// successfully or not. It must be safe for concurrent use.
	Progress func(name string)
}

// FunctionResult is one successfully lowered function.
type FunctionResult struct {
	Name   string
	Code   []byte
	Relocs []asm.SymbolReloc
	Frame  *codegen.Frame
	Unwind *codegen.Record
	Sig    *callconv.Classification
	Spills int
}

// Failure records a function the backend had to skip.
type Failure struct {
	Name string
	Kind diag.Kind
	Err  error
}

// Result is the outcome of one compilation: lowered functions in input
// order plus the failures encountered along the way.
type Result struct {
	Target    abi.Target
	Functions []*FunctionResult
	Failures  []Failure
}

// Compile lowers every function of prog for the configured target.
// Only configuration problems produce a non-nil error; per-function
// problems land in Result.Failures.
func Compile(ctx context.Context, prog *ir.Program, cfg Config) (*Result, error) {
	desc, err := abi.Lookup(cfg.Target)
	if err != nil {
		return nil, diag.Config(err)
	}
	if prog.Types == nil {
		return nil, diag.Config(fmt.Errorf("backend: program has no type table"))
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := regalloc.DefaultOptions(desc)
	if cfg.Registers != nil {
		opts = *cfg.Registers
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	logger.Debug("backend start",
		"target", string(desc.Target),
		"functions", len(prog.Funcs),
		"workers", workers)

	outputs := make([]*codegen.Output, len(prog.Funcs))
	errs := make([]error, len(prog.Funcs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, fn := range prog.Funcs {
		i, fn := i, fn
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := lowerFunction(fn, desc, prog.Types, opts)
			if cfg.Progress != nil {
				cfg.Progress(fn.Name)
			}
			if err != nil {
				if diag.IsFatal(err) {
					return err
				}
				errs[i] = err
				return nil
			}
			outputs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Target: desc.Target}
	return collect(res, prog, outputs, errs, logger), nil
}

// lowerFunction shields the pipeline from a panicking lowering stage:
// malformed input downs one function, never the compile.
func lowerFunction(fn *ir.Function, desc *abi.Descriptor, tc *types.Context, opts regalloc.Options) (out *codegen.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = diag.Function(fn.Name, fmt.Errorf("internal error: %v", r))
		}
	}()
	return codegen.Lower(fn, desc, tc, opts)
}

func collect(res *Result, prog *ir.Program, outputs []*codegen.Output, errs []error, logger *slog.Logger) *Result {
	for i, fn := range prog.Funcs {
		if errs[i] != nil {
			logger.Warn("function skipped", "function", fn.Name, "error", errs[i])
			res.Failures = append(res.Failures, Failure{
				Name: fn.Name,
				Kind: diag.KindOf(errs[i]),
				Err:  errs[i],
			})
			continue
		}
		out := outputs[i]
		logger.Debug("function lowered",
			"function", out.Name,
			"bytes", len(out.Code),
			"spills", out.Alloc.NumSpills,
			"frame", out.Frame.FrameBytes)
		res.Functions = append(res.Functions, &FunctionResult{
			Name:   out.Name,
			Code:   out.Code,
			Relocs: out.Relocs,
			Frame:  out.Frame,
			Unwind: out.Unwind,
			Sig:    out.Sig,
			Spills: out.Alloc.NumSpills,
		})
	}
	return res
}
