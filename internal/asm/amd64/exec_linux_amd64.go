//go:build linux && amd64

package amd64

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Func is a compiled function mapped into executable memory. Only usable on
// linux/amd64 where the host calling convention matches the SysV target.
type Func struct {
	entry uintptr
}

// Entry returns the entrypoint address of the mapped code.
func (fn Func) Entry() uintptr {
	return fn.entry
}

// Call executes the mapped code with up to six integer/pointer arguments
// passed in the SysV argument registers. The return value is whatever the
// code leaves in RAX.
func (fn Func) Call(args ...uintptr) uintptr {
	if fn.entry == 0 {
		panic("amd64: call on zero Func")
	}
	if len(args) > 6 {
		panic(fmt.Sprintf("amd64: at most 6 native arguments, got %d", len(args)))
	}
	if len(args) == 0 {
		return callNative(fn.entry, nil, 0)
	}
	return callNative(fn.entry, &args[0], uintptr(len(args)))
}

// MapExecutable copies code into a fresh executable mapping and returns the
// entry point plus a release function.
func MapExecutable(code []byte) (Func, func(), error) {
	if len(code) == 0 {
		return Func{}, nil, fmt.Errorf("amd64: empty code")
	}

	pageSize := unix.Getpagesize()
	allocSize := ((len(code) + pageSize - 1) / pageSize) * pageSize

	mem, err := unix.Mmap(-1, 0, allocSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return Func{}, nil, fmt.Errorf("amd64: mmap code region: %w", err)
	}
	copy(mem, code)

	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return Func{}, nil, fmt.Errorf("amd64: mprotect code region: %w", err)
	}

	entry := uintptr(unsafe.Pointer(&mem[0]))
	return Func{entry: entry}, func() {
		_ = unix.Munmap(mem)
	}, nil
}

// callNative is implemented in exec_linux_amd64.s.
func callNative(entry uintptr, args *uintptr, nargs uintptr) uintptr
