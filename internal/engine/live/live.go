//go:build linux || dragonfly || freebsd || netbsd || openbsd

// Package live is an engine over the running process. Region bases come from
// the executable's sections shifted by the load bias; writes go straight to
// memory after the pages are made writable.
//
// There is no native hook engine behind it, so HookFunction and InlineHook
// are reported unavailable. Writes to code do not flush the instruction cache.
package live

import (
	"debug/elf"
	"fmt"
	"os"
	"reflect"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ianlancetaylor/demangle"
	"golang.org/x/sys/unix"

	"skyhook/internal/elfx"
	"skyhook/internal/engine"
	"skyhook/internal/region"
)

// Engine implements engine.Engine, engine.Reader and engine.SymbolResolver
// for the current process.
type Engine struct {
	mu   sync.Mutex
	exe  *elfx.Image
	bias uintptr
}

// New loads the running executable's headers and computes its load bias.
func New() (*Engine, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("live: %w", err)
	}
	ex, err := elfx.Open(path)
	if err != nil {
		return nil, fmt.Errorf("live: %w", err)
	}
	bias, err := loadBias(ex)
	if err != nil {
		ex.Close()
		return nil, err
	}
	return &Engine{exe: ex, bias: bias}, nil
}

func anchor() {}

// loadBias compares where anchor runs with where the symbol table puts it.
func loadBias(ex *elfx.Image) (uintptr, error) {
	if !ex.PIE() {
		return 0, nil
	}
	pc := reflect.ValueOf(anchor).Pointer()
	name := runtime.FuncForPC(pc).Name()
	va, ok := ex.FindFunctionByName(name)
	if !ok {
		return 0, fmt.Errorf("live: %s is stripped, cannot find %s to compute the load bias", ex.Path, name)
	}
	return pc - uintptr(va), nil
}

// Bias returns the load bias of the executable.
func (e *Engine) Bias() uintptr { return e.bias }

// Close releases the executable's mapping.
func (e *Engine) Close() error { return e.exe.Close() }

// RegionAddress returns the runtime address of the section backing r.
// The process has no stub heap, so Heap resolves to 0.
func (e *Engine) RegionAddress(r region.Region) uintptr {
	s, ok := e.exe.Section(r)
	if !ok {
		return 0
	}
	return uintptr(s.VA) + e.bias
}

// segment returns the PT_LOAD holding [addr, addr+n).
func (e *Engine) segment(addr uintptr, n int) (elfx.Seg, bool) {
	if addr < e.bias {
		return elfx.Seg{}, false
	}
	va := uint64(addr - e.bias)
	for _, l := range e.exe.Loads {
		if va >= l.Vaddr && va+uint64(n) <= l.End() && va+uint64(n) >= va {
			return l, true
		}
	}
	return elfx.Seg{}, false
}

// MemCopy writes src at dst. The destination must lie in one loadable
// segment of the executable.
func (e *Engine) MemCopy(dst uintptr, src []byte) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.segment(dst, len(src))
	if !ok {
		return engine.StatusUnmapped
	}
	if len(src) == 0 {
		return engine.StatusOK
	}
	prot := unix.PROT_READ | unix.PROT_WRITE
	if l.Flags&elf.PF_X != 0 {
		prot |= unix.PROT_EXEC
	}
	if err := makeWritable(dst, len(src), prot); err != nil {
		return engine.StatusReadOnly
	}
	copy(bytesAt(dst, len(src)), src)
	return engine.StatusOK
}

// ReadMemory copies len(buf) bytes at addr into buf.
func (e *Engine) ReadMemory(addr uintptr, buf []byte) error {
	if _, ok := e.segment(addr, len(buf)); !ok {
		return fmt.Errorf("read 0x%x (%d bytes): not mapped", addr, len(buf))
	}
	copy(buf, bytesAt(addr, len(buf)))
	return nil
}

// LookupSymbol finds name in the symbol tables, raw or demangled.
func (e *Engine) LookupSymbol(name string) (uintptr, bool) {
	if va, ok := e.exe.FindFunctionByName(name); ok {
		return uintptr(va) + e.bias, true
	}
	for _, syms := range [][]elfx.Sym{e.exe.Dynsyms, e.exe.Syms} {
		for _, s := range syms {
			if demangle.Filter(s.Name, demangle.NoParams) == name {
				return uintptr(s.Addr) + e.bias, true
			}
		}
	}
	return 0, false
}

func (e *Engine) HookFunction(target, replace uintptr, orig *uintptr) {
	panic(fmt.Sprintf("live: %s entry point is null", engine.EntryHookFunction))
}

func (e *Engine) InlineHook(target, replace uintptr) {
	panic(fmt.Sprintf("live: %s entry point is null", engine.EntryInlineHook))
}

// Available reports the hook entry points as missing.
func (e *Engine) Available(entry engine.Entry) bool {
	switch entry {
	case engine.EntryHookFunction, engine.EntryInlineHook:
		return false
	}
	return true
}

func makeWritable(addr uintptr, size, prot int) error {
	start, n := pageSpan(addr, size, uintptr(os.Getpagesize()))
	return unix.Mprotect(bytesAt(start, int(n)), prot)
}

// pageSpan returns the start and length of the whole pages covering
// [addr, addr+size).
func pageSpan(addr uintptr, size int, pageSize uintptr) (uintptr, uintptr) {
	start := addr &^ (pageSize - 1)
	end := (addr + uintptr(size) + pageSize - 1) &^ (pageSize - 1)
	return start, end - start
}

func bytesAt(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}
