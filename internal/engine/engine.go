// Package engine defines the contract of the native hook engine this module
// drives: region base lookup, the memory copy primitive, and the function and
// inline hook entry points.
//
// The engine is a collaborator, not part of the core. Callers inject one of
// the implementations in this tree ([Space], image.Image, live.Engine) or
// their own.
package engine

import (
	"fmt"

	"skyhook/internal/region"
)

// Status is the result code returned by the memory copy primitive.
// Zero means success.
type Status uint32

const (
	StatusOK Status = 0
	// StatusUnmapped is returned when the destination is not mapped.
	StatusUnmapped Status = 0xCC01
	// StatusReadOnly is returned when the destination is mapped without write access.
	StatusReadOnly Status = 0xD801
	// StatusUnavailable is returned when the copy entry point itself is missing.
	StatusUnavailable Status = 0xF601
)

// OK reports whether s is a success code.
func (s Status) OK() bool { return s == StatusOK }

func (s Status) String() string {
	return fmt.Sprintf("0x%X", uint32(s))
}

// Engine is the native patching/hooking primitive set.
type Engine interface {
	region.Source

	// MemCopy copies src to the absolute address dst, bypassing page protection.
	MemCopy(dst uintptr, src []byte) Status

	// HookFunction redirects target to replace and stores a callable pointer to
	// the original code in orig.
	HookFunction(target, replace uintptr, orig *uintptr)

	// InlineHook inserts a call to replace at target. Control returns to the
	// instruction at target once replace returns.
	InlineHook(target, replace uintptr)
}

// Reader is implemented by engines that can read back process memory.
type Reader interface {
	ReadMemory(addr uintptr, buf []byte) error
}

// SymbolResolver is implemented by engines that can look up a symbol by name.
type SymbolResolver interface {
	LookupSymbol(name string) (uintptr, bool)
}

// Entry names one native entry point.
type Entry int

const (
	EntryRegionAddress Entry = iota
	EntryMemCopy
	EntryHookFunction
	EntryInlineHook
)

func (e Entry) String() string {
	switch e {
	case EntryRegionAddress:
		return "RegionAddress"
	case EntryMemCopy:
		return "MemCopy"
	case EntryHookFunction:
		return "HookFunction"
	case EntryInlineHook:
		return "InlineHook"
	}
	return fmt.Sprintf("Entry(%d)", int(e))
}

// Prober is implemented by engines whose entry points may be missing at
// runtime, e.g. when the plugin providing them failed to load.
type Prober interface {
	Available(e Entry) bool
}

// Available reports whether entry can be called on eng. Engines that do not
// implement [Prober] are assumed complete.
func Available(eng Engine, entry Entry) bool {
	if eng == nil {
		return false
	}
	if p, ok := eng.(Prober); ok {
		return p.Available(entry)
	}
	return true
}

// Funcs adapts plain function values to [Engine]. A nil field behaves like a
// null native entry point and is reported as unavailable.
type Funcs struct {
	Region func(r region.Region) uintptr
	Copy   func(dst uintptr, src []byte) Status
	Hook   func(target, replace uintptr, orig *uintptr)
	Inline func(target, replace uintptr)
	Read   func(addr uintptr, buf []byte) error
}

func (f *Funcs) RegionAddress(r region.Region) uintptr {
	if f.Region == nil {
		return 0
	}
	return f.Region(r)
}

func (f *Funcs) MemCopy(dst uintptr, src []byte) Status {
	if f.Copy == nil {
		return StatusUnavailable
	}
	return f.Copy(dst, src)
}

func (f *Funcs) HookFunction(target, replace uintptr, orig *uintptr) {
	if f.Hook == nil {
		panic("engine: HookFunction entry point is null")
	}
	f.Hook(target, replace, orig)
}

func (f *Funcs) InlineHook(target, replace uintptr) {
	if f.Inline == nil {
		panic("engine: InlineHook entry point is null")
	}
	f.Inline(target, replace)
}

func (f *Funcs) ReadMemory(addr uintptr, buf []byte) error {
	if f.Read == nil {
		return fmt.Errorf("engine: memory at 0x%x is not readable", addr)
	}
	return f.Read(addr, buf)
}

func (f *Funcs) Available(e Entry) bool {
	switch e {
	case EntryRegionAddress:
		return f.Region != nil
	case EntryMemCopy:
		return f.Copy != nil
	case EntryHookFunction:
		return f.Hook != nil
	case EntryInlineHook:
		return f.Inline != nil
	}
	return false
}
