// Package region names the segments of the loaded executable and resolves
// them to runtime base addresses.
//
// Base addresses can change between process loads, so nothing here caches a
// resolved address: every call asks the engine again.
package region

import (
	"fmt"
	"strings"
)

// Region is a named segment of the running executable, or its heap.
type Region uint8

const (
	Text Region = iota
	Rodata
	Data
	Bss
	Heap
)

// All lists every region in declaration order.
var All = []Region{Text, Rodata, Data, Bss, Heap}

var names = [...]string{
	Text:   "text",
	Rodata: "rodata",
	Data:   "data",
	Bss:    "bss",
	Heap:   "heap",
}

func (r Region) String() string {
	if int(r) < len(names) {
		return names[r]
	}
	return fmt.Sprintf("region(%d)", uint8(r))
}

// Valid reports whether r is one of the declared regions.
func (r Region) Valid() bool {
	return int(r) < len(names)
}

// ParseRegion accepts the lowercase region name, with or without a leading dot.
func ParseRegion(s string) (Region, error) {
	name := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), ".")
	for i, n := range names {
		if n == name {
			return Region(i), nil
		}
	}
	return 0, fmt.Errorf("unknown region %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (r Region) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid region %d", uint8(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Region) UnmarshalText(b []byte) error {
	v, err := ParseRegion(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Source supplies region base addresses. A zero return means the region is
// not available.
type Source interface {
	RegionAddress(r Region) uintptr
}

// Resolver turns regions and region-relative addresses into absolute ones.
type Resolver struct {
	src Source
}

// NewResolver wraps src. It panics when src is nil.
func NewResolver(src Source) *Resolver {
	if src == nil {
		panic("region: nil address source")
	}
	return &Resolver{src: src}
}

// Resolve returns the current base address of r.
//
// A zero base is a fatal misconfiguration: any write relative to it would land
// in unrelated memory, so Resolve panics instead of returning it.
func (res *Resolver) Resolve(r Region) uintptr {
	base := res.src.RegionAddress(r)
	if base == 0 {
		panic(fmt.Sprintf("region: %s base address is null", r))
	}
	return base
}

func (res *Resolver) Text() uintptr   { return res.Resolve(Text) }
func (res *Resolver) Rodata() uintptr { return res.Resolve(Rodata) }
func (res *Resolver) Data() uintptr   { return res.Resolve(Data) }
func (res *Resolver) Bss() uintptr    { return res.Resolve(Bss) }
func (res *Resolver) Heap() uintptr   { return res.Resolve(Heap) }

// Address is an offset relative to the start of a region.
type Address struct {
	Region Region
	Offset uint64
}

// At builds a region-relative address.
func At(r Region, offset uint64) Address {
	return Address{Region: r, Offset: offset}
}

// Add returns a copy of a moved by delta bytes.
func (a Address) Add(delta int64) Address {
	a.Offset = uint64(int64(a.Offset) + delta)
	return a
}

// Resolve converts a to an absolute address using the current region base.
func (a Address) Resolve(res *Resolver) uintptr {
	return res.Resolve(a.Region) + uintptr(a.Offset)
}

func (a Address) String() string {
	return fmt.Sprintf("%s+0x%x", a.Region, a.Offset)
}
