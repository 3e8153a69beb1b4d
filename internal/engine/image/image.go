// Package image is an engine over an ELF executable on disk. Regions, memory
// writes and hooks all act on a private copy of the file, which Save writes
// out again.
package image

import (
	"debug/elf"
	"fmt"
	"os"

	"skyhook/internal/elfx"
	"skyhook/internal/engine"
	"skyhook/internal/region"
)

const (
	// DefaultBase is where position independent images are loaded.
	DefaultBase = 0x7100000000
	// DefaultHeapSize is the size of the synthetic heap that holds hook stubs.
	DefaultHeapSize = 1 << 20

	heapAlign = 0x10000
)

type config struct {
	base     uintptr
	heapSize int
}

// Option configures Open.
type Option func(*config)

// WithBase sets the load address of a position independent image. It is
// ignored for images linked at a fixed address.
func WithBase(base uintptr) Option {
	return func(c *config) { c.base = base }
}

// WithHeapSize sets the size of the synthetic heap.
func WithHeapSize(n int) Option {
	return func(c *config) { c.heapSize = n }
}

// Image is an engine.Space whose file-backed segments alias the image's
// private mapping.
type Image struct {
	*engine.Space
	elf  *elfx.Image
	bias uintptr
	heap uintptr
}

// Open loads path. Text, Rodata, Data and Bss resolve to their sections;
// Heap is a zeroed segment placed after the last loadable segment.
func Open(path string, opts ...Option) (*Image, error) {
	cfg := config{base: DefaultBase, heapSize: DefaultHeapSize}
	for _, o := range opts {
		o(&cfg)
	}

	ex, err := elfx.Open(path)
	if err != nil {
		return nil, err
	}
	if ex.File.Machine != elf.EM_AARCH64 && ex.File.Machine != elf.EM_X86_64 {
		ex.Close()
		return nil, fmt.Errorf("%s: unsupported machine %s", path, ex.File.Machine)
	}
	if len(ex.Loads) == 0 {
		ex.Close()
		return nil, fmt.Errorf("%s: no loadable segments", path)
	}

	im := &Image{Space: engine.NewSpace(), elf: ex}
	if ex.PIE() {
		im.bias = cfg.base
	}
	if err := im.mapLoads(cfg.heapSize); err != nil {
		ex.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, r := range []region.Region{region.Text, region.Rodata, region.Data, region.Bss} {
		if s, ok := ex.Section(r); ok {
			im.SetRegionBase(r, uintptr(s.VA)+im.bias)
		}
	}
	for _, syms := range [][]elfx.Sym{ex.Syms, ex.Dynsyms} {
		for _, s := range syms {
			im.AddSymbol(s.Name, uintptr(s.Addr)+im.bias)
		}
	}
	return im, nil
}

func (im *Image) mapLoads(heapSize int) error {
	var end uintptr
	for i, l := range im.elf.Loads {
		base := uintptr(l.Vaddr) + im.bias
		if l.Filesz > 0 {
			seg := engine.Segment{
				Name:     fmt.Sprintf("LOAD%d %s", i, flagString(l.Flags)),
				Region:   regionFor(l.Flags),
				Base:     base,
				Mem:      im.elf.SegmentBytes(l),
				Writable: l.Flags&elf.PF_W != 0,
			}
			if err := im.Map(seg); err != nil {
				return err
			}
		}
		if l.Memsz > l.Filesz {
			seg := engine.Segment{
				Name:     fmt.Sprintf("LOAD%d zero", i),
				Region:   region.Bss,
				Base:     base + uintptr(l.Filesz),
				Mem:      make([]byte, l.Memsz-l.Filesz),
				Writable: true,
			}
			if err := im.Map(seg); err != nil {
				return err
			}
		}
		end = max(end, uintptr(l.End())+im.bias)
	}

	im.heap = (end + heapAlign) &^ (heapAlign - 1)
	return im.Map(engine.Segment{
		Name:     "heap",
		Region:   region.Heap,
		Base:     im.heap,
		Mem:      make([]byte, heapSize),
		Writable: true,
	})
}

func regionFor(f elf.ProgFlag) region.Region {
	switch {
	case f&elf.PF_X != 0:
		return region.Text
	case f&elf.PF_W != 0:
		return region.Data
	}
	return region.Rodata
}

func flagString(f elf.ProgFlag) string {
	b := []byte("---")
	if f&elf.PF_R != 0 {
		b[0] = 'r'
	}
	if f&elf.PF_W != 0 {
		b[1] = 'w'
	}
	if f&elf.PF_X != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Bias is the distance between link-time and load addresses.
func (im *Image) Bias() uintptr { return im.bias }

// ELF returns the underlying file.
func (im *Image) ELF() *elfx.Image { return im.elf }

// FileOffset returns where addr is stored in the file.
func (im *Image) FileOffset(addr uintptr) (uint64, bool) {
	return im.elf.VA2Off(uint64(addr - im.bias))
}

// Save writes the patched image to path. Only file-backed bytes are kept:
// Bss and the heap, including any hook stubs, are not part of the file.
func (im *Image) Save(path string) error {
	mode := os.FileMode(0o755)
	if fi, err := os.Stat(im.elf.Path); err == nil {
		mode = fi.Mode().Perm()
	}
	if err := os.WriteFile(path, im.elf.All, mode); err != nil {
		return fmt.Errorf("save image: %w", err)
	}
	return nil
}

// Close releases the mapping. The Space must not be used afterwards.
func (im *Image) Close() error { return im.elf.Close() }
