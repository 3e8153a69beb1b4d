// Package elfx opens ELF executables, locates the sections that back each
// region and maps virtual addresses to file offsets.
package elfx

import (
	"debug/elf"
	"fmt"
	"os"
	"slices"

	"golang.org/x/sys/unix"

	"skyhook/internal/region"
)

type Image struct {
	Path    string
	File    *elf.File
	All     []byte // private, writable mapping of the whole file
	Loads   []Seg
	Text    Section
	Rodata  Section
	Data    Section
	Bss     Section
	Dynsyms []Sym
	Syms    []Sym
	f       *os.File
}

type Seg struct {
	Vaddr, Off, Filesz, Memsz uint64
	Flags                     elf.ProgFlag
}

// End returns the first address past the in-memory segment.
func (s Seg) End() uint64 { return s.Vaddr + s.Memsz }

type Section struct {
	Name          string
	VA, Off, Size uint64
}

// Contains reports whether va lies in the section.
func (s Section) Contains(va uint64) bool {
	return s.Size != 0 && va >= s.VA && va < s.VA+s.Size
}

type Sym struct {
	Name string
	Addr uint64
	Func bool
}

// Open maps path privately: writes to All never reach the file.
func Open(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf: %w", err)
	}

	of, err := os.Open(path)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open file: %w", err)
	}

	fi, err := of.Stat()
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	all, err := unix.Mmap(int(of.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("mmap file: %w", err)
	}

	im := &Image{Path: path, File: f, All: all, f: of}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		im.Loads = append(im.Loads, Seg{
			Vaddr:  p.Vaddr,
			Off:    p.Off,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
			Flags:  p.Flags,
		})
	}
	slices.SortFunc(im.Loads, func(a, b Seg) int {
		switch {
		case a.Vaddr < b.Vaddr:
			return -1
		case a.Vaddr > b.Vaddr:
			return 1
		}
		return 0
	})

	for _, s := range f.Sections {
		switch s.Name {
		case ".text":
			im.Text = Section{s.Name, s.Addr, s.Offset, s.Size}
		case ".rodata":
			im.Rodata = Section{s.Name, s.Addr, s.Offset, s.Size}
		case ".data":
			im.Data = Section{s.Name, s.Addr, s.Offset, s.Size}
		case ".bss":
			im.Bss = Section{s.Name, s.Addr, s.Offset, s.Size}
		}
	}

	im.loadDynamicSymbols()
	im.loadStaticSymbols()

	// Fallbacks if stripped.
	for _, l := range im.Loads {
		switch {
		case l.Filesz == 0:
		case l.Flags&elf.PF_X != 0:
			if im.Text.Size == 0 {
				im.Text = Section{"LOAD(exec)", l.Vaddr, l.Off, l.Filesz}
			}
		case l.Flags&elf.PF_W == 0:
			if im.Rodata.Size == 0 {
				im.Rodata = Section{"LOAD(ro)", l.Vaddr, l.Off, l.Filesz}
			}
		default:
			if im.Data.Size == 0 {
				im.Data = Section{"LOAD(rw)", l.Vaddr, l.Off, l.Filesz}
			}
			if im.Bss.Size == 0 && l.Memsz > l.Filesz {
				im.Bss = Section{"LOAD(bss)", l.Vaddr + l.Filesz, 0, l.Memsz - l.Filesz}
			}
		}
	}
	return im, nil
}

// Close unmaps the memory and closes the underlying files.
func (im *Image) Close() error {
	var err1, err2 error
	if im.All != nil {
		err1 = unix.Munmap(im.All)
		im.All = nil
	}
	if im.f != nil {
		err2 = im.f.Close()
		im.f = nil
	}
	if im.File != nil {
		err3 := im.File.Close()
		if err3 != nil && err2 == nil {
			err2 = err3
		}
		im.File = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// Section returns the section backing r. Heap has no section.
func (im *Image) Section(r region.Region) (Section, bool) {
	var s Section
	switch r {
	case region.Text:
		s = im.Text
	case region.Rodata:
		s = im.Rodata
	case region.Data:
		s = im.Data
	case region.Bss:
		s = im.Bss
	}
	return s, s.Size != 0
}

// PIE reports whether the image is position independent and needs a load
// bias before its addresses are usable.
func (im *Image) PIE() bool { return im.File.Type == elf.ET_DYN }

// VA2Off translates a virtual address into a file offset
// using PT_LOAD segments. It returns false if VA is not file backed.
func (im *Image) VA2Off(va uint64) (uint64, bool) {
	for _, l := range im.Loads {
		if va >= l.Vaddr && va < l.Vaddr+l.Filesz {
			return l.Off + (va - l.Vaddr), true
		}
	}
	return 0, false
}

// SliceVA returns a subslice of the mapped file corresponding to the virtual address range [va, va+size).
// It returns (nil, false) if the VA is unmapped or the range is out of bounds.
func (im *Image) SliceVA(va uint64, size uint64) ([]byte, bool) {
	off, ok := im.VA2Off(va)
	if !ok {
		return nil, false
	}
	if size == 0 {
		return []byte{}, true
	}
	end := off + size
	if end > uint64(len(im.All)) {
		return nil, false
	}
	return im.All[off:end], true
}

// SegmentBytes returns the file-backed bytes of l inside the mapping.
func (im *Image) SegmentBytes(l Seg) []byte {
	return im.All[l.Off : l.Off+l.Filesz]
}

// loadDynamicSymbols loads defined symbols from .dynsym.
func (im *Image) loadDynamicSymbols() {
	if im.File == nil || im.File.Section(".dynsym") == nil {
		return
	}
	dynsyms, err := im.File.DynamicSymbols()
	if err != nil {
		return
	}
	im.Dynsyms = collectSyms(dynsyms)
}

// loadStaticSymbols loads .symtab, which stripped binaries lack.
func (im *Image) loadStaticSymbols() {
	if im.File == nil {
		return
	}
	syms, err := im.File.Symbols()
	if err != nil {
		return
	}
	im.Syms = collectSyms(syms)
}

func collectSyms(syms []elf.Symbol) []Sym {
	var out []Sym
	for _, sym := range syms {
		// undefined
		if sym.Value == 0 || sym.Section == elf.SHN_UNDEF || sym.Name == "" {
			continue
		}
		out = append(out, Sym{
			Name: sym.Name,
			Addr: sym.Value,
			Func: elf.ST_TYPE(sym.Info) == elf.STT_FUNC,
		})
	}
	return out
}

// FindFunctionByName searches for a function by name in the symbol tables.
func (im *Image) FindFunctionByName(name string) (uint64, bool) {
	for _, syms := range [][]Sym{im.Dynsyms, im.Syms} {
		for _, sym := range syms {
			if sym.Name == name {
				return sym.Addr, true
			}
		}
	}
	return 0, false
}
