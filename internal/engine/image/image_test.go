package image

import (
	"debug/elf"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyhook/internal/hook"
	"skyhook/internal/patch"
	"skyhook/internal/region"
)

func openSelf(t *testing.T, opts ...Option) *Image {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	if f, err := elf.Open(exe); err != nil {
		t.Skipf("test binary is not ELF: %v", err)
	} else {
		f.Close()
	}
	im, err := Open(exe, opts...)
	if err != nil {
		t.Skipf("cannot load test binary: %v", err)
	}
	t.Cleanup(func() { im.Close() })
	return im
}

func TestOpenRegions(t *testing.T) {
	im := openSelf(t)
	ex := im.ELF()

	assert.Equal(t, uintptr(ex.Text.VA)+im.Bias(), im.RegionAddress(region.Text))
	assert.Equal(t, uintptr(ex.Rodata.VA)+im.Bias(), im.RegionAddress(region.Rodata))
	heap := im.RegionAddress(region.Heap)
	assert.NotZero(t, heap)
	assert.Zero(t, heap%heapAlign)
	if ex.PIE() {
		assert.Equal(t, uintptr(DefaultBase), im.Bias())
	} else {
		assert.Zero(t, im.Bias())
	}

	buf := make([]byte, 16)
	require.NoError(t, im.ReadMemory(im.RegionAddress(region.Text), buf))
	want, _ := ex.SliceVA(ex.Text.VA, 16)
	assert.Equal(t, want, buf)
}

func TestOpenWithBase(t *testing.T) {
	im := openSelf(t, WithBase(0x5500000000), WithHeapSize(0x1000))
	if !im.ELF().PIE() {
		assert.Zero(t, im.Bias())
		return
	}
	assert.Equal(t, uintptr(0x5500000000), im.Bias())
}

func TestPatchAndSave(t *testing.T) {
	im := openSelf(t)
	p := patch.New(im, patch.WithLogger(log.New(io.Discard)))
	require.NoError(t, p.InText(0).Nop())

	off, ok := im.FileOffset(im.RegionAddress(region.Text))
	require.True(t, ok)
	assert.Equal(t, im.ELF().Text.Off, off)

	out := filepath.Join(t.TempDir(), "patched")
	require.NoError(t, im.Save(out))

	saved, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, uint32(patch.Nop), binary.LittleEndian.Uint32(saved[off:]))

	disk, err := os.ReadFile(im.ELF().Path)
	require.NoError(t, err)
	assert.Len(t, saved, len(disk))
	assert.NotEqual(t, uint32(patch.Nop), binary.LittleEndian.Uint32(disk[off:]))
}

func TestHookIntoHeap(t *testing.T) {
	im := openSelf(t)
	in := hook.NewInstaller(im, log.New(io.Discard))
	text := im.RegionAddress(region.Text)

	d, err := hook.NewAt("entry", text+0x40, hook.WithOffset(0))
	require.NoError(t, err)
	require.NoError(t, in.Install(d))

	hooks := im.Hooks()
	require.Len(t, hooks, 1)
	assert.Equal(t, im.RegionAddress(region.Heap), hooks[0].Stub)
	assert.Equal(t, hooks[0].Stub, d.Original().MustLoad())
}

func TestSymbols(t *testing.T) {
	im := openSelf(t)
	if len(im.ELF().Syms) == 0 {
		t.Skip("test binary is stripped")
	}
	addr, ok := im.LookupSymbol("main.main")
	require.True(t, ok)
	want, _ := im.ELF().FindFunctionByName("main.main")
	assert.Equal(t, uintptr(want)+im.Bias(), addr)
}

func TestOpenNotELF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk")
	require.NoError(t, os.WriteFile(path, []byte("not an executable"), 0o644))
	_, err := Open(path)
	assert.Error(t, err)
}
