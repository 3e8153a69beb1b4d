package manifest

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyhook/internal/engine"
	"skyhook/internal/inst"
	"skyhook/internal/patch"
	"skyhook/internal/region"
)

const (
	textBase   = 0x100000
	rodataBase = 0x110000
	heapBase   = 0x200000
)

func newTestSpace(t *testing.T) *engine.Space {
	t.Helper()
	rodata := make([]byte, 0x100)
	copy(rodata[0x20:], "banner\x00")

	s := engine.NewSpace()
	require.NoError(t, s.Map(engine.Segment{Name: ".text", Region: region.Text, Base: textBase, Mem: make([]byte, 0x10000)}))
	require.NoError(t, s.Map(engine.Segment{Name: ".rodata", Region: region.Rodata, Base: rodataBase, Mem: rodata}))
	require.NoError(t, s.Map(engine.Segment{Name: "heap", Region: region.Heap, Base: heapBase, Mem: make([]byte, 0x100), Writable: true}))
	s.AddSymbol("_ZN2nn2fs8ReadFileEv", textBase+0x300)
	return s
}

func quiet() *log.Logger { return log.New(io.Discard) }

func word(t *testing.T, s *engine.Space, addr uintptr) uint32 {
	t.Helper()
	buf := make([]byte, 4)
	require.NoError(t, s.ReadMemory(addr, buf))
	return binary.LittleEndian.Uint32(buf)
}

const full = `
name: demo
patches:
  - name: skip check
    offset: 0x10
    nop: 2
  - name: raw
    offset: 0x20
    bytes: "c0 03 5f d6"
  - name: banner
    region: rodata
    offset: 0x20
    cstr: "hi"
    fit: true
  - name: flag
    region: .rodata
    offset: 0x40
    u32: 0xdeadbeef
  - name: jump
    offset: 0x100
    branch:
      to: 0x200
  - name: call
    offset: 0x104
    branch_link:
      to: 0x0
  - name: read
    hook:
      symbol: nn::fs::ReadFile
      replacement: 0x800
  - name: inline
    offset: 0x400
    hook:
      replacement: 0x900
      inline: true
  - name: off
    disabled: true
    offset: 0x500
    nop: 1
`

func TestParseAndApply(t *testing.T) {
	m, err := Parse(strings.NewReader(full))
	require.NoError(t, err)
	assert.Equal(t, "demo", m.Name)
	require.Len(t, m.Patches, 9)

	s := newTestSpace(t)
	report, err := Apply(s, m, quiet())
	require.NoError(t, err)
	require.Len(t, report, 9)
	assert.Equal(t, 8, report.Applied())

	assert.Equal(t, uint32(patch.Nop), word(t, s, textBase+0x10))
	assert.Equal(t, uint32(patch.Nop), word(t, s, textBase+0x14))
	assert.Equal(t, uint32(0xD65F03C0), word(t, s, textBase+0x20))

	str := make([]byte, 7)
	require.NoError(t, s.ReadMemory(rodataBase+0x20, str))
	assert.Equal(t, "hi\x00ner\x00", string(str))
	assert.Equal(t, uint32(0xdeadbeef), word(t, s, rodataBase+0x40))

	dst, link, ok := inst.BranchTarget(word(t, s, textBase+0x100), textBase+0x100)
	require.True(t, ok)
	assert.False(t, link)
	assert.Equal(t, uintptr(textBase+0x200), dst)
	dst, link, ok = inst.BranchTarget(word(t, s, textBase+0x104), textBase+0x104)
	require.True(t, ok)
	assert.True(t, link)
	assert.Equal(t, uintptr(textBase), dst)

	hooks := s.Hooks()
	require.Len(t, hooks, 2)
	assert.Equal(t, uintptr(textBase+0x300), hooks[0].Target)
	assert.Equal(t, uintptr(textBase+0x800), hooks[0].Replace)
	assert.True(t, hooks[1].Inline)

	assert.Equal(t, "nop", report[0].Action)
	assert.Equal(t, 8, report[0].Size)
	assert.Equal(t, uintptr(textBase+0x300), report[6].Addr)
	assert.Contains(t, report[6].Detail, "original 0x200000")
	assert.True(t, report[8].Skipped)
	assert.Equal(t, uint32(0), word(t, s, textBase+0x500))
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown key", "patches:\n  - offset: 0\n    nopp: 1\n", "field nopp not found"},
		{"no action", "patches:\n  - name: x\n    offset: 4\n", "patch 0 (x): no action"},
		{"two actions", "patches:\n  - offset: 4\n    nop: 1\n    u32: 1\n", "multiple actions: nop, u32"},
		{"bad hex", "patches:\n  - bytes: \"zz\"\n", "bytes"},
		{"bad region", "patches:\n  - region: stack\n    nop: 1\n", `unknown region "stack"`},
		{"branch outside text", "patches:\n  - region: data\n    branch: {to: 0}\n", "branches are patched in text"},
		{"misaligned nop", "patches:\n  - offset: 2\n    nop: 1\n", "not instruction aligned"},
		{"symbol and offset", "patches:\n  - offset: 8\n    hook: {symbol: f, replacement: 0}\n", "either a symbol or an offset"},
		{"fit without cstr", "patches:\n  - nop: 1\n    fit: true\n", "fit only applies to cstr"},
		{"empty", "", "manifest is empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestApplyStopsAtFailure(t *testing.T) {
	doc := `
patches:
  - offset: 0
    nop: 1
  - name: far
    offset: 0x8
    branch:
      to: 0x8000008
  - offset: 0x10
    nop: 1
`
	m, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)

	s := newTestSpace(t)
	report, err := Apply(s, m, quiet())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "patch 1 (far)")
	var re *patch.RangeError
	assert.ErrorAs(t, err, &re)
	assert.Len(t, report, 1)
	assert.Equal(t, uint32(0), word(t, s, textBase+0x10))
}

func TestApplyCStrTooLong(t *testing.T) {
	m, err := Parse(strings.NewReader("patches:\n  - region: rodata\n    offset: 0x20\n    cstr: \"much longer\"\n    fit: true\n"))
	require.NoError(t, err)
	_, err = Apply(newTestSpace(t), m, quiet())
	assert.ErrorIs(t, err, patch.ErrStringTooLong)
}

func TestApplyUnmappedWrite(t *testing.T) {
	m, err := Parse(strings.NewReader("patches:\n  - region: rodata\n    offset: 0x1000\n    u64: 1\n"))
	require.NoError(t, err)
	_, err = Apply(newTestSpace(t), m, quiet())
	assert.ErrorIs(t, err, patch.ErrOs)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.yaml")
	require.NoError(t, os.WriteFile(path, []byte(full), 0o644))
	m, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, m.Patches, 9)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read manifest")
}

func TestSchema(t *testing.T) {
	b, err := json.Marshal(Schema())
	require.NoError(t, err)
	out := string(b)
	assert.Contains(t, out, `"branch_link"`)
	assert.Contains(t, out, `"pointer_offset"`)
	assert.Contains(t, out, `"pattern"`)
}
