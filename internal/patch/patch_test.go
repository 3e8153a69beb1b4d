package patch

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyhook/internal/engine"
	"skyhook/internal/inst"
	"skyhook/internal/region"
)

const (
	textBase   = 0x100000
	rodataBase = 0x200000
	dataBase   = 0x300000
	bssBase    = 0x310000
	heapBase   = 0x400000
)

func newTestPatcher(t *testing.T) (*Patcher, *engine.Space) {
	t.Helper()
	s := engine.NewSpace()
	require.NoError(t, s.Map(engine.Segment{Name: ".text", Region: region.Text, Base: textBase, Mem: make([]byte, 0x1000)}))
	require.NoError(t, s.Map(engine.Segment{Name: ".rodata", Region: region.Rodata, Base: rodataBase, Mem: make([]byte, 0x100)}))
	require.NoError(t, s.Map(engine.Segment{Name: ".data", Region: region.Data, Base: dataBase, Mem: make([]byte, 0x100), Writable: true}))
	require.NoError(t, s.Map(engine.Segment{Name: ".bss", Region: region.Bss, Base: bssBase, Mem: make([]byte, 0x100), Writable: true}))
	require.NoError(t, s.Map(engine.Segment{Name: "heap", Region: region.Heap, Base: heapBase, Mem: make([]byte, 0x100), Writable: true}))
	return New(s), s
}

func read(t *testing.T, s *engine.Space, addr uintptr, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	require.NoError(t, s.ReadMemory(addr, buf))
	return buf
}

func readWord(t *testing.T, s *engine.Space, addr uintptr) uint32 {
	return binary.LittleEndian.Uint32(read(t, s, addr, 4))
}

func TestSectionBuilders(t *testing.T) {
	p, _ := newTestPatcher(t)
	assert.Equal(t, uintptr(textBase+0x10), p.InText(0x10).Addr())
	assert.Equal(t, uintptr(rodataBase+0x10), p.InRodata(0x10).Addr())
	assert.Equal(t, uintptr(dataBase+0x10), p.InData(0x10).Addr())
	assert.Equal(t, uintptr(bssBase+0x10), p.InBss(0x10).Addr())
	assert.Equal(t, uintptr(heapBase+0x10), p.InHeap(0x10).Addr())
	assert.Equal(t, uintptr(dataBase+8), p.AtOffset(8).InSection(region.Data).Addr())
}

func TestCStr(t *testing.T) {
	p, s := newTestPatcher(t)
	require.NoError(t, p.InRodata(0x20).CStr("Ferris"))
	assert.Equal(t, []byte("Ferris\x00"), read(t, s, rodataBase+0x20, 7))

	// unchecked: a longer string overruns whatever follows
	require.NoError(t, p.InRodata(0x40).CStr("Hi"))
	require.NoError(t, p.InRodata(0x43).CStr("next"))
	require.NoError(t, p.InRodata(0x40).CStr("Hello"))
	assert.Equal(t, []byte("Hello\x00t\x00"), read(t, s, rodataBase+0x40, 8))
}

func TestCStrFit(t *testing.T) {
	p, s := newTestPatcher(t)
	require.NoError(t, p.InRodata(0x20).CStr("Ferris"))

	require.NoError(t, p.InRodata(0x20).CStrFit("Crab"))
	assert.Equal(t, []byte("Crab\x00s\x00"), read(t, s, rodataBase+0x20, 7))

	err := p.InRodata(0x20).CStrFit("Ferris!")
	assert.ErrorIs(t, err, ErrStringTooLong)
	assert.Equal(t, []byte("Crab\x00"), read(t, s, rodataBase+0x20, 5))
}

func TestNop(t *testing.T) {
	p, s := newTestPatcher(t)
	require.NoError(t, p.InText(0x8).Nop())
	assert.Equal(t, []byte{0x1F, 0x20, 0x03, 0xD5}, read(t, s, textBase+0x8, 4))

	// idempotent
	require.NoError(t, p.InText(0x8).Nop())
	assert.Equal(t, Nop, readWord(t, s, textBase+0x8))
}

func TestDataAndBytes(t *testing.T) {
	p, s := newTestPatcher(t)

	require.NoError(t, p.InData(0).Data(uint32(0xDEADBEEF)))
	assert.Equal(t, []byte{0xEF, 0xBE, 0xAD, 0xDE}, read(t, s, dataBase, 4))

	type pair struct {
		A uint16
		B int32
	}
	require.NoError(t, p.InData(0x10).Data(pair{A: 1, B: -1}))
	assert.Equal(t, []byte{1, 0, 0xFF, 0xFF, 0xFF, 0xFF}, read(t, s, dataBase+0x10, 6))

	err := p.InData(0).Data("not fixed")
	assert.ErrorIs(t, err, ErrNotFixedSize)

	require.NoError(t, p.InBss(4).Bytes([]byte{1, 2, 3}))
	require.NoError(t, p.InBss(7).Write([]byte{4}))
	assert.Equal(t, []byte{1, 2, 3, 4}, read(t, s, bssBase+4, 4))
}

func TestPointerHelpers(t *testing.T) {
	p, s := newTestPatcher(t)
	require.NoError(t, p.PatchPointer(dataBase+0x20, -8, uint64(0x1122334455667788)))
	assert.Equal(t, uint64(0x1122334455667788), binary.LittleEndian.Uint64(read(t, s, dataBase+0x18, 8)))

	require.NoError(t, p.NopPointer(textBase, 0x40))
	assert.Equal(t, Nop, readWord(t, s, textBase+0x40))
}

func TestOsErrorCaller(t *testing.T) {
	p, _ := newTestPatcher(t)
	err := p.At(0x900000).Bytes([]byte{1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOs))

	var oe *OsError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, engine.StatusUnmapped, oe.Code)
	assert.True(t, strings.HasSuffix(oe.Caller.File, "patch_test.go"), oe.Caller.File)
	assert.Contains(t, oe.Caller.Func, "TestOsErrorCaller")
	assert.Contains(t, err.Error(), "OsError(0xCC01) at patch_test.go:")

	err = p.At(0x900000).Nop()
	require.ErrorAs(t, err, &oe)
	assert.Contains(t, oe.Caller.Func, "TestOsErrorCaller")
}

func TestMissingRegionPanics(t *testing.T) {
	s := engine.NewSpace()
	require.NoError(t, s.Map(engine.Segment{Name: ".text", Region: region.Text, Base: textBase, Mem: make([]byte, 0x10)}))
	p := New(s)
	assert.PanicsWithValue(t, "region: heap base address is null", func() { p.InHeap(0) })
}

func TestBranchReplace(t *testing.T) {
	p, s := newTestPatcher(t)

	p.Branch().BranchOffset(0x100).BranchToOffset(0x140).Replace()
	dst, link, ok := inst.BranchTarget(readWord(t, s, textBase+0x100), textBase+0x100)
	require.True(t, ok)
	assert.False(t, link)
	assert.Equal(t, uintptr(textBase+0x140), dst)

	p.AtOffset(0x200).BranchLinkTo(0x100)
	assert.Equal(t, uint32(0x97FFFFC0), readWord(t, s, textBase+0x200))

	p.AtOffset(0x300).BranchToRelative(8)
	assert.Equal(t, uint32(0x14000002), readWord(t, s, textBase+0x300))

	p.AtOffset(0x304).BranchLinkToRelative(0)
	assert.Equal(t, uint32(0x94000000), readWord(t, s, textBase+0x304))

	p.AtOffset(0x400).BranchTo(0x400)
	assert.Equal(t, uint32(0x14000000), readWord(t, s, textBase+0x400))

	// only the instruction word is written
	assert.Equal(t, []byte{0, 0, 0, 0}, read(t, s, textBase+0x404, 4))
}

func TestBranchRangeBoundary(t *testing.T) {
	p, _ := newTestPatcher(t)
	src := uintptr(textBase + 0x10)

	w, err := p.Branch().BranchOffset(0x10).BranchToPtr(src + inst.BranchRange - 4).Encode()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x15FFFFFF), w)

	_, err = p.BranchLink().BranchOffset(0x10).BranchToPtr(src - inst.BranchRange).Encode()
	require.NoError(t, err)

	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(error)
		require.True(t, ok)
		assert.ErrorIs(t, err, ErrBranchOutOfRange)
		var re *RangeError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, int64(1<<25), re.Distance)
	}()
	p.Branch().BranchOffset(0x10).BranchToPtr(src + inst.BranchRange).Replace()
}

func TestBranchMissingEndsPanic(t *testing.T) {
	p, _ := newTestPatcher(t)
	assert.PanicsWithValue(t, "patch: offset is required to replace", func() {
		p.Branch().BranchToOffset(0).Replace()
	})
	assert.PanicsWithValue(t, "patch: either BranchToPtr or BranchToOffset is required to replace", func() {
		p.Branch().BranchOffset(0).Replace()
	})
}

func TestBranchWriteFailurePanics(t *testing.T) {
	s := engine.NewSpace()
	require.NoError(t, s.Map(engine.Segment{Name: ".text", Region: region.Text, Base: textBase, Mem: make([]byte, 0x10)}))
	p := New(s)
	// source lies past the end of .text
	assert.Panics(t, func() { p.Branch().BranchOffset(0x20).BranchToOffset(0).Replace() })
}

func TestEncodeBranchKinds(t *testing.T) {
	w, err := EncodeBranch(Branch, 0x1000, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x14000000), w)

	w, err = EncodeBranch(BranchLink, 0x1000, 0x1004)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x94000001), w)

	assert.Equal(t, "bl", BranchLink.String())
	assert.Equal(t, "b", Branch.String())
}

func TestDecodeBranchRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		kind     BranchKind
		src, dst uintptr
	}{
		{Branch, 0x1000, 0x1000 + inst.BranchRange - 4},
		{BranchLink, 0x8001000, 0x1000},
		{Branch, 0x2000, 0x2004},
	} {
		w, err := EncodeBranch(tc.kind, tc.src, tc.dst)
		require.NoError(t, err)
		kind, dst, ok := DecodeBranch(w, tc.src)
		require.True(t, ok)
		assert.Equal(t, tc.kind, kind)
		assert.Equal(t, tc.dst, dst)
	}

	_, _, ok := DecodeBranch(Nop, 0x1000)
	assert.False(t, ok)
}
