package hook

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// CpuRegister is a general purpose register as saved by an inline hook.
type CpuRegister uint64

// X returns the 64-bit view.
func (r CpuRegister) X() uint64 { return uint64(r) }

// W returns the low 32 bits. R is the same view under its AArch32 name.
func (r CpuRegister) W() uint32 { return uint32(r) }
func (r CpuRegister) R() uint32 { return r.W() }

func (r *CpuRegister) SetX(x uint64) { *r = CpuRegister(x) }

// SetW writes w zero-extended, as a 32-bit register write does.
func (r *CpuRegister) SetW(w uint32) { *r = CpuRegister(w) }
func (r *CpuRegister) SetR(w uint32) { r.SetW(w) }

// VectorRegister is a 128-bit SIMD register stored little-endian. Its lanes
// overlap: S[1] is the upper half of D[0].
type VectorRegister [16]byte

// V returns the register as two 64-bit halves.
func (v VectorRegister) V() (lo, hi uint64) {
	return binary.LittleEndian.Uint64(v[:8]), binary.LittleEndian.Uint64(v[8:])
}

func (v *VectorRegister) SetV(lo, hi uint64) {
	binary.LittleEndian.PutUint64(v[:8], lo)
	binary.LittleEndian.PutUint64(v[8:], hi)
}

// D returns the two 64-bit lanes as float64.
func (v VectorRegister) D() [2]float64 {
	var out [2]float64
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(v[i*8:]))
	}
	return out
}

// S returns the four 32-bit lanes as float32.
func (v VectorRegister) S() [4]float32 {
	var out [4]float32
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(v[i*4:]))
	}
	return out
}

// H returns the eight 16-bit lanes.
func (v VectorRegister) H() [8]uint16 {
	var out [8]uint16
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(v[i*2:])
	}
	return out
}

// B returns the sixteen 8-bit lanes.
func (v VectorRegister) B() [16]byte { return v }

// SetD writes one 64-bit lane, leaving the other untouched.
func (v *VectorRegister) SetD(i int, d float64) {
	binary.LittleEndian.PutUint64(v[i*8:], math.Float64bits(d))
}

func (v *VectorRegister) SetS(i int, s float32) {
	binary.LittleEndian.PutUint32(v[i*4:], math.Float32bits(s))
}

func (v *VectorRegister) SetH(i int, h uint16) {
	binary.LittleEndian.PutUint16(v[i*2:], h)
}

func (v *VectorRegister) SetB(i int, b byte) { v[i] = b }

// FpuRegister is a floating point register. It shares storage with the
// vector register of the same number and reads only its lowest lane.
type FpuRegister VectorRegister

// Vec returns a vector view that writes through to r.
func (r *FpuRegister) Vec() *VectorRegister { return (*VectorRegister)(r) }

// AsVec returns a copy of r as a vector register.
func (r FpuRegister) AsVec() VectorRegister { return VectorRegister(r) }

func (r FpuRegister) Q() (lo, hi uint64) { return r.AsVec().V() }
func (r FpuRegister) D() float64         { return r.AsVec().D()[0] }
func (r FpuRegister) S() float32         { return r.AsVec().S()[0] }
func (r FpuRegister) H() uint16          { return r.AsVec().H()[0] }
func (r FpuRegister) B() byte            { return r[0] }

// SetD writes a scalar double, clearing the rest of the register.
func (r *FpuRegister) SetD(d float64) {
	*r = FpuRegister{}
	r.Vec().SetD(0, d)
}

// SetS writes a scalar single, clearing the rest of the register.
func (r *FpuRegister) SetS(s float32) {
	*r = FpuRegister{}
	r.Vec().SetS(0, s)
}

// InlineCtx is the register state handed to an inline hook. Changes made by
// the hook are restored into the CPU when it returns.
type InlineCtx struct {
	Registers  [31]CpuRegister
	SP         CpuRegister
	RegistersF [32]FpuRegister
}

// X returns general purpose register n; 31 is SP.
func (c *InlineCtx) X(n int) uint64 {
	if n == 31 {
		return c.SP.X()
	}
	return c.Registers[n].X()
}

func (c *InlineCtx) String() string {
	var sb strings.Builder
	for i, r := range c.Registers {
		fmt.Fprintf(&sb, "X[%d]: %#08x\n", i, r.X())
	}
	fmt.Fprintf(&sb, "SP: %#08x\n", c.SP.X())
	for i, r := range c.RegistersF {
		fmt.Fprintf(&sb, "D[%d]: %v\n", i, r.D())
	}
	return sb.String()
}
