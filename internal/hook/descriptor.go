// Package hook describes hooks and installs them through an engine.
//
// A hook is built once with New and never changes afterwards. Exactly one of
// WithReplace, WithSymbol or WithOffset selects the code being hooked:
//
//	var readFile = hook.MustNew("read_file", myReadFile,
//		hook.WithSymbol("nn::fs::ReadFile"))
//
//	hook.NewInstaller(eng, logger).Install(readFile)
//
// Function hooks publish the displaced original into the descriptor's
// OriginalCell; inline hooks receive an *InlineCtx instead.
package hook

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync/atomic"
)

var (
	ErrNoTarget        = errors.New("hook: one of replace, symbol or offset is required")
	ErrMultipleTargets = errors.New("hook: only one of replace, symbol or offset may be given")
	ErrInlineSignature = errors.New("hook: inline hooks must have signature func(*hook.InlineCtx)")
	ErrNotFunc         = errors.New("hook: replacement must be a non-nil function")
)

// Selector is how a descriptor locates its target.
type Selector int

const (
	ByReplace Selector = iota + 1
	BySymbol
	ByOffset
)

func (s Selector) String() string {
	switch s {
	case ByReplace:
		return "replace"
	case BySymbol:
		return "symbol"
	case ByOffset:
		return "offset"
	}
	return fmt.Sprintf("Selector(%d)", int(s))
}

var inlineType = reflect.TypeFor[func(*InlineCtx)]()

type options struct {
	replace *uintptr
	symbol  *string
	offset  *uint64
	ptrOff  int64
	inline  bool
}

// Option configures New.
type Option func(*options)

// WithReplace targets an absolute address.
func WithReplace(addr uintptr) Option {
	return func(o *options) { o.replace = &addr }
}

// WithSymbol targets a symbol, mangled or demangled.
func WithSymbol(name string) Option {
	return func(o *options) { o.symbol = &name }
}

// WithOffset targets an offset into Text.
func WithOffset(off uint64) Option {
	return func(o *options) { o.offset = &off }
}

// WithPointerOffset adds delta to the resolved target.
func WithPointerOffset(delta int64) Option {
	return func(o *options) { o.ptrOff = delta }
}

// Inline installs an inline hook instead of a function hook.
func Inline() Option {
	return func(o *options) { o.inline = true }
}

// Descriptor identifies one hook.
type Descriptor struct {
	name        string
	fnName      string
	replacement uintptr
	sig         reflect.Type

	sel     Selector
	replace uintptr
	symbol  string
	offset  uint64
	ptrOff  int64
	inline  bool

	orig      *OriginalCell
	installed atomic.Bool
}

// New builds a descriptor whose replacement is the Go function fn.
func New(name string, fn any, opts ...Option) (*Descriptor, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, fmt.Errorf("%w: %s got %T", ErrNotFunc, name, fn)
	}
	ptr := uintptr(v.UnsafePointer())
	d, err := build(name, ptr, v.Type(), opts)
	if err != nil {
		return nil, err
	}
	if f := runtime.FuncForPC(ptr); f != nil {
		d.fnName = f.Name()
	}
	return d, nil
}

// NewAt builds a descriptor whose replacement is already an address, such as
// a function inside the image being patched. Such hooks carry no signature.
func NewAt(name string, replacement uintptr, opts ...Option) (*Descriptor, error) {
	if replacement == 0 {
		return nil, fmt.Errorf("%w: %s has a null replacement", ErrNotFunc, name)
	}
	d, err := build(name, replacement, nil, opts)
	if err != nil {
		return nil, err
	}
	d.fnName = fmt.Sprintf("0x%x", replacement)
	return d, nil
}

// MustNew is New that panics on error, for package-level hook variables.
func MustNew(name string, fn any, opts ...Option) *Descriptor {
	d, err := New(name, fn, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

func build(name string, replacement uintptr, sig reflect.Type, opts []Option) (*Descriptor, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	d := &Descriptor{
		name:        name,
		replacement: replacement,
		sig:         sig,
		ptrOff:      o.ptrOff,
		inline:      o.inline,
	}

	var set []string
	if o.replace != nil {
		d.sel, d.replace = ByReplace, *o.replace
		set = append(set, "replace")
	}
	if o.symbol != nil {
		d.sel, d.symbol = BySymbol, *o.symbol
		set = append(set, "symbol")
	}
	if o.offset != nil {
		d.sel, d.offset = ByOffset, *o.offset
		set = append(set, "offset")
	}
	switch {
	case len(set) == 0:
		return nil, fmt.Errorf("%w (hook %s)", ErrNoTarget, name)
	case len(set) > 1:
		return nil, fmt.Errorf("%w (hook %s has %s)", ErrMultipleTargets, name, strings.Join(set, ", "))
	}

	if d.inline {
		if sig != nil && sig != inlineType {
			return nil, fmt.Errorf("%w (hook %s is %s)", ErrInlineSignature, name, sig)
		}
	} else {
		d.orig = &OriginalCell{sig: sig}
	}
	return d, nil
}

func (d *Descriptor) Name() string            { return d.name }
func (d *Descriptor) FuncName() string        { return d.fnName }
func (d *Descriptor) Replacement() uintptr    { return d.replacement }
func (d *Descriptor) Signature() reflect.Type { return d.sig }
func (d *Descriptor) Selector() Selector      { return d.sel }
func (d *Descriptor) Symbol() string          { return d.symbol }
func (d *Descriptor) Offset() uint64          { return d.offset }
func (d *Descriptor) Address() uintptr        { return d.replace }
func (d *Descriptor) PointerOffset() int64    { return d.ptrOff }
func (d *Descriptor) IsInline() bool          { return d.inline }

// Installed reports whether an Installer has hooked d.
func (d *Descriptor) Installed() bool { return d.installed.Load() }

// Original returns the cell receiving the original function pointer, or nil
// for inline hooks.
func (d *Descriptor) Original() *OriginalCell { return d.orig }

func (d *Descriptor) String() string {
	var target string
	switch d.sel {
	case ByReplace:
		target = fmt.Sprintf("0x%x", d.replace)
	case BySymbol:
		target = d.symbol
	case ByOffset:
		target = fmt.Sprintf("text+0x%x", d.offset)
	}
	if d.ptrOff != 0 {
		target = fmt.Sprintf("%s%+#x", target, d.ptrOff)
	}
	kind := "function"
	if d.inline {
		kind = "inline"
	}
	return fmt.Sprintf("%s (%s hook on %s)", d.name, kind, target)
}
