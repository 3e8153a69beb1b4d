package hook

import (
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"unsafe"
)

var (
	ErrAlreadySet = errors.New("hook: original function already set")
	ErrNotSet     = errors.New("hook: original function read before installation")
	ErrSignature  = errors.New("hook: original function signature mismatch")
)

const (
	cellEmpty uint32 = iota
	cellWriting
	cellReady
)

// OriginalCell holds the pointer to the displaced original of a function
// hook. It is written once during installation and may be read from any
// goroutine afterwards.
type OriginalCell struct {
	state atomic.Uint32
	ptr   atomic.Uintptr
	sig   reflect.Type
}

// Set publishes ptr. Only the first call succeeds; later calls return
// ErrAlreadySet and leave the cell unchanged.
func (c *OriginalCell) Set(ptr uintptr) error {
	if !c.state.CompareAndSwap(cellEmpty, cellWriting) {
		return fmt.Errorf("%w (holds 0x%x)", ErrAlreadySet, c.ptr.Load())
	}
	c.ptr.Store(ptr)
	c.state.Store(cellReady)
	return nil
}

// Load returns the published pointer. ok is false until Set has completed.
func (c *OriginalCell) Load() (ptr uintptr, ok bool) {
	if c.state.Load() != cellReady {
		return 0, false
	}
	return c.ptr.Load(), true
}

// MustLoad is Load that panics when the hook has not been installed.
func (c *OriginalCell) MustLoad() uintptr {
	ptr, ok := c.Load()
	if !ok {
		panic(ErrNotSet)
	}
	return ptr
}

// Signature returns the function type of the replacement, which the original
// shares. It is nil for hooks built with NewAt.
func (c *OriginalCell) Signature() reflect.Type { return c.sig }

// As returns the original as a callable Go function of type F. F must be the
// replacement's own function type.
//
//	orig, err := hook.As[func(string) int](readFile.Original())
func As[F any](c *OriginalCell) (F, error) {
	var f F
	t := reflect.TypeFor[F]()
	if t.Kind() != reflect.Func {
		return f, fmt.Errorf("%w: %s is not a function type", ErrSignature, t)
	}
	if c.sig != nil && c.sig != t {
		return f, fmt.Errorf("%w: want %s, have %s", ErrSignature, c.sig, t)
	}
	ptr, ok := c.Load()
	if !ok {
		return f, ErrNotSet
	}
	// a func value points at a closure whose first word is the code pointer
	closure := &struct{ fn uintptr }{ptr}
	*(*unsafe.Pointer)(unsafe.Pointer(&f)) = unsafe.Pointer(closure)
	return f, nil
}
