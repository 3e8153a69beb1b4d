package patch

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"

	"skyhook/internal/engine"
	"skyhook/internal/inst"
)

var (
	// ErrOs matches every *OsError with errors.Is.
	ErrOs = errors.New("os error")
	// ErrStringTooLong is returned by CStrFit when the replacement does not
	// fit in the string it overwrites.
	ErrStringTooLong = errors.New("string too long")
	// ErrNotFixedSize is returned by Data for values without a fixed binary size.
	ErrNotFixedSize = errors.New("value does not have a fixed size")

	ErrBranchOutOfRange = inst.ErrBranchOutOfRange
	ErrMisaligned       = inst.ErrMisaligned
)

// RangeError is the panic value of an out-of-range branch.
type RangeError = inst.RangeError

// Location is a source position.
type Location struct {
	File string
	Line int
	Func string
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d", filepath.Base(l.File), l.Line)
}

// OsError is a nonzero status from the engine's memory copy, attributed to
// the code that requested the patch.
type OsError struct {
	Code   engine.Status
	Caller Location
}

func (e *OsError) Error() string {
	return fmt.Sprintf("OsError(0x%X) at %s", uint32(e.Code), e.Caller)
}

func (e *OsError) Is(target error) bool { return target == ErrOs }

// newOsError records the frame skip levels above its caller.
func newOsError(code engine.Status, skip int) *OsError {
	e := &OsError{Code: code}
	if pc, file, line, ok := runtime.Caller(skip + 1); ok {
		e.Caller = Location{File: file, Line: line}
		if fn := runtime.FuncForPC(pc); fn != nil {
			e.Caller.Func = fn.Name()
		}
	}
	return e
}
