package hook

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"skyhook/internal/engine"
	"skyhook/internal/region"
)

var (
	// ErrEngineUnavailable is the panic value when an engine entry point is
	// missing, e.g. because the hooking plugin failed to load.
	ErrEngineUnavailable = errors.New("hook engine unavailable")
	ErrSymbolNotFound    = errors.New("hook: symbol not found")
	ErrAlreadyInstalled  = errors.New("hook: already installed")
)

// Installer installs descriptors through an engine. There is no uninstall:
// undoing a hook means patching the target again.
type Installer struct {
	eng    engine.Engine
	res    *region.Resolver
	logger *log.Logger
}

// NewInstaller returns an installer for eng. A nil logger uses the default.
func NewInstaller(eng engine.Engine, logger *log.Logger) *Installer {
	if logger == nil {
		logger = log.Default()
	}
	return &Installer{eng: eng, res: region.NewResolver(eng), logger: logger}
}

// Target resolves the address d hooks, pointer offset included. It panics
// when the symbol cannot be found or the Text base is null.
func (in *Installer) Target(d *Descriptor) uintptr {
	var base uintptr
	switch d.sel {
	case ByReplace:
		base = d.replace
	case ByOffset:
		base = region.At(region.Text, d.offset).Resolve(in.res)
	case BySymbol:
		sr, ok := in.eng.(engine.SymbolResolver)
		if !ok {
			panic(fmt.Errorf("%w: %s (engine cannot resolve symbols)", ErrSymbolNotFound, d.symbol))
		}
		addr, ok := sr.LookupSymbol(d.symbol)
		if !ok {
			panic(fmt.Errorf("%w: %s", ErrSymbolNotFound, d.symbol))
		}
		base = addr
	default:
		panic(fmt.Sprintf("hook %s: descriptor not built with New", d.name))
	}
	return uintptr(int64(base) + d.ptrOff)
}

// Install hooks d. Engine and symbol failures panic; a hook that is
// already installed returns ErrAlreadyInstalled and is left alone.
func (in *Installer) Install(d *Descriptor) error {
	entry := engine.EntryHookFunction
	if d.inline {
		entry = engine.EntryInlineHook
	}
	if !engine.Available(in.eng, entry) {
		panic(fmt.Errorf("%w: %s entry point is null", ErrEngineUnavailable, entry))
	}
	target := in.Target(d)
	if !d.installed.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrAlreadyInstalled, d.name)
	}

	if d.inline {
		in.eng.InlineHook(target, d.replacement)
	} else {
		var orig uintptr
		in.eng.HookFunction(target, d.replacement, &orig)
		if err := d.orig.Set(orig); err != nil {
			panic(fmt.Errorf("hook %s: %w", d.name, err))
		}
	}
	in.logger.Debug("installed hook",
		"name", d.name,
		"func", d.fnName,
		"target", fmt.Sprintf("0x%x", target),
		"inline", d.inline)
	return nil
}

// InstallAll installs every hook of r in registration order and returns the
// joined errors of hooks that were skipped.
func (in *Installer) InstallAll(r *Registry) error {
	var errs []error
	n := 0
	for d := range r.All() {
		if err := in.Install(d); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	in.logger.Info("hooks installed", "count", n, "skipped", len(errs))
	return errors.Join(errs...)
}
