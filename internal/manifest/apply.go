package manifest

import (
	"fmt"

	"github.com/charmbracelet/log"

	"skyhook/internal/engine"
	"skyhook/internal/hook"
	"skyhook/internal/patch"
	"skyhook/internal/region"
)

// Result describes one applied or skipped patch.
type Result struct {
	Index   int
	Name    string
	Action  string
	Region  region.Region
	Addr    uintptr
	Size    int
	Skipped bool
	Detail  string
}

// Report lists the results of Apply in manifest order.
type Report []Result

// Applied counts the patches that were written.
func (r Report) Applied() int {
	n := 0
	for _, res := range r {
		if !res.Skipped {
			n++
		}
	}
	return n
}

// Apply runs the patches of m against eng in order and stops at the first
// failure. The report covers every patch handled before the failure.
func Apply(eng engine.Engine, m *Manifest, logger *log.Logger) (Report, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	a := &applier{
		p:      patch.New(eng, patch.WithLogger(logger)),
		hooks:  hook.NewInstaller(eng, logger),
		logger: logger,
	}
	report := make(Report, 0, len(m.Patches))
	for i := range m.Patches {
		p := &m.Patches[i]
		res, err := a.apply(i, p)
		if err != nil {
			return report, patchError(i, p, err)
		}
		report = append(report, res)
	}
	logger.Info("manifest applied", "name", m.Name, "applied", report.Applied(), "total", len(report))
	return report, nil
}

type applier struct {
	p      *patch.Patcher
	hooks  *hook.Installer
	logger *log.Logger
}

// apply turns the builders' panics into errors so one bad patch reports its
// index instead of taking down the caller.
func (a *applier) apply(i int, p *Patch) (res Result, err error) {
	r, _ := p.Target()
	res = Result{Index: i, Name: p.Name, Action: p.Action(), Region: r}
	if p.Disabled {
		res.Skipped = true
		a.logger.Debug("patch disabled", "index", i, "name", p.Name)
		return res, nil
	}
	defer func() {
		if v := recover(); v != nil {
			if e, ok := v.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("%v", v)
			}
		}
	}()

	b := a.p.InSection(r, p.Offset)
	res.Addr = b.Addr()
	switch {
	case p.Nop != 0:
		for n := range p.Nop {
			if err := a.p.At(b.Addr() + uintptr(n*4)).Nop(); err != nil {
				return res, err
			}
		}
		res.Size = p.Nop * 4
	case p.Bytes != nil:
		err = b.Bytes(p.Bytes)
		res.Size = len(p.Bytes)
	case p.CStr != nil:
		if p.Fit {
			err = b.CStrFit(*p.CStr)
		} else {
			err = b.CStr(*p.CStr)
		}
		res.Size = len(*p.CStr) + 1
		res.Detail = fmt.Sprintf("%q", *p.CStr)
	case p.U32 != nil:
		err = b.Data(*p.U32)
		res.Size = 4
		res.Detail = fmt.Sprintf("0x%x", *p.U32)
	case p.U64 != nil:
		err = b.Data(*p.U64)
		res.Size = 8
		res.Detail = fmt.Sprintf("0x%x", *p.U64)
	case p.Branch != nil:
		res.Size, res.Detail = 4, a.branch(a.p.Branch(), p.Offset, p.Branch.To)
	case p.BranchLink != nil:
		res.Size, res.Detail = 4, a.branch(a.p.BranchLink(), p.Offset, p.BranchLink.To)
	case p.Hook != nil:
		res.Addr, res.Detail, err = a.hook(p)
	}
	return res, err
}

func (a *applier) branch(bb *patch.BranchBuilder, from, to uint64) string {
	bb.BranchOffset(from).BranchToOffset(to)
	word, err := bb.Encode()
	if err != nil {
		panic(err)
	}
	bb.Replace()
	_, dst := bb.Resolve()
	return fmt.Sprintf("%08x -> 0x%x", word, dst)
}

func (a *applier) hook(p *Patch) (uintptr, string, error) {
	h := p.Hook
	opts := []hook.Option{hook.WithPointerOffset(h.PointerOffset)}
	if h.Symbol != "" {
		opts = append(opts, hook.WithSymbol(h.Symbol))
	} else {
		opts = append(opts, hook.WithOffset(p.Offset))
	}
	if h.Inline {
		opts = append(opts, hook.Inline())
	}
	replacement := region.At(region.Text, h.Replacement).Resolve(a.p.Resolver())
	d, err := hook.NewAt(p.Name, replacement, opts...)
	if err != nil {
		return 0, "", err
	}
	target := a.hooks.Target(d)
	if err := a.hooks.Install(d); err != nil {
		return target, "", err
	}
	detail := fmt.Sprintf("-> 0x%x", replacement)
	if c := d.Original(); c != nil {
		if orig, ok := c.Load(); ok {
			detail += fmt.Sprintf(" (original 0x%x)", orig)
		}
	}
	return target, detail, nil
}
