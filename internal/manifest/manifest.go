// Package manifest reads YAML patch lists and applies them through an engine.
//
// A manifest looks like:
//
//	name: disable-telemetry
//	patches:
//	  - name: skip upload
//	    offset: 0x1234
//	    nop: 2
//	  - name: new banner
//	    region: rodata
//	    offset: 0x80
//	    cstr: "patched"
//	    fit: true
//	  - name: log reads
//	    hook:
//	      symbol: nn::fs::ReadFile
//	      replacement: 0x9000
package manifest

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"skyhook/internal/region"
)

var (
	ErrNoAction        = errors.New("no action")
	ErrMultipleActions = errors.New("multiple actions")
)

type Manifest struct {
	Name    string  `yaml:"name,omitempty" json:"name,omitempty" jsonschema:"title=Name,description=Label shown in reports"`
	Patches []Patch `yaml:"patches" json:"patches" jsonschema:"title=Patches,description=Patches applied in order"`
}

// Patch is one action at Region+Offset. Exactly one action field is set.
type Patch struct {
	Name     string `yaml:"name,omitempty" json:"name,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty" json:"disabled,omitempty" jsonschema:"description=Skip this patch"`
	Region   string `yaml:"region,omitempty" json:"region,omitempty" jsonschema:"enum=text,enum=rodata,enum=data,enum=bss,enum=heap,default=text"`
	Offset   uint64 `yaml:"offset,omitempty" json:"offset,omitempty" jsonschema:"description=Byte offset from the region base"`

	Nop        int      `yaml:"nop,omitempty" json:"nop,omitempty" jsonschema:"description=Number of instructions to replace with NOP,minimum=1"`
	Bytes      HexBytes `yaml:"bytes,omitempty" json:"bytes,omitempty"`
	CStr       *string  `yaml:"cstr,omitempty" json:"cstr,omitempty" jsonschema:"description=NUL-terminated string"`
	U32        *uint32  `yaml:"u32,omitempty" json:"u32,omitempty"`
	U64        *uint64  `yaml:"u64,omitempty" json:"u64,omitempty"`
	Branch     *Jump    `yaml:"branch,omitempty" json:"branch,omitempty"`
	BranchLink *Jump    `yaml:"branch_link,omitempty" json:"branch_link,omitempty"`
	Hook       *Hook    `yaml:"hook,omitempty" json:"hook,omitempty"`

	// Fit makes cstr refuse strings longer than the one being replaced.
	Fit bool `yaml:"fit,omitempty" json:"fit,omitempty"`
}

// Jump is a branch destination as a Text offset.
type Jump struct {
	To uint64 `yaml:"to" json:"to" jsonschema:"description=Destination offset from the text base"`
}

// Hook installs a hook on Symbol, or on the patch's Text offset when Symbol
// is empty.
type Hook struct {
	Symbol        string `yaml:"symbol,omitempty" json:"symbol,omitempty" jsonschema:"description=Raw or demangled symbol name"`
	Replacement   uint64 `yaml:"replacement" json:"replacement" jsonschema:"description=Text offset of the replacement code"`
	PointerOffset int64  `yaml:"pointer_offset,omitempty" json:"pointer_offset,omitempty"`
	Inline        bool   `yaml:"inline,omitempty" json:"inline,omitempty"`
}

// HexBytes is written in YAML as a hex string. Spaces are ignored.
type HexBytes []byte

func (h *HexBytes) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return fmt.Errorf("line %d: bytes must be a hex string", n.Line)
	}
	b, err := hex.DecodeString(strings.Join(strings.Fields(s), ""))
	if err != nil {
		return fmt.Errorf("line %d: bytes: %w", n.Line, err)
	}
	*h = b
	return nil
}

func (h HexBytes) MarshalYAML() (any, error) {
	return fmt.Sprintf("% X", []byte(h)), nil
}

func (HexBytes) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Pattern:     `^([0-9A-Fa-f]{2}\s*)+$`,
		Description: "Raw bytes as hex, e.g. \"1F 20 03 D5\"",
	}
}

// Action names the action set on p.
func (p *Patch) Action() string {
	acts := p.actions()
	if len(acts) != 1 {
		return ""
	}
	return acts[0]
}

func (p *Patch) actions() []string {
	var acts []string
	for _, a := range []struct {
		name string
		set  bool
	}{
		{"nop", p.Nop != 0},
		{"bytes", p.Bytes != nil},
		{"cstr", p.CStr != nil},
		{"u32", p.U32 != nil},
		{"u64", p.U64 != nil},
		{"branch", p.Branch != nil},
		{"branch_link", p.BranchLink != nil},
		{"hook", p.Hook != nil},
	} {
		if a.set {
			acts = append(acts, a.name)
		}
	}
	return acts
}

// Target returns the region the patch applies to; empty means text.
func (p *Patch) Target() (region.Region, error) {
	if p.Region == "" {
		return region.Text, nil
	}
	return region.ParseRegion(p.Region)
}

// Validate checks one patch without touching memory.
func (p *Patch) Validate() error {
	switch acts := p.actions(); len(acts) {
	case 0:
		return ErrNoAction
	case 1:
	default:
		return fmt.Errorf("%w: %s", ErrMultipleActions, strings.Join(acts, ", "))
	}
	r, err := p.Target()
	if err != nil {
		return err
	}
	switch {
	case p.Nop < 0:
		return fmt.Errorf("nop count must be positive, got %d", p.Nop)
	case p.Bytes != nil && len(p.Bytes) == 0:
		return errors.New("bytes is empty")
	case p.Fit && p.CStr == nil:
		return errors.New("fit only applies to cstr")
	case (p.Branch != nil || p.BranchLink != nil) && r != region.Text:
		return fmt.Errorf("branches are patched in text, not %s", r)
	case p.Hook != nil && p.Hook.Symbol == "" && r != region.Text:
		return fmt.Errorf("hook target must be in text, not %s", r)
	case p.Hook != nil && p.Hook.Symbol != "" && p.Offset != 0:
		return errors.New("hook takes either a symbol or an offset")
	case (p.Nop != 0 || p.Branch != nil || p.BranchLink != nil) && p.Offset%4 != 0:
		return fmt.Errorf("offset 0x%x is not instruction aligned", p.Offset)
	}
	return nil
}

// Validate checks every patch and reports the first failure with its index.
func (m *Manifest) Validate() error {
	for i := range m.Patches {
		if err := m.Patches[i].Validate(); err != nil {
			return patchError(i, &m.Patches[i], err)
		}
	}
	return nil
}

// Parse decodes a manifest strictly: unknown keys are errors.
func Parse(r io.Reader) (*Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("manifest is empty")
		}
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Schema returns the JSON schema of the manifest format.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{FieldNameTag: "yaml", DoNotReference: true}
	return r.Reflect(&Manifest{})
}

func patchError(i int, p *Patch, err error) error {
	if p.Name != "" {
		return fmt.Errorf("patch %d (%s): %w", i, p.Name, err)
	}
	return fmt.Errorf("patch %d: %w", i, err)
}
