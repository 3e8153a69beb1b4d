package cmd

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyhook/internal/elfx"
	"skyhook/internal/engine/image"
	"skyhook/internal/inst"
	"skyhook/internal/patch"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// selfELF returns the path and headers of the running test binary.
func selfELF(t *testing.T) (string, *elfx.Image) {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	if f, err := elf.Open(exe); err != nil {
		t.Skipf("test binary is not ELF: %v", err)
	} else {
		f.Close()
	}
	im, err := elfx.Open(exe)
	require.NoError(t, err)
	t.Cleanup(func() { im.Close() })
	return exe, im
}

func writeManifest(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "patches.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestEncode(t *testing.T) {
	out, err := execute(t, "encode", "--kind", "bl", "--from", "0x1000", "--to", "0x2000")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "94000400  00 04 00 94  bl"), out)

	out, err = execute(t, "encode", "--from", "0x2000", "--to", "0x1000")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "17fffc00"), out)
}

func TestEncodeErrors(t *testing.T) {
	_, err := execute(t, "encode", "--kind", "br", "--from", "0", "--to", "0")
	assert.ErrorContains(t, err, "--kind must be b or bl")

	_, err = execute(t, "encode", "--from", "0x0", "--to", "0x8000000")
	assert.ErrorIs(t, err, inst.ErrBranchOutOfRange)

	_, err = execute(t, "encode", "--from", "zz", "--to", "0")
	assert.ErrorContains(t, err, `--from: invalid address "zz"`)

	_, err = execute(t, "encode", "--to", "0")
	assert.ErrorContains(t, err, "from")
}

func TestSchema(t *testing.T) {
	out, err := execute(t, "schema")
	require.NoError(t, err)
	assert.Contains(t, out, `"heapSize"`)

	out, err = execute(t, "schema", "--manifest")
	require.NoError(t, err)
	assert.Contains(t, out, `"patches"`)
	assert.Contains(t, out, `"branch_link"`)
}

func TestApply(t *testing.T) {
	exe, im := selfELF(t)
	m := writeManifest(t, "name: smoke\npatches:\n  - name: first\n    offset: 0\n    nop: 1\n")
	dst := filepath.Join(t.TempDir(), "patched")

	out, err := execute(t, "apply", m, exe, "-o", dst)
	require.NoError(t, err)
	assert.Contains(t, out, "first")
	assert.Contains(t, out, "nop")

	saved, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, uint32(patch.Nop), binary.LittleEndian.Uint32(saved[im.Text.Off:]))
}

func TestApplyFailure(t *testing.T) {
	exe, _ := selfELF(t)
	m := writeManifest(t, "patches:\n  - name: far\n    offset: 0\n    branch: {to: 0x8000000}\n")
	dst := filepath.Join(t.TempDir(), "patched")

	_, err := execute(t, "apply", m, exe, "-o", dst)
	assert.ErrorContains(t, err, "patch 0 (far)")
	assert.NoFileExists(t, dst)
}

func TestRunRaw(t *testing.T) {
	exe, _ := selfELF(t)
	m := writeManifest(t, "name: dry\npatches:\n  - name: first\n    offset: 0\n    nop: 1\n  - name: later\n    disabled: true\n    offset: 4\n    nop: 1\n")

	out, err := execute(t, "run", "--raw", m, exe)
	require.NoError(t, err)
	assert.Contains(t, out, "# dry")
	assert.Contains(t, out, "**1** of 2 patches applied.")
	assert.Contains(t, out, "~~later~~ disabled")
}

func TestScan(t *testing.T) {
	exe, im := selfELF(t)
	t.Setenv("SKYHOOK_NO_COLOR", "1")

	out, err := execute(t, "scan", "-n", "3", exe)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	start := im.Text.VA
	if im.PIE() {
		start += image.DefaultBase
	}
	assert.True(t, strings.HasPrefix(lines[0], fmt.Sprintf("%x ", start)), lines[0])

	head, ok := im.SliceVA(im.Text.VA, 8)
	require.True(t, ok)
	out, err = execute(t, "scan", "-s", fmt.Sprintf("% x ?? ?? ?? ??", head[:4]), exe)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, fmt.Sprintf("0x%x\n", start)), out)

	_, err = execute(t, "scan", "-s", "zz", exe)
	assert.Error(t, err)
}
