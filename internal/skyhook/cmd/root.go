// Package cmd implements the skyhook command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	charmlog "github.com/charmbracelet/log"
	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"skyhook/internal/engine/image"
	skylog "skyhook/internal/skyhook/log"
)

// Config is the configuration the global flags describe.
type Config struct {
	Debug    bool   `json:"debug" jsonschema:"title=Debug,description=Enable debug logging"`
	Cwd      string `json:"cwd,omitempty" jsonschema:"title=Working Directory,description=Directory relative paths are resolved from"`
	Base     uint64 `json:"base,omitempty" jsonschema:"title=Load Base,description=Address position independent images are loaded at"`
	HeapSize int    `json:"heapSize,omitempty" jsonschema:"title=Heap Size,description=Size of the synthetic heap that holds hook stubs"`
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "skyhook",
		Short: "Patch and hook ARM64 executables",
		Long: `Skyhook rewrites ARM64 machine code in ELF executables.
It scans the text section, applies YAML patch manifests and encodes branches.`,
		Example: `
# List every BL in the text section
skyhook scan -k bl ./main

# Apply a manifest and write the result next to the input
skyhook apply patches.yaml ./main -o ./main.patched

# Encode a branch
skyhook encode --kind bl --from 0x1000 --to 0x2000
  `,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if _, err := ResolveCwd(cmd); err != nil {
				return err
			}
			logger(cmd)
			return nil
		},
	}

	root.PersistentFlags().StringP("cwd", "c", "", "Current working directory")
	root.PersistentFlags().BoolP("debug", "d", false, "Debug")
	root.PersistentFlags().String("base", fmt.Sprintf("0x%x", image.DefaultBase), "Load address of position independent images")
	root.PersistentFlags().Int("heap-size", image.DefaultHeapSize, "Size of the synthetic hook heap")

	root.AddCommand(
		newScanCmd(),
		newApplyCmd(),
		newRunCmd(),
		newEncodeCmd(),
		newSchemaCmd(),
	)
	return root
}

// Execute runs the command line. Output that is not a terminal skips fang's
// styled rendering.
func Execute() {
	root := newRootCmd()
	if !term.IsTerminal(os.Stdout.Fd()) {
		if err := root.Execute(); err != nil {
			os.Exit(1)
		}
		return
	}
	if err := fang.Execute(
		context.Background(),
		root,
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}

func logger(cmd *cobra.Command) *charmlog.Logger {
	debug, _ := cmd.Flags().GetBool("debug")
	return skylog.Setup(cmd.ErrOrStderr(), debug)
}

// config collects the global flags.
func config(cmd *cobra.Command) (Config, error) {
	var c Config
	c.Debug, _ = cmd.Flags().GetBool("debug")
	c.Cwd, _ = cmd.Flags().GetString("cwd")
	c.HeapSize, _ = cmd.Flags().GetInt("heap-size")
	base, _ := cmd.Flags().GetString("base")
	v, err := parseAddr(base)
	if err != nil {
		return c, fmt.Errorf("--base: %w", err)
	}
	c.Base = v
	return c, nil
}

func openImage(cmd *cobra.Command, path string) (*image.Image, error) {
	c, err := config(cmd)
	if err != nil {
		return nil, err
	}
	return image.Open(path, image.WithBase(uintptr(c.Base)), image.WithHeapSize(c.HeapSize))
}

// parseAddr accepts decimal or 0x-prefixed hex.
func parseAddr(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return v, nil
}

func ResolveCwd(cmd *cobra.Command) (string, error) {
	cwd, _ := cmd.Flags().GetString("cwd")
	if cwd != "" {
		if err := os.Chdir(cwd); err != nil {
			return "", fmt.Errorf("failed to change directory: %w", err)
		}
		return cwd, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current working directory: %w", err)
	}
	return cwd, nil
}
