package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"skyhook/internal/manifest"
	"skyhook/internal/skyhook/styles"
)

func newRunCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "run <manifest> <elf>",
		Short: "Apply a manifest in memory and summarize what it would change",
		Long: `Run applies the manifest to an in-memory copy of the executable and prints
a summary. Nothing is written unless --output is given.`,
		Example: `
# Dry run
skyhook run patches.yaml ./main

# Plain markdown, e.g. for a pull request
skyhook run --raw patches.yaml ./main
  `,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			im, m, report, err := applyManifest(cmd, args[0], args[1])
			if im != nil {
				defer im.Close()
			}
			if m == nil {
				return err
			}

			md := summary(m, report, err)
			if raw, _ := cmd.Flags().GetBool("raw"); raw {
				fmt.Fprint(cmd.OutOrStdout(), md)
			} else {
				r, rerr := styles.MarkdownRenderer(100)
				if rerr != nil {
					return rerr
				}
				rendered, rerr := r.Render(md)
				if rerr != nil {
					return rerr
				}
				fmt.Fprint(cmd.OutOrStdout(), rendered)
			}
			if err != nil {
				return err
			}

			if out, _ := cmd.Flags().GetString("output"); out != "" {
				return im.Save(out)
			}
			return nil
		},
	}
	c.Flags().Bool("raw", false, "Print markdown without rendering it")
	c.Flags().StringP("output", "o", "", "Also save the patched executable here")
	return c
}

func summary(m *manifest.Manifest, report manifest.Report, err error) string {
	var b strings.Builder
	name := m.Name
	if name == "" {
		name = "manifest"
	}
	fmt.Fprintf(&b, "# %s\n\n", name)
	fmt.Fprintf(&b, "**%d** of %d patches applied.\n\n", report.Applied(), len(m.Patches))
	for _, r := range report {
		label := r.Name
		if label == "" {
			label = fmt.Sprintf("patch %d", r.Index)
		}
		if r.Skipped {
			fmt.Fprintf(&b, "- ~~%s~~ disabled\n", label)
			continue
		}
		fmt.Fprintf(&b, "- **%s**: `%s` at `0x%x` in %s, %d bytes", label, r.Action, r.Addr, r.Region, r.Size)
		if r.Detail != "" {
			fmt.Fprintf(&b, " %s", r.Detail)
		}
		b.WriteString("\n")
	}
	if err != nil {
		fmt.Fprintf(&b, "\n## Failed\n\n%s\n", err)
	}
	return b.String()
}
