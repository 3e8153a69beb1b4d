package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"skyhook/internal/engine/image"
	"skyhook/internal/manifest"
	"skyhook/internal/skyhook/styles"
)

func newApplyCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "apply <manifest> <elf>",
		Short: "Apply a patch manifest and save the patched executable",
		Example: `
skyhook apply patches.yaml ./main -o ./main.patched
  `,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("output")
			if out == "" {
				out = args[1] + ".patched"
			}
			im, m, report, err := applyManifest(cmd, args[0], args[1])
			if im != nil {
				defer im.Close()
			}
			fmt.Fprint(cmd.OutOrStdout(), reportTable(report))
			if err != nil {
				return err
			}

			if n := len(im.Hooks()); n > 0 {
				logger(cmd).Warn("hook stubs live in the synthetic heap and are not saved", "hooks", n)
			}
			if err := im.Save(out); err != nil {
				return err
			}
			logger(cmd).Info("saved", "manifest", m.Name, "output", out)
			return nil
		},
	}
	c.Flags().StringP("output", "o", "", "Output path (default <elf>.patched)")
	return c
}

// applyManifest loads both files and applies the manifest. The image is
// returned open whenever it could be loaded, even if applying failed.
func applyManifest(cmd *cobra.Command, manifestPath, elfPath string) (*image.Image, *manifest.Manifest, manifest.Report, error) {
	m, err := manifest.Load(manifestPath)
	if err != nil {
		return nil, nil, nil, err
	}
	im, err := openImage(cmd, elfPath)
	if err != nil {
		return nil, m, nil, err
	}
	report, err := manifest.Apply(im, m, logger(cmd))
	return im, m, report, err
}

func reportTable(report manifest.Report) string {
	if len(report) == 0 {
		return ""
	}
	rows := make([][]string, 0, len(report))
	for _, r := range report {
		action := r.Action
		if r.Skipped {
			action = styles.Muted.Render(action + " (disabled)")
		}
		rows = append(rows, []string{
			strconv.Itoa(r.Index),
			r.Name,
			action,
			fmt.Sprintf("%s 0x%x", r.Region, r.Addr),
			strconv.Itoa(r.Size),
			r.Detail,
		})
	}
	return styles.Table(
		[]string{"#", "name", "action", "address", "size", "detail"},
		rows,
		styles.Muted, styles.Action, styles.Action, styles.Addr, styles.Detail, styles.Detail,
	)
}
