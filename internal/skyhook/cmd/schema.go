package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"skyhook/internal/manifest"
)

func newSchemaCmd() *cobra.Command {
	c := &cobra.Command{
		Use:    "schema",
		Short:  "Generate JSON schema for configuration",
		Long:   "Generate JSON schema for the skyhook configuration, or with --manifest for patch manifests",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var s *jsonschema.Schema
			if m, _ := cmd.Flags().GetBool("manifest"); m {
				s = manifest.Schema()
			} else {
				s = new(jsonschema.Reflector).Reflect(&Config{})
			}
			bts, err := json.MarshalIndent(s, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(bts))
			return nil
		},
	}
	c.Flags().Bool("manifest", false, "Print the manifest schema")
	return c
}
