package cmd

import (
	"encoding/binary"
	"fmt"

	"github.com/spf13/cobra"

	"skyhook/internal/inst"
	"skyhook/internal/patch"
	"skyhook/internal/scan"
)

func newEncodeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "encode",
		Short: "Encode a B or BL between two addresses",
		Example: `
skyhook encode --kind bl --from 0x7100001000 --to 0x7100002000
  `,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kindName, _ := cmd.Flags().GetString("kind")
			var kind patch.BranchKind
			switch kindName {
			case "b":
				kind = patch.Branch
			case "bl":
				kind = patch.BranchLink
			default:
				return fmt.Errorf("--kind must be b or bl, got %q", kindName)
			}

			from, err := addrFlag(cmd, "from")
			if err != nil {
				return err
			}
			to, err := addrFlag(cmd, "to")
			if err != nil {
				return err
			}
			w, err := patch.EncodeBranch(kind, uintptr(from), uintptr(to))
			if err != nil {
				return err
			}

			l := scan.Render(uintptr(from), inst.Decode(w))
			le := binary.LittleEndian.AppendUint32(nil, w)
			fmt.Fprintf(cmd.OutOrStdout(), "%08x  % x  %s %s\n", w, le, l.Mnemonic, l.Operands)
			return nil
		},
	}
	c.Flags().StringP("kind", "k", "b", "Branch kind: b or bl")
	c.Flags().String("from", "", "Address of the branch instruction")
	c.Flags().String("to", "", "Branch destination")
	_ = c.MarkFlagRequired("from")
	_ = c.MarkFlagRequired("to")
	return c
}

func addrFlag(cmd *cobra.Command, name string) (uint64, error) {
	s, _ := cmd.Flags().GetString(name)
	v, err := parseAddr(s)
	if err != nil {
		return 0, fmt.Errorf("--%s: %w", name, err)
	}
	return v, nil
}
