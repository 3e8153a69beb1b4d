package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"skyhook/internal/inst"
	"skyhook/internal/scan"
	"skyhook/internal/ui/colorize"
)

func newScanCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "scan <elf>",
		Short: "List decoded instructions of the text section",
		Long: `Scan walks the .text section word by word. Without flags it prints a
listing annotated with branch targets and the strings ADRP+ADD pairs point at.`,
		Example: `
# Only loads and calls
skyhook scan -k ldr,bl ./main

# Find a byte pattern
skyhook scan -s "fd 7b ?? a9" ./main

# Who builds the address of a string
skyhook scan --refs 0x7100123450 ./main
  `,
		Args: cobra.ExactArgs(1),
		RunE: runScan,
	}
	c.Flags().StringSliceP("kind", "k", nil, "Only list these mnemonics (adrp, add, bl, b.eq, ...)")
	c.Flags().StringP("signature", "s", "", "Print addresses matching a byte pattern, ?? is a wildcard")
	c.Flags().String("refs", "", "Print the ADRP+ADD pairs that build this address")
	c.Flags().IntP("limit", "n", 0, "Stop after this many lines")
	return c
}

func runScan(cmd *cobra.Command, args []string) error {
	im, err := openImage(cmd, args[0])
	if err != nil {
		return err
	}
	defer im.Close()

	text := im.ELF().Text
	start := uintptr(text.VA) + im.Bias()
	s := scan.NewRange(im, start, start+uintptr(text.Size))
	logger(cmd).Debug("scanning", "section", text.Name, "start", fmt.Sprintf("0x%x", start), "words", s.Len())

	out := cmd.OutOrStdout()
	sig, _ := cmd.Flags().GetString("signature")
	refs, _ := cmd.Flags().GetString("refs")
	switch {
	case sig != "":
		addrs, err := s.FindSignature(sig)
		if err != nil {
			return err
		}
		for _, a := range addrs {
			fmt.Fprintf(out, "0x%x\n", a)
		}
		return nil
	case refs != "":
		target, err := parseAddr(refs)
		if err != nil {
			return fmt.Errorf("--refs: %w", err)
		}
		found, err := s.FindAdrpAdd(uintptr(target))
		if err != nil {
			return err
		}
		for _, r := range found {
			fmt.Fprintf(out, "adrp 0x%x  add 0x%x  x%d\n", r.Adrp, r.Add, r.Reg)
		}
		return nil
	}

	var keep func(uintptr, inst.Instruction) bool
	if kinds, _ := cmd.Flags().GetStringSlice("kind"); len(kinds) > 0 {
		keep = scan.Mnemonic(kinds...)
	}
	limit, _ := cmd.Flags().GetInt("limit")
	color := colorize.Enabled() && out == os.Stdout && term.IsTerminal(os.Stdout.Fd())

	n := 0
	for l := range s.Listing(keep) {
		line := l.String()
		if color {
			line = colorize.InstructionLine(line)
		}
		fmt.Fprintln(out, line)
		if n++; limit > 0 && n >= limit {
			break
		}
	}
	return s.Err()
}
