package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"forensic-ledger/internal/domain/model"
)

var acknowledgeCmd = &cobra.Command{
	Use:   "acknowledge CHAIN",
	Short: "Release a chain halted by a failed verification (evidence|events)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAcknowledge,
}

func runAcknowledge(cmd *cobra.Command, args []string) error {
	kind := model.ChainKind(args[0])
	if !kind.Valid() {
		return fmt.Errorf("unknown chain %q", args[0])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStack(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	was, err := s.chain.Acknowledge(cmd.Context(), kind)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if rootFlags.output == "json" {
		return writeJSON(out, map[string]any{"kind": kind, "was_halted": was})
	}
	if was {
		fmt.Fprintf(out, "%s chain released\n", kind)
	} else {
		fmt.Fprintf(out, "%s chain was not halted\n", kind)
	}
	return nil
}
