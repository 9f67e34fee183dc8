package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"forensic-ledger/internal/services/ingest"
)

var ingestFlags struct {
	caseName   string
	capability string
}

var ingestCmd = &cobra.Command{
	Use:   "ingest FILE...",
	Short: "Record evidence files in the ledger and dispatch them for analysis",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIngest,
}

func init() {
	f := ingestCmd.Flags()
	f.StringVar(&ingestFlags.caseName, "case", "", "case name or id (created when unknown; default case when empty)")
	f.StringVar(&ingestFlags.capability, "capability", "", "force an analysis capability, e.g. network|memory|SandboxAgent")
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStack(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	out := cmd.OutOrStdout()
	results := make([]*ingest.Result, 0, len(args))
	for _, path := range args {
		res, err := ingestFile(cmd, s, path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		results = append(results, res)
	}

	if rootFlags.output == "json" {
		return writeJSON(out, results)
	}
	for _, res := range results {
		fmt.Fprintf(out, "%s case=%s evidence=%d report=%d agent=%s verdict=%s severity=%s",
			res.FileInfo.Filename, res.CaseNumber, res.EvidenceID, res.ReportID,
			res.AgentName, res.Analysis.Verdict, res.Analysis.Severity)
		if res.Degraded {
			fmt.Fprint(out, " degraded=true")
		}
		fmt.Fprintln(out)
	}
	return nil
}

func ingestFile(cmd *cobra.Command, s *stack, path string) (*ingest.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return s.ingest.Upload(cmd.Context(), ingest.Upload{
		Case:       ingestFlags.caseName,
		Filename:   filepath.Base(path),
		Capability: ingestFlags.capability,
		Body:       f,
	})
}
