package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"forensic-ledger/internal/services/custodypdf"
	"forensic-ledger/internal/services/forensicexport"
)

var exportFlags struct {
	outDir   string
	operator string
	note     string
	bundle   bool
}

var exportCmd = &cobra.Command{
	Use:   "export CASE",
	Short: "Export a case as a custody PDF or an evidence bundle (ZIP)",
	Args:  cobra.ExactArgs(1),
	RunE:  runExport,
}

func init() {
	f := exportCmd.Flags()
	f.StringVar(&exportFlags.outDir, "out-dir", "", "output directory (default: <db dir>/reports, or <db dir>/exports with --bundle)")
	f.StringVar(&exportFlags.operator, "operator", "", "operator recorded in the export event")
	f.StringVar(&exportFlags.note, "note", "", "free-form note printed on the report")
	f.BoolVar(&exportFlags.bundle, "bundle", false, "export a ZIP with evidence files, reports, ledger records and hashes.sha256")
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStack(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	c, err := s.registry.Lookup(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if exportFlags.bundle {
		return exportBundle(cmd, s, c.ID)
	}
	outDir := exportFlags.outDir
	if outDir == "" {
		outDir = filepath.Join(filepath.Dir(cfg.DBPath), "reports")
	}

	res, err := custodypdf.Generate(cmd.Context(), s.store, s.chain, custodypdf.Options{
		CaseID:   c.ID,
		OutDir:   outDir,
		Operator: exportFlags.operator,
		Note:     exportFlags.note,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if rootFlags.output == "json" {
		return writeJSON(out, res)
	}
	fmt.Fprintf(out, "pdf=%s\nsha256=%s\n", res.PDFPath, res.PDFSHA256)
	for _, w := range res.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	return nil
}

func exportBundle(cmd *cobra.Command, s *stack, caseID int64) error {
	outDir := exportFlags.outDir
	if outDir == "" {
		outDir = filepath.Join(filepath.Dir(s.cfg.DBPath), "exports")
	}
	res, err := forensicexport.Generate(cmd.Context(), s.store, s.chain, forensicexport.Options{
		CaseID:   caseID,
		OutDir:   outDir,
		Operator: exportFlags.operator,
		Note:     exportFlags.note,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if rootFlags.output == "json" {
		return writeJSON(out, res)
	}
	fmt.Fprintf(out, "zip=%s\nsha256=%s\nfiles=%d\n", res.ZipPath, res.ZipSHA256, res.Files)
	for _, w := range res.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	return nil
}
