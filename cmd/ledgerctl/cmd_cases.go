package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"forensic-ledger/internal/domain/model"
	"forensic-ledger/internal/format"
)

var casesFlags struct {
	limit  int
	offset int

	description  string
	investigator string
	priority     string
	tags         []string
}

var casesCmd = &cobra.Command{
	Use:   "cases",
	Short: "List, create and inspect cases",
}

var casesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cases with evidence, event and report counts",
	Args:  cobra.NoArgs,
	RunE:  runCasesList,
}

var casesCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a case explicitly",
	Args:  cobra.ExactArgs(1),
	RunE:  runCasesCreate,
}

var casesShowCmd = &cobra.Command{
	Use:   "show CASE",
	Short: "Show a case's evidence, reports and timeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runCasesShow,
}

func init() {
	lf := casesListCmd.Flags()
	lf.IntVar(&casesFlags.limit, "limit", 50, "max rows")
	lf.IntVar(&casesFlags.offset, "offset", 0, "rows to skip")

	cf := casesCreateCmd.Flags()
	cf.StringVar(&casesFlags.description, "description", "", "case description")
	cf.StringVar(&casesFlags.investigator, "investigator", "", "lead investigator")
	cf.StringVar(&casesFlags.priority, "priority", "", "LOW|MEDIUM|HIGH|CRITICAL")
	cf.StringSliceVar(&casesFlags.tags, "tag", nil, "tag (repeatable)")

	casesCmd.AddCommand(casesListCmd, casesCreateCmd, casesShowCmd)
}

func runCasesList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStack(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	rows, err := s.registry.List(cmd.Context(), casesFlags.limit, casesFlags.offset)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	mode, table, err := outputMode()
	if err != nil {
		return err
	}
	if !table {
		return writeJSON(out, rows)
	}
	fmt.Fprintln(out, format.Cases(mode, rows))
	return nil
}

func runCasesCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStack(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	c, err := s.registry.Create(cmd.Context(), model.NewCase{
		Name:         args[0],
		Description:  casesFlags.description,
		Investigator: casesFlags.investigator,
		Priority:     model.CasePriority(casesFlags.priority),
		Tags:         casesFlags.tags,
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if rootFlags.output == "json" {
		return writeJSON(out, c)
	}
	fmt.Fprintf(out, "case created: id=%d case_number=%s name=%s priority=%s\n", c.ID, c.CaseNumber, c.Name, c.Priority)
	return nil
}

func runCasesShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStack(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	ov, err := s.view.GetOverview(ctx, args[0])
	if err != nil {
		return err
	}
	evidence, err := s.store.ListEvidenceByCase(ctx, ov.ID)
	if err != nil {
		return err
	}
	reports, err := s.reports.ListByCase(ctx, ov.ID)
	if err != nil {
		return err
	}
	timeline, err := s.view.Timeline(ctx, ov.ID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	mode, table, err := outputMode()
	if err != nil {
		return err
	}
	if !table {
		return writeJSON(out, map[string]any{
			"case":     ov,
			"evidence": evidence,
			"reports":  reports,
			"timeline": timeline,
		})
	}

	fmt.Fprintf(out, "Case:      %s (%s)\n", ov.Name, ov.CaseNumber)
	fmt.Fprintf(out, "Status:    %s  Priority: %s  Investigator: %s\n", ov.Status, ov.Priority, ov.Investigator)
	if ov.WorstVerdict != "" {
		fmt.Fprintf(out, "Worst:     %s\n", ov.WorstVerdict)
	}
	for kind, halted := range ov.ChainHalted {
		if halted {
			fmt.Fprintf(out, "WARNING:   %s chain halted by integrity alert\n", kind)
		}
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, format.Evidence(mode, evidence))
	fmt.Fprintln(out)
	fmt.Fprintln(out, format.Reports(mode, reports))
	fmt.Fprintln(out)
	fmt.Fprintln(out, format.Timeline(mode, timeline))
	return nil
}
