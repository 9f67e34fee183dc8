package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"forensic-ledger/internal/services/webapp"
)

var serveFlags struct {
	listen    string
	reportDir string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.listen, "listen", "", "listen address (overrides config)")
	f.StringVar(&serveFlags.reportDir, "report-dir", "", "PDF export directory (default: <db dir>/reports)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveFlags.listen != "" {
		cfg.ListenAddr = serveFlags.listen
	}

	s, err := openStack(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return webapp.New(webapp.Deps{
		Store:      s.store,
		Registry:   s.registry,
		Chain:      s.chain,
		Dispatcher: s.dispatcher,
		Reports:    s.reports,
		Ingest:     s.ingest,
		View:       s.view,
	}, webapp.Options{
		ListenAddr: cfg.ListenAddr,
		DBPath:     cfg.DBPath,
		ReportDir:  serveFlags.reportDir,
		JWTSecret:  cfg.Auth.JWTSecret,
	}).Run(ctx)
}
