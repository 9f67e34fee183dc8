package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"forensic-ledger/internal/services/webapp"
)

var tokenFlags struct {
	subject string
	ttl     time.Duration
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an HS256 bearer token for the API",
	Args:  cobra.NoArgs,
	RunE:  runToken,
}

func init() {
	f := tokenCmd.Flags()
	f.StringVar(&tokenFlags.subject, "subject", "investigator", "token subject")
	f.DurationVar(&tokenFlags.ttl, "ttl", 12*time.Hour, "token lifetime")
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}
	token, err := webapp.IssueToken(cfg.Auth.JWTSecret, tokenFlags.subject, tokenFlags.ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
