package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"forensic-ledger/internal/app"
)

var rootFlags struct {
	config   string
	db       string
	output   string
	logLevel string
}

const rootLong = `ledgerctl 管理取证案件：证据入链后分发给分析 agent，并可校验哈希链、导出保管链材料。
配置文件为 YAML，命令行参数覆盖配置文件中的同名项。`

var rootCmd = &cobra.Command{
	Use:          "ledgerctl",
	Short:        "Forensic evidence ledger and analysis dispatch",
	Long:         rootLong,
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootFlags.config, "config", "", "YAML config file")
	pf.StringVar(&rootFlags.db, "db", "", "sqlite database path (overrides config)")
	pf.StringVarP(&rootFlags.output, "output", "o", "table", "output format: table|markdown|json")
	pf.StringVar(&rootFlags.logLevel, "log-level", "", "debug|info|warn|error (overrides config)")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(acknowledgeCmd)
	rootCmd.AddCommand(casesCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.Version = app.Version
}

// CLI 入口。子命令错误统一输出到 stderr 并返回非 0 状态码。
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
