package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"

	"forensic-ledger/internal/adapters/analyzer"
	sqliteadapter "forensic-ledger/internal/adapters/store/sqlite"
	"forensic-ledger/internal/adapters/tools"
	"forensic-ledger/internal/app"
	"forensic-ledger/internal/domain/model"
	"forensic-ledger/internal/format"
	"forensic-ledger/internal/platform/logging"
	"forensic-ledger/internal/services/cases"
	"forensic-ledger/internal/services/caseview"
	"forensic-ledger/internal/services/dispatch"
	"forensic-ledger/internal/services/ingest"
	"forensic-ledger/internal/services/ledger"
	"forensic-ledger/internal/services/normalize"
	"forensic-ledger/internal/services/reportstore"
)

// loadConfig 读取配置文件，再用显式传入的全局参数覆盖。
func loadConfig() (app.Config, error) {
	cfg, err := app.LoadConfig(rootFlags.config)
	if err != nil {
		return app.Config{}, err
	}
	if rootFlags.db != "" {
		cfg.DBPath = rootFlags.db
	}
	if rootFlags.logLevel != "" {
		cfg.Log.Level = rootFlags.logLevel
	}
	logging.Init(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

// stack 是一次命令执行所需的全部组件，按 serve 时的方式装配。
type stack struct {
	cfg        app.Config
	db         *sql.DB
	store      *sqliteadapter.Store
	registry   *cases.Registry
	chain      *ledger.Chain
	dispatcher *dispatch.Dispatcher
	reports    *reportstore.Store
	ingest     *ingest.Service
	view       *caseview.Service
}

func openStack(ctx context.Context, cfg app.Config) (*stack, error) {
	db, store, err := sqliteadapter.OpenAndMigrate(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	router, err := dispatch.NewRouter(cfg.Routing)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	alerts := logging.New("alert")
	chain := ledger.New(store, ledger.WithAlert(func(kind model.ChainKind, res ledger.Result) {
		alerts.Error("integrity_alert",
			slog.String("chain", string(kind)),
			slog.Int("failed", res.Failed),
			slog.Int("total", res.Total))
	}))

	invoker := analyzer.NewClient(cfg.Analyzer.Endpoint, cfg.Analyzer.APIKey, cfg.Analyzer.AppName, cfg.Analyzer.Timeout.Duration)
	d := dispatch.New(router, invoker, chain,
		dispatch.WithTimeout(cfg.Analyzer.Timeout.Duration),
		dispatch.WithExtractor(model.CapNetwork, tools.NewTshark(cfg.Tools.TsharkPath, cfg.Tools.Timeout.Duration)),
		dispatch.WithFileTypeExtractor(tools.NewPlistReader(), ".plist", "bplist"),
	)

	registry := cases.NewRegistry(store, cfg.DefaultCase, cases.WithEvents(chain))
	reports := reportstore.New(store, registry)
	return &stack{
		cfg:        cfg,
		db:         db,
		store:      store,
		registry:   registry,
		chain:      chain,
		dispatcher: d,
		reports:    reports,
		ingest: ingest.New(ingest.Deps{
			EvidenceDir: cfg.EvidenceDir,
			Registry:    registry,
			Chain:       chain,
			Dispatcher:  d,
			Normalizer:  normalize.New(),
			Reports:     reports,
			Evidence:    store,
		}),
		view: caseview.New(store, registry, reports, chain),
	}, nil
}

func (s *stack) Close() error {
	return s.db.Close()
}

// outputMode 为 json 时返回 ok=false，调用方改走 writeJSON。
func outputMode() (format.Mode, bool, error) {
	if rootFlags.output == "json" {
		return format.ASCII, false, nil
	}
	m, err := format.ParseMode(rootFlags.output)
	return m, true, err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
