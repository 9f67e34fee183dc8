package webapp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	sqliteadapter "forensic-ledger/internal/adapters/store/sqlite"
	"forensic-ledger/internal/platform/logging"
	"forensic-ledger/internal/services/cases"
	"forensic-ledger/internal/services/caseview"
	"forensic-ledger/internal/services/dispatch"
	"forensic-ledger/internal/services/ingest"
	"forensic-ledger/internal/services/ledger"
	"forensic-ledger/internal/services/reportstore"
)

// 上传大小上限。
const maxUploadBytes = 4 << 30

// Options 定义 API 服务参数。
type Options struct {
	ListenAddr string
	DBPath     string
	ReportDir  string
	// JWTSecret 为空时不鉴权（本机使用）。
	JWTSecret string
}

// Deps 是 API 依赖的服务组件。
type Deps struct {
	Store      *sqliteadapter.Store
	Registry   *cases.Registry
	Chain      *ledger.Chain
	Dispatcher *dispatch.Dispatcher
	Reports    *reportstore.Store
	Ingest     *ingest.Service
	View       *caseview.Service
}

func New(deps Deps, opts Options) *Server {
	if opts.ListenAddr == "" {
		opts.ListenAddr = "127.0.0.1:8000"
	}
	return &Server{
		opts:    opts,
		deps:    deps,
		started: time.Now().UTC(),
		logger:  logging.New("webapp"),
	}
}

// Handler 返回带鉴权中间件的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.withLogging(s.withAuth(mux))
}

// Run 启动 HTTP 服务，ctx 取消时优雅退出。
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.opts.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api listening",
		slog.String("addr", "http://"+s.opts.ListenAddr),
		slog.Bool("auth", s.opts.JWTSecret != ""))
	err := httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
