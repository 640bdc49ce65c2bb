package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/crunchdao/coordinator-node-starter/internal/app/metrics"
	"github.com/crunchdao/coordinator-node-starter/internal/app/storage"
	"github.com/crunchdao/coordinator-node-starter/internal/app/system"
	"github.com/crunchdao/coordinator-node-starter/pkg/logger"
)

// Service exposes the Reporting Surface over HTTP and fits into the system
// manager lifecycle alongside the feed/predict/score/checkpoint workers.
type Service struct {
	addr    string
	server  *http.Server
	handler http.Handler
	log     *logger.Logger
}

// Config bundles everything NewService needs to wire the reporting mux.
type Config struct {
	Addr            string
	Auth            AuthConfig
	RateLimitPerSec int
	BackfillRoot    string
	AuditLogPath    string
}

// NewService builds the reporting HTTP service. The middleware order
// matters: rate limiting rejects abusive callers before auth does any
// token validation work, auth gates the write endpoints before the request
// reaches a handler, and metrics instruments whatever made it through.
func NewService(cfg Config, models storage.ModelStore, scores storage.ScoreStore, checkpoints storage.CheckpointStore, backfill BackfillTrigger, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}

	mux := NewHandlerWithAuditSink(models, scores, checkpoints, backfill, cfg.BackfillRoot, cfg.AuditLogPath, log)
	wrapped := metrics.InstrumentHandler(mux)
	wrapped = authMiddleware(cfg.Auth, log)(wrapped)
	wrapped = rateLimitMiddleware(cfg.RateLimitPerSec)(wrapped)

	return &Service{addr: cfg.Addr, handler: wrapped, log: log}
}

var _ system.Service = (*Service)(nil)

func (s *Service) Name() string { return "http" }

func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithField("err", err).Error("httpapi: server error")
		}
	}()
	s.log.WithField("addr", s.addr).Info("httpapi: server started")
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
