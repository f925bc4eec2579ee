// Package server wires the broker's HTTP surface: the WebSocket upgrade
// route, health/readiness, and the Prometheus metrics endpoint, behind the
// shared middleware chain.
package server

import (
	"log/slog"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sonju-kr/sonju-voice-broker/pkg/broker/config"
	"github.com/sonju-kr/sonju-voice-broker/pkg/broker/gateway"
	"github.com/sonju-kr/sonju-voice-broker/pkg/broker/handlers"
	"github.com/sonju-kr/sonju-voice-broker/pkg/broker/metrics"
	"github.com/sonju-kr/sonju-voice-broker/pkg/broker/mw"
	"github.com/sonju-kr/sonju-voice-broker/pkg/broker/registry"
	"github.com/sonju-kr/sonju-voice-broker/pkg/broker/retrieval"
	"github.com/sonju-kr/sonju-voice-broker/pkg/broker/tools"
)

type Server struct {
	cfg      config.Config
	logger   *slog.Logger
	mux      *http.ServeMux
	Registry *registry.Registry
	Metrics  *metrics.Metrics
}

func New(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	reg := registry.New()
	met := metrics.New("")

	chat := openai.NewClient(cfg.OpenAIAPIKey)
	retrievalClient := retrieval.New(chat, cfg.RAGModel, cfg.VectorStoreID)
	limiter := tools.NewLimiter(cfg.ToolRateLimitInterval)
	executor := tools.New(retrievalClient, limiter, logger)
	executor.SetMetrics(met)

	broker := gateway.New(cfg, reg, executor, logger)
	broker.Metrics = met

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		mux:      http.NewServeMux(),
		Registry: reg,
		Metrics:  met,
	}

	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: cfg, Registry: reg})
	s.mux.Handle("/metrics", met.Handler())
	s.mux.Handle("/", broker)

	return s
}

// Handler returns the fully wrapped http.Handler ready to be served.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
