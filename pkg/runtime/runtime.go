package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	appconfig "github.com/jugogpt/speech-2-speech-o4-tutor-chatbot/internal/config"
	apphttp "github.com/jugogpt/speech-2-speech-o4-tutor-chatbot/internal/http"
	applogger "github.com/jugogpt/speech-2-speech-o4-tutor-chatbot/internal/logger"
	"github.com/jugogpt/speech-2-speech-o4-tutor-chatbot/internal/relay"
)

// Server wraps the relay HTTP server for embedding and for cmd/main.
type Server struct {
	cfg    appconfig.Config
	logger *zap.Logger
	server *http.Server
}

// New executes the new function.
func New(configPath string) (*Server, error) {
	cfg, err := appconfig.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load relay config: %w", err)
	}
	if cfg.Upstream.APIKey == "" {
		return nil, errors.New("upstream api key is not configured")
	}

	if cfg.Log.Service == "" {
		cfg.Log.Service = "tutor-relay"
	}
	logger, err := applogger.New(cfg.Log)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	logger.Info("relay config loaded",
		zap.String("config_path", configPath),
		zap.String("root_dir", cfg.RootDir),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("upstream_url", cfg.Upstream.URL),
		zap.String("model", cfg.Upstream.Model),
	)

	relayHandler := relay.NewHandler(logger, cfg)
	router := apphttp.NewRouter(cfg, relayHandler, logger)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	return &Server{
		cfg:    cfg,
		logger: logger,
		server: httpServer,
	}, nil
}

// Run executes the run method.
func (s *Server) Run() error {
	if s == nil || s.server == nil {
		return nil
	}
	s.logger.Info("starting relay server", zap.String("addr", s.cfg.HTTPAddr))
	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr executes the addr method.
func (s *Server) Addr() string {
	if s == nil || s.server == nil {
		return ""
	}
	return s.server.Addr
}

// Logger exposes the configured logger.
func (s *Server) Logger() *zap.Logger {
	if s == nil {
		return nil
	}
	return s.logger
}

// Shutdown executes the shutdown method.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
