package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	appconfig "github.com/jugogpt/speech-2-speech-o4-tutor-chatbot/internal/config"
	"github.com/jugogpt/speech-2-speech-o4-tutor-chatbot/internal/relay"
)

// NewRouter executes the newRouter function.
func NewRouter(cfg appconfig.Config, relayHandler *relay.Handler, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": relayHandler.SessionCount()})
	})

	router.GET("/ws", func(c *gin.Context) {
		relayHandler.Handle(c.Writer, c.Request)
	})

	router.GET("/personas", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"personas": appconfig.ScanPersonaFiles(cfg.PersonasDir)})
	})

	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		if logger == nil {
			return
		}
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
		)
	}
}
