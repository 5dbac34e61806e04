package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agritrace-io/ledger-service/internal/catalog"
	"github.com/agritrace-io/ledger-service/internal/config"
	"github.com/agritrace-io/ledger-service/internal/directory"
	"github.com/agritrace-io/ledger-service/internal/ledger"
)

func NewRouter(led *ledger.Ledger, dir *directory.Cache, cat *catalog.Service, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl))
	RegisterHandlers(r, led, dir, cat)
	return r
}
