package presence

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/presencectl/internal/auth"
	"github.com/danmuck/presencectl/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const adminShutdownTimeout = 5 * time.Second

// NewAdminRouter exposes health, the registry snapshot and prometheus metrics.
// A non-empty token guards everything except /health.
func NewAdminRouter(registry *Registry, node, token string, started time.Time) *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(node))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET"},
		AllowHeaders:    []string{"Origin", "Content-Type"},
		MaxAge:          12 * time.Hour,
	}))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"uptime":   time.Since(started).String(),
			"node":     node,
			"sessions": registry.Len(),
		})
	})

	guarded := r.Group("/")
	if token != "" {
		guarded.Use(auth.RequireBearer(auth.StaticToken{Token: token}))
	}
	guarded.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"sessions": registry.List(),
		})
	})
	guarded.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// serveAdmin serves handler on addr until ctx is done.
func serveAdmin(ctx context.Context, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	log.Info().Str("addr", ln.Addr().String()).Msg("presence.admin listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
