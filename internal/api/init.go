package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/leadpipe/drip/internal/config"
	"github.com/leadpipe/drip/internal/engine"
	"github.com/leadpipe/drip/internal/metrics"
	"github.com/leadpipe/drip/tools"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme/autocert"
)

// Server is the trigger surface. An external scheduler POSTs /v1/dispatch
// whenever it wants an engine invocation; everything else on here is
// operational plumbing.
type Server struct {
	cfg *config.Config
	log *logrus.Logger
	e   *echo.Echo
}

func New(cfg *config.Config, eng *engine.Engine, m *metrics.Metrics, lc *tools.Logger) *Server {
	s := &Server{
		cfg: cfg,
		log: lc.New("api"),
		e:   echo.New(),
	}
	s.e.HideBanner = true
	s.e.HidePort = true

	prom := prometheus.NewPrometheus("echo", nil)
	s.e.Use(middleware.Recover(), middleware.Logger(), prom.HandlerFunc)

	s.e.GET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, "pong")
	})
	s.e.GET("/metrics", echo.WrapHandler(m.HttpMetrics()))

	v1 := s.e.Group("/v1")
	if len(cfg.APIKeys) > 0 {
		v1.Use(middleware.KeyAuth(s.validKey))
	} else {
		s.log.Warn("no api keys configured, the dispatch endpoint is open")
	}
	v1.POST("/dispatch", Dispatch(eng, s.log))

	return s
}

func (s *Server) validKey(key string, c echo.Context) (bool, error) {
	for _, k := range s.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
			return true, nil
		}
	}
	return false, nil
}

// Start blocks until the server stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.APIPort)
	s.log.WithField("addr", addr).Info("starting api server")

	if s.cfg.APIAutoTLS {
		email := strings.TrimSpace(s.cfg.APIAutoTLSEmail)
		if email == "" {
			s.log.Warn("auto tls is enabled but no account email is set")
		}
		s.e.AutoTLSManager.Cache = autocert.DirCache("/var/lib/drip")
		s.e.AutoTLSManager.HostPolicy = autocert.HostWhitelist(s.cfg.Hostname)
		s.e.AutoTLSManager.Email = email
		return s.e.StartAutoTLS(addr)
	}
	return s.e.Start(addr)
}

func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("shutting down api server")
	return s.e.Shutdown(ctx)
}
