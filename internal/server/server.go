// Package server hosts the two GRPS transports. The HTTP surface is a chi
// router under /grps/v1 plus the metrics dashboard; the RPC surface is a gRPC
// service carrying the same wire messages over the grps-json codec. Both share
// one executor, readiness latch, metrics aggregator and predict worker pool.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/NetEase-Media/grps/internal/conf"
	"github.com/NetEase-Media/grps/internal/executor"
	"github.com/NetEase-Media/grps/internal/health"
	"github.com/NetEase-Media/grps/internal/infra/pool"
	"github.com/NetEase-Media/grps/internal/logger"
	"github.com/NetEase-Media/grps/internal/monitor"
)

// Options bundles the shared serving dependencies both transports receive.
type Options struct {
	Conf    *conf.Conf
	Exec    *executor.Executor
	Monitor *monitor.Monitor
	Latch   *health.Latch
	Workers *pool.Pool
	Version string
}

type streamingCtrlMode int

const (
	streamingCtrlQuery streamingCtrlMode = iota
	streamingCtrlHeader
	streamingCtrlBody
)

// HTTPServer is the /grps/v1 HTTP surface.
type HTTPServer struct {
	opts Options

	streamMode        streamingCtrlMode
	streamKey         string
	streamContentType string

	srv *http.Server
}

// NewHTTPServer builds the HTTP surface, resolving the streaming control
// settings from the customized predict configuration.
func NewHTTPServer(opts Options) *HTTPServer {
	s := &HTTPServer{
		opts:              opts,
		streamMode:        streamingCtrlQuery,
		streamKey:         "streaming",
		streamContentType: "application/octet-stream",
	}
	if cp := opts.Conf.Server.Interface.CustomizedPredictHTTP; cp != nil && cp.StreamingCtrl != nil {
		switch cp.StreamingCtrl.CtrlMode {
		case "header_param":
			s.streamMode = streamingCtrlHeader
		case "body_param":
			s.streamMode = streamingCtrlBody
		}
		if cp.StreamingCtrl.CtrlKey != "" {
			s.streamKey = cp.StreamingCtrl.CtrlKey
		}
		if cp.StreamingCtrl.ResContentType != "" {
			s.streamContentType = cp.StreamingCtrl.ResContentType
		}
	}
	return s
}

// Handler returns the chi router with every route mounted.
func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/grps/v1", func(r chi.Router) {
		getPost := func(path string, h http.HandlerFunc) {
			r.Get(path, h)
			r.Post(path, h)
		}
		getPost("/health/online", s.handleOnline)
		getPost("/health/offline", s.handleOffline)
		getPost("/health/live", s.handleLive)
		getPost("/health/ready", s.handleReady)

		r.Post("/infer/predict", s.handlePredict)

		getPost("/metadata/server", s.handleServerMetadata)
		r.Post("/metadata/model", s.handleModelMetadata)

		r.Get("/monitor/series", s.handleMonitorSeries)
		r.Get("/monitor/metrics", s.handleDashboard)

		r.Get("/js/jquery_min", s.handleJqueryJS)
		r.Get("/js/flot_min", s.handleFlotJS)
	})
	r.Get("/", s.handleDashboard)
	r.Handle("/metrics", promhttp.Handler())

	if cp := s.opts.Conf.Server.Interface.CustomizedPredictHTTP; cp != nil {
		h := s.handlePredict
		if cp.CustomizedBody {
			h = s.handleCustomPredict
		}
		r.Get(cp.Path, h)
		r.Post(cp.Path, h)
		logger.Server().Infof("register customized predict http path: %s", cp.Path)
	}
	return r
}

// Start binds the HTTP port and serves until Shutdown. The listener caps
// concurrent connections at max_connections.
func (s *HTTPServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.opts.Conf.Server.Interface.Host, s.opts.Conf.HTTPPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind http %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, s.opts.Conf.Server.MaxConnections)

	logger.Server().Infof("Start grps http service, version: %s, port: %d, max_connections: %d, max_concurrency: %d",
		s.opts.Version, s.opts.Conf.HTTPPort, s.opts.Conf.Server.MaxConnections, s.opts.Conf.Server.MaxConcurrency)
	s.srv = &http.Server{Handler: s.Handler()}
	if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes the listener.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
