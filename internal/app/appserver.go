package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"liuproxy_validator/internal/core/engineconf"
	"liuproxy_validator/internal/core/health"
	"liuproxy_validator/internal/core/portpool"
	"liuproxy_validator/internal/core/probe"
	"liuproxy_validator/internal/core/supervisor"
	"liuproxy_validator/internal/geo"
	"liuproxy_validator/internal/service/web"
	"liuproxy_validator/internal/shared/logger"
	"liuproxy_validator/internal/shared/types"
	manager "liuproxy_validator/proxypool"
	"liuproxy_validator/proxypool/storage"
	"liuproxy_validator/proxypool/validator"
)

const shutdownTimeout = 5 * time.Second

// AppServer is the application's main struct. It owns every long-lived component.
type AppServer struct {
	cfg *types.Config

	engine    *supervisor.Supervisor
	geo       *geo.Service
	validator *validator.Validator
	manager   *manager.Manager
	hub       *web.Hub
	checker   *health.Checker

	httpServer *http.Server

	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// New 根据配置组装所有组件。路径应当已经由 config.ResolvePaths 处理过。
func New(cfg *types.Config) (*AppServer, error) {
	pool, err := portpool.New(cfg.BasePort, cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create port pool: %w", err)
	}

	engine := supervisor.New(supervisor.Options{
		Binary:      cfg.EngineConf.Binary,
		Args:        supervisor.SplitArgs(cfg.EngineConf.Args),
		VersionArgs: supervisor.SplitArgs(cfg.EngineConf.VersionArgs),
		Env:         supervisor.SplitArgs(cfg.EngineConf.Env),
		SettleDelay: time.Duration(cfg.SettleMs) * time.Millisecond,
		StopGrace:   time.Duration(cfg.StopGraceMs) * time.Millisecond,
		TempDir:     cfg.TempDir,
	})

	prober, err := probe.New(probe.Mode(cfg.ProbeConf.Mode), cfg.ProbeConf.Target,
		time.Duration(cfg.ProbeConf.TimeoutMs)*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("failed to create prober: %w", err)
	}

	geoService, err := geo.New(cfg.GeoConf)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize geo lookup: %w", err)
	}

	if cfg.EngineConf.Inbound == engineconf.InboundHTTP {
		// 探测只讲 SOCKS5，http 入站的引擎需要同时接受 SOCKS 请求
		logger.Warn().Msg("engine.inbound is http but the probe speaks SOCKS5; results depend on the engine accepting both.")
	}

	v := validator.NewValidator(pool, engineconf.NewBuilder(cfg.EngineConf.Inbound), engine, prober, geoService)
	m := manager.NewManager(
		storage.NewFileStorage(cfg.ResultsFile),
		v,
		storage.NewLineFile(cfg.URLsFile),
		storage.NewLineFile(cfg.SavedFile),
		geoService.Countries(),
	)

	s := &AppServer{
		cfg:       cfg,
		engine:    engine,
		geo:       geoService,
		validator: v,
		manager:   m,
		hub:       web.NewHub(),
		checker:   health.New(m, time.Duration(cfg.HealthConf.IntervalS)*time.Second),
	}
	m.AddObserver(s.hub.BroadcastOutcome)

	logger.Info().
		Int("workers", cfg.Workers).
		Int("base_port", cfg.BasePort).
		Str("inbound", cfg.EngineConf.Inbound).
		Str("probe_mode", cfg.ProbeConf.Mode).
		Msg("Validator assembled.")
	return s, nil
}

// Manager exposes the scan controller, mainly for the batch mode.
func (s *AppServer) Manager() *manager.Manager { return s.manager }

// CheckEngine runs the engine's version command. A missing binary is fatal for the caller:
// every job would fail with process_launch.
func (s *AppServer) CheckEngine(ctx context.Context) error {
	version, err := s.engine.CheckBinary(ctx)
	if err != nil {
		return err
	}
	s.manager.SetEngineVersion(version)
	logger.Info().Str("version", version).Str("binary", s.cfg.EngineConf.Binary).Msg("Engine binary found.")
	return nil
}

// Run is the server's entry point. It blocks until ctx is done and then shuts everything down.
func (s *AppServer) Run(ctx context.Context) error {
	logger.Info().Msg("Starting validator in 'web' mode...")

	s.manager.Start()

	hubCtx, stopHub := context.WithCancel(context.Background())
	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		s.hub.Run(hubCtx)
	}()

	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		s.checker.Run(ctx)
	}()

	srv, err := web.StartServer(&s.waitGroup, s.cfg.LocalConf, s.manager, s.hub)
	if err != nil {
		stopHub()
		s.Stop()
		return err
	}
	s.httpServer = srv
	if srv == nil {
		logger.Warn().Msg("Nothing to serve, web UI is disabled.")
	}

	<-ctx.Done()
	logger.Info().Msg("Shutdown requested.")
	s.shutdownHTTP()
	stopHub()
	s.Stop()
	s.waitGroup.Wait()
	return nil
}

func (s *AppServer) shutdownHTTP() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// SSE 流在 Shutdown 期间继续运行直到扫描结束或超时
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Web server did not shut down cleanly, closing.")
		s.httpServer.Close()
	}
}

// Stop persists the results history and releases the geo backend. Safe to call twice.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		s.manager.Stop()
		if err := s.geo.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close geo backend.")
		}
		logger.Info().Msg("Validator stopped.")
	})
}
