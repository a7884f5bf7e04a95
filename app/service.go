// Package app wires the planning engine together from configuration.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/marcpuig/plugsched/api/schedule"
	"github.com/marcpuig/plugsched/config"
	coredevice "github.com/marcpuig/plugsched/core/device"
	"github.com/marcpuig/plugsched/core/executor"
	coremetrics "github.com/marcpuig/plugsched/core/metrics"
	"github.com/marcpuig/plugsched/core/planner"
	corepricing "github.com/marcpuig/plugsched/core/pricing"
	corestore "github.com/marcpuig/plugsched/core/store"
	"github.com/marcpuig/plugsched/infra/device"
	"github.com/marcpuig/plugsched/infra/logger"
	"github.com/marcpuig/plugsched/infra/metrics"
	"github.com/marcpuig/plugsched/infra/pricing"
	infrastore "github.com/marcpuig/plugsched/infra/store"
	"github.com/marcpuig/plugsched/internal/eventbus"
	"github.com/marcpuig/plugsched/jobs/planning"
)

// Service orchestrates the planner, the executor and the API server.
type Service struct {
	cfg      *config.Config
	store    corestore.Store
	planner  *planner.Planner
	executor *executor.Executor
	job      *planning.Job
	prices   corepricing.Source
	bus      *eventbus.TypedBus[coremetrics.TransitionEvent]
	log      logger.Logger

	disconnect func()
}

// New creates a Service from the configuration.
func New(cfg *config.Config) (*Service, error) {
	log := logger.New("service")
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	var st corestore.Store
	switch cfg.Store.Backend {
	case "memory":
		st = corestore.NewMemoryStore()
	default:
		st, err = infrastore.NewSQLiteStore(cfg.Store.Path, loc)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	var controller coredevice.Controller
	disconnect := func() {}
	switch cfg.Device.Kind {
	case "mock":
		controller = device.NewMockController()
		log.Warnf("using mock device controller, no real plugs will switch")
	default:
		paho, err := device.NewPahoController(cfg.Device.MQTT)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("mqtt controller: %w", err)
		}
		controller = paho
		disconnect = paho.Disconnect
	}

	var sinks []coremetrics.Sink
	if cfg.Metrics.PrometheusEnabled {
		sink, err := metrics.NewPromSink()
		if err != nil {
			_ = st.Close()
			disconnect()
			return nil, fmt.Errorf("prom sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.Metrics.InfluxEnabled {
		sink := metrics.NewInfluxSinkWithFallback(cfg.Metrics.InfluxURL,
			cfg.Metrics.InfluxToken, cfg.Metrics.InfluxOrg, cfg.Metrics.InfluxBucket)
		sinks = append(sinks, sink)
	}
	var sink coremetrics.Sink = coremetrics.NopSink{}
	if len(sinks) == 1 {
		sink = sinks[0]
	} else if len(sinks) > 1 {
		sink = metrics.NewMultiSink(sinks...)
	}

	bus := eventbus.NewTyped[coremetrics.TransitionEvent]()
	prices := pricing.NewClient(cfg.Pricing)
	pl := planner.New(cfg.Planner, st, prices, loc, logger.New("planner"), sink)
	exec := executor.New(cfg.Executor, st, controller, logger.New("executor"), sink, bus)
	job := planning.New(cfg.Planning, pl, st, loc, logger.New("planning_job"))

	return &Service{
		cfg:        cfg,
		store:      st,
		planner:    pl,
		executor:   exec,
		job:        job,
		prices:     prices,
		bus:        bus,
		log:        log,
		disconnect: disconnect,
	}, nil
}

// Planner exposes the planner for one-shot commands.
func (s *Service) Planner() *planner.Planner { return s.planner }

// Run starts the executor, the planning job and the HTTP servers, then blocks
// until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	loc, err := s.cfg.Location()
	if err != nil {
		return err
	}

	if err := s.job.Start(ctx); err != nil {
		return err
	}
	defer s.job.Stop()

	go func() {
		if err := s.executor.Run(ctx); err != nil && ctx.Err() == nil {
			s.log.Errorf("executor: %v", err)
		}
	}()

	if s.cfg.Metrics.PrometheusEnabled {
		go func() {
			if err := metrics.StartPromServer(ctx, s.cfg.Metrics.PrometheusPort); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}

	if s.cfg.API.Enabled {
		handler := schedule.NewHandler(s.store, s.planner, s.prices, loc, s.cfg.API.Token, logger.New("api"))
		srv := &http.Server{Addr: s.cfg.API.Address, Handler: handler}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				s.log.Errorf("api server shutdown: %v", err)
			}
		}()
		go func() {
			s.log.Infof("api listening on %s", s.cfg.API.Address)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Errorf("api server: %v", err)
			}
		}()
	}

	<-ctx.Done()
	return nil
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	s.bus.Close()
	s.disconnect()
	return s.store.Close()
}
