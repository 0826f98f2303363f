package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"hemis-telemetry/common/database"
	mqttcommon "hemis-telemetry/common/mqtt"
	rediscommon "hemis-telemetry/common/redis"
	"hemis-telemetry/internal/cache"
	"hemis-telemetry/internal/config"
	"hemis-telemetry/internal/consumer"
	"hemis-telemetry/internal/evaluator"
	httpapi "hemis-telemetry/internal/http"
	"hemis-telemetry/internal/hub"
	"hemis-telemetry/internal/incident"
	"hemis-telemetry/internal/ingress"
	"hemis-telemetry/internal/metrics"
	"hemis-telemetry/internal/models"
	"hemis-telemetry/internal/pipeline"
	"hemis-telemetry/internal/registry"
	"hemis-telemetry/internal/repository"
	"hemis-telemetry/internal/simulator"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// finished simulations are forgotten after this long
const simulationRetention = time.Hour

// TelemetryService wires ingress, evaluation, incidents and broadcast.
type TelemetryService struct {
	config *config.Config
	logger *zap.Logger

	// connections, nil when the collaborator is disabled
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client

	store         repository.Store
	registry      *registry.Registry
	evaluator     *evaluator.Evaluator
	incidents     *incident.Manager
	hub           *hub.Hub
	ingress       *ingress.Ingress
	simulator     *simulator.Manager
	metrics       *metrics.Metrics
	promRegistry  *prometheus.Registry
	snapshotCache *cache.SnapshotCache
	deviceSeen    *cache.DeviceSeenPublisher
	consumer      *consumer.MQTTConsumer

	evaluations *pipeline.Dispatcher[models.Reading]
	cacheWrites *pipeline.Dispatcher[models.Reading]
	incidentOut *pipeline.Dispatcher[models.Incident]

	cron       *cron.Cron
	router     *httpapi.Router
	httpServer *http.Server
}

// NewTelemetryService opens the configured connections and builds the service.
func NewTelemetryService(cfg *config.Config, logger *zap.Logger) (*TelemetryService, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var (
		store repository.Store
		db    *sql.DB
		err   error
	)

	// 1. store
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("Using in-memory store, data is lost on restart")
		store = repository.NewMemoryStore()
	case "postgres", "":
		db, err = database.NewPostgresDB(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		store = repository.NewPostgresStore(db, logger)
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	// 2. redis
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = rediscommon.NewRedisClient(&cfg.Redis)
		if err := rediscommon.Ping(ctx, redisClient); err != nil {
			_ = database.Close(db)
			_ = rediscommon.Close(redisClient)
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
	}

	// 3. mqtt
	var mqttClient *mqttcommon.Client
	if cfg.MQTTEnabled {
		mqttClient, err = mqttcommon.NewClient(&cfg.MQTT, logger)
		if err != nil {
			_ = database.Close(db)
			_ = rediscommon.Close(redisClient)
			return nil, fmt.Errorf("failed to connect to mqtt: %w", err)
		}
	}

	var mqttSub consumer.Subscriber
	if mqttClient != nil {
		mqttSub = mqttClient
	}

	s := newTelemetryService(cfg, logger, store, redisClient, mqttSub)
	s.db = db
	s.mqttClient = mqttClient
	return s, nil
}

// newTelemetryService builds every component over already-open connections.
// mqttSub may be nil.
func newTelemetryService(cfg *config.Config, logger *zap.Logger, store repository.Store, redisClient *redis.Client, mqttSub consumer.Subscriber) *TelemetryService {
	s := &TelemetryService{
		config:       cfg,
		logger:       logger,
		redisClient:  redisClient,
		store:        store,
		promRegistry: prometheus.NewRegistry(),
	}

	s.metrics = metrics.New(s.promRegistry, func() int { return s.hub.SubscriberCount() })
	s.hub = hub.NewHub(cfg.Telemetry.Hub.BufferSize, logger, hub.WithDropHook(s.metrics.EventDropped))

	s.registry = registry.NewRegistry(store, logger)
	s.evaluator = evaluator.NewEvaluator(s.registry, store, cfg.Telemetry.TrendLookupTimeout, logger,
		evaluator.WithSkipHook(s.metrics.RuleSkipped),
	)

	workers, queue := cfg.Telemetry.Pipeline.Workers, cfg.Telemetry.Pipeline.QueueSize
	dropReading := pipeline.WithDropHook(func(name string, _ models.Reading) { s.metrics.JobDropped(name) })
	byDevice := func(r models.Reading) string { return r.DeviceID }

	s.evaluations = pipeline.NewDispatcher("evaluate", workers, queue, byDevice, s.evaluate, logger, dropReading)

	sinks := []ingress.Sink{
		ingress.SinkFunc(func(r models.Reading) { s.evaluations.Submit(r) }),
		ingress.SinkFunc(s.hub.PublishReading),
	}

	if redisClient != nil {
		s.snapshotCache = cache.NewSnapshotCache(cfg, redisClient, logger)
		s.deviceSeen = cache.NewDeviceSeenPublisher(cfg, redisClient, logger)
		s.cacheWrites = pipeline.NewDispatcher("cache", workers, queue, byDevice, s.writeCache, logger, dropReading)
		s.incidentOut = pipeline.NewDispatcher("incident-cache", workers, queue,
			func(inc models.Incident) string { return inc.ID }, s.syncIncident, logger,
			pipeline.WithDropHook(func(name string, _ models.Incident) { s.metrics.JobDropped(name) }),
		)
		sinks = append(sinks, ingress.SinkFunc(func(r models.Reading) { s.cacheWrites.Submit(r) }))
	} else {
		logger.Warn("Redis not configured, device_seen events and the snapshot cache are disabled")
	}

	s.incidents = incident.NewManager(store, incident.PublisherFunc(s.publishIncident), logger)
	s.ingress = ingress.NewIngress(store, s.registry, sinks, logger,
		ingress.WithObserver(s.metrics),
		ingress.WithMaxClockSkew(cfg.Telemetry.MaxClockSkew),
	)
	s.simulator = simulator.NewManager(s.ingress, logger)

	if mqttSub != nil {
		s.consumer = consumer.NewMQTTConsumer(cfg, mqttSub, s.ingress, logger)
	}

	s.router = s.buildRouter()
	return s
}

func (s *TelemetryService) buildRouter() *httpapi.Router {
	router := httpapi.NewRouter(s.logger, s.metrics.Middleware)
	snapshots := newSnapshotSource(s.store, s.snapshotCache, s.incidents, s.config.Telemetry.StaleAfter, s.logger)
	router.RegisterTelemetryRoutes(httpapi.NewTelemetryHandler(s.ingress, snapshots, s.logger))
	router.RegisterIncidentRoutes(httpapi.NewIncidentHandler(s.incidents, s.historyWindow(), s.logger))
	router.RegisterRealtimeRoutes(hub.NewWebsocketHandler(s.hub, s.logger))

	checks := []httpapi.HealthCheck{{
		Name: "store",
		Check: func(ctx context.Context) error {
			_, err := s.store.ListMetrics(ctx)
			return err
		},
	}}
	if s.redisClient != nil {
		checks = append(checks, httpapi.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rediscommon.Ping(ctx, s.redisClient) },
		})
	}
	router.RegisterOpsRoutes(httpapi.HealthHandler(checks...), promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}))
	return router
}

func (s *TelemetryService) historyWindow() time.Duration {
	if w := s.config.Telemetry.IncidentHistory; w > 0 {
		return w
	}
	return 24 * time.Hour
}

// Handler exposes the HTTP API.
func (s *TelemetryService) Handler() http.Handler { return s.router }

// bootstrap loads reference data, rules and open incidents.
func (s *TelemetryService) bootstrap(ctx context.Context) error {
	if err := s.registry.EnsureMetrics(ctx, models.DefaultMetrics()); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	if err := s.registry.Load(ctx); err != nil {
		return fmt.Errorf("failed to load rule registry: %w", err)
	}

	if path := s.config.Telemetry.Rules.File; path != "" {
		seed, err := registry.LoadSeed(path)
		if err != nil {
			return err
		}
		if err := s.applySeed(ctx, seed); err != nil {
			return err
		}
	}

	if err := s.incidents.Load(ctx); err != nil {
		return fmt.Errorf("failed to load open incidents: %w", err)
	}
	s.reconcileIncidentCache(ctx)
	return nil
}

// reconcileIncidentCache rewrites the Redis incident hash from the manager's
// open set, repairing any sync the incident-cache workers dropped.
func (s *TelemetryService) reconcileIncidentCache(ctx context.Context) {
	if s.snapshotCache == nil {
		return
	}
	if err := s.snapshotCache.ReplaceIncidents(ctx, s.incidents.Open()); err != nil {
		s.logger.Warn("Failed to rebuild incident cache", zap.Error(err))
	}
}

func (s *TelemetryService) applySeed(ctx context.Context, seed *registry.Seed) error {
	for _, sd := range seed.Devices {
		d := sd.Device()
		if err := s.store.UpsertDevice(ctx, &d); err != nil {
			return fmt.Errorf("seed device %s: %w", d.ID, err)
		}
	}
	if err := s.registry.ApplySeed(ctx, seed); err != nil {
		return err
	}
	s.logger.Info("Applied rule seed",
		zap.String("file", s.config.Telemetry.Rules.File),
		zap.Int("devices", len(seed.Devices)),
		zap.Int("rules", len(seed.Rules)),
	)
	return nil
}

// startBackground launches workers, scheduled jobs, simulations and the
// MQTT consumer. It returns once everything is running.
func (s *TelemetryService) startBackground(ctx context.Context) error {
	s.evaluations.Start(ctx)
	if s.cacheWrites != nil {
		s.cacheWrites.Start(ctx)
		s.incidentOut.Start(ctx)
	}

	s.cron = cron.New()
	if spec := s.config.Telemetry.Rules.ReloadInterval; spec != "" {
		if _, err := s.cron.AddFunc(spec, func() { s.reloadRules(ctx) }); err != nil {
			return fmt.Errorf("invalid RULES_RELOAD_INTERVAL %q: %w", spec, err)
		}
	}
	if _, err := s.cron.AddFunc("@every 10m", func() { s.simulator.CleanupCompleted(simulationRetention) }); err != nil {
		return fmt.Errorf("failed to schedule simulation cleanup: %w", err)
	}
	if s.snapshotCache != nil {
		if _, err := s.cron.AddFunc("@every 1m", func() { s.reconcileIncidentCache(ctx) }); err != nil {
			return fmt.Errorf("failed to schedule incident cache reconcile: %w", err)
		}
	}
	s.cron.Start()

	for _, sd := range s.config.SimulatedDevices() {
		id := "auto-" + sd.DeviceID
		if _, err := s.simulator.Start(ctx, id, sd.DeviceID, sd.Profile, s.config.Simulator.Duration, s.config.Simulator.Interval); err != nil {
			s.logger.Error("Failed to start simulation",
				zap.String("device_id", sd.DeviceID),
				zap.String("profile", sd.Profile),
				zap.Error(err),
			)
		}
	}

	if s.consumer != nil {
		go func() {
			if err := s.consumer.Start(ctx); err != nil {
				s.logger.Error("MQTT consumer failed", zap.Error(err))
			}
		}()
	}
	return nil
}

// Start bootstraps the service and serves HTTP until ctx is cancelled.
func (s *TelemetryService) Start(ctx context.Context) error {
	s.logger.Info("Starting telemetry service",
		zap.String("store", s.config.StoreDriver),
		zap.Bool("redis", s.redisClient != nil),
		zap.Bool("mqtt", s.consumer != nil),
		zap.String("http_addr", s.config.HTTP.Addr),
	)

	if err := s.bootstrap(ctx); err != nil {
		return err
	}
	if err := s.startBackground(ctx); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.config.HTTP.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Failed to shut down http server", zap.Error(err))
	}
	return nil
}

// Stop releases workers and connections.
func (s *TelemetryService) Stop() error {
	s.logger.Info("Stopping telemetry service")

	s.simulator.StopAll()
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if s.consumer != nil {
		_ = s.consumer.Stop()
	}
	s.evaluations.Stop()
	if s.cacheWrites != nil {
		s.cacheWrites.Stop()
		s.incidentOut.Stop()
	}

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if err := rediscommon.Close(s.redisClient); err != nil {
		s.logger.Error("Failed to close redis", zap.Error(err))
	}
	if err := database.Close(s.db); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}
	return nil
}

// evaluate runs on the reading's device shard.
func (s *TelemetryService) evaluate(ctx context.Context, r models.Reading) {
	outcomes := s.evaluator.Evaluate(ctx, r)
	if len(outcomes) == 0 {
		return
	}
	if err := s.incidents.Apply(ctx, outcomes); err != nil {
		s.logger.Error("Failed to apply rule outcomes",
			zap.String("device_id", r.DeviceID),
			zap.String("metric", r.MetricID),
			zap.Error(err),
		)
	}
}

func (s *TelemetryService) writeCache(ctx context.Context, r models.Reading) {
	if _, err := s.snapshotCache.StoreReading(ctx, r); err != nil {
		s.logger.Warn("Failed to cache reading", zap.String("device_id", r.DeviceID), zap.Error(err))
	}
	if _, err := s.deviceSeen.Publish(ctx, r); err != nil {
		s.logger.Warn("Failed to publish device_seen", zap.String("device_id", r.DeviceID), zap.Error(err))
	}
}

func (s *TelemetryService) syncIncident(ctx context.Context, inc models.Incident) {
	if err := s.snapshotCache.SyncIncident(ctx, inc); err != nil {
		s.logger.Warn("Failed to cache incident", zap.String("incident_id", inc.ID), zap.Error(err))
	}
}

// publishIncident fans a transition out; it runs under the incident's key
// lock, so nothing here blocks on I/O.
func (s *TelemetryService) publishIncident(inc models.Incident) {
	s.metrics.IncidentTransition(inc)
	s.hub.PublishIncident(inc)
	if s.incidentOut != nil {
		s.incidentOut.Submit(inc)
	}
}

func (s *TelemetryService) reloadRules(ctx context.Context) {
	if err := s.registry.Load(ctx); err != nil {
		s.logger.Warn("Rule reload failed, keeping previous rules", zap.Error(err))
	}
}
