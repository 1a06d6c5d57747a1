package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/gin-contrib/gzip"
	"github.com/gin-contrib/logger"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"go.elastic.co/apm/module/apmgin"

	kvController "github.com/lloydmeta/echo/internal/api/controllers/kv"
	spaceController "github.com/lloydmeta/echo/internal/api/controllers/space"
	"github.com/lloydmeta/echo/internal/config"
	"github.com/lloydmeta/echo/internal/domain/checkpoint"
	"github.com/lloydmeta/echo/internal/domain/diagnostics"
	"github.com/lloydmeta/echo/internal/domain/keys"
	"github.com/lloydmeta/echo/internal/domain/model"
	"github.com/lloydmeta/echo/internal/domain/model/kv"
	"github.com/lloydmeta/echo/internal/domain/pipeline"
	"github.com/lloydmeta/echo/internal/domain/space"
	aferoCheckpoint "github.com/lloydmeta/echo/internal/infra/afero/checkpoint"
	"github.com/lloydmeta/echo/internal/infra/afero/keyring"
	aferoStorage "github.com/lloydmeta/echo/internal/infra/afero/storage"
	"github.com/lloydmeta/echo/internal/infra/apm/tracing"
	cronCheckpoint "github.com/lloydmeta/echo/internal/infra/cron/checkpoint"
	esCheckpoint "github.com/lloydmeta/echo/internal/infra/elasticsearch/checkpoint"
	"github.com/lloydmeta/echo/internal/infra/elasticsearch/common"
	esDiagnostics "github.com/lloydmeta/echo/internal/infra/elasticsearch/diagnostics"
	"github.com/lloydmeta/echo/internal/infra/server/binding/validation"
	"github.com/lloydmeta/echo/internal/infra/server/routing"
	"github.com/lloydmeta/echo/internal/infra/server/routing/items"
	replicationRoutes "github.com/lloydmeta/echo/internal/infra/server/routing/replication"
	"github.com/lloydmeta/echo/internal/infra/server/routing/spaces"
	"github.com/lloydmeta/echo/internal/infra/websocket/replication"
	zerologDiagnostics "github.com/lloydmeta/echo/internal/infra/zerolog/diagnostics"
	"github.com/lloydmeta/echo/peer"
)

const defaultShutdownTimeout = 10 * time.Second

const setupTimeout = 30 * time.Second

// Components holds everything a running node is made of
type Components struct {
	config    *config.App
	identity  keys.KeyPair
	engine    *gin.Engine
	manager   *space.Manager
	hub       *replication.Hub
	dialLoop  *peer.DialLoop
	scheduler cronCheckpoint.Scheduler
	archive   *esDiagnostics.Archive

	// Inbound replication sessions live as long as this, not as long as their requests
	serverCtx    context.Context
	cancelServer context.CancelFunc
	httpServer   *http.Server
}

// NewComponents builds the node described by conf. Nothing is started yet.
func NewComponents(conf *config.App) (*Components, error) {
	fs, root := filesystem(conf.Storage)

	identity, created, err := keyring.LoadOrCreate(fs, filepath.Join(root, conf.Identity.KeyFile))
	if err != nil {
		return nil, err
	}
	if !created {
		log.Info().Str("identity", identity.Public.Hex()).Msg("Loaded identity")
	}

	var esClient *elasticsearch.Client
	if conf.NeedsElasticsearch() {
		esClient, err = common.NewClient(*conf.Elasticsearch)
		if err != nil {
			return nil, err
		}
		setupCtx, cancel := context.WithTimeout(context.Background(), setupTimeout)
		err = NewSetup(esClient, conf).RunIfNeeded(setupCtx)
		cancel()
		if err != nil {
			return nil, err
		}
	}

	reporters := []diagnostics.Reporter{zerologDiagnostics.NewReporter()}
	var archive *esDiagnostics.Archive
	if conf.Diagnostics.Archive != nil {
		archive = esDiagnostics.NewArchive(esClient, identity.Public, conf.Diagnostics.Archive.BatchSize, conf.Diagnostics.Archive.FlushInterval)
		reporters = append(reporters, archive)
	}

	var checkpoints checkpoint.Service
	switch conf.Checkpoint.Store {
	case config.ElasticsearchCheckpoints:
		checkpoints = esCheckpoint.NewService(esClient, identity.Public)
	default:
		checkpoints = aferoCheckpoint.NewService(fs, filepath.Join(root, "checkpoints"))
	}

	registry := model.NewRegistry()
	registry.Register(kv.Kind, kv.Factory)

	tracer := tracing.NewTracer()

	manager, err := space.NewManager(
		aferoStorage.NewStorage(fs, filepath.Join(root, "spaces")),
		identity,
		registry,
		diagnostics.Multi(reporters...),
		checkpoints,
		tracer,
		space.Options{
			Pipeline: pipeline.Options{
				StallTimeout: conf.Pipeline.StallTimeout,
				WaitTimeout:  conf.Pipeline.WaitTimeout,
				PoisonPolicy: pipeline.PoisonPolicy(conf.Pipeline.PoisonPolicy),
			},
			ProcessTimeout: conf.Pipeline.ProcessTimeout,
		},
	)
	if err != nil {
		return nil, err
	}

	hub := replication.NewHub(replication.Settings{
		HandshakeTimeout: conf.Replication.HandshakeTimeout,
		WriteTimeout:     conf.Replication.WriteTimeout,
	})

	dialLoop := peer.NewDialLoop(conf.Replication.Peers, hub, func() []replication.Replica {
		open := manager.Spaces()
		replicas := make([]replication.Replica, 0, len(open))
		for _, s := range open {
			replicas = append(replicas, s)
		}
		return replicas
	}, conf.Replication.DialInterval)

	var scheduler cronCheckpoint.Scheduler
	if conf.Checkpoint.Schedule != "" {
		scheduler = cronCheckpoint.NewScheduler(conf.Checkpoint.Schedule, cronCheckpoint.ManagerLister(manager), tracer)
	}

	serverCtx, cancelServer := context.WithCancel(context.Background())

	c := &Components{
		config:       conf,
		identity:     identity,
		manager:      manager,
		hub:          hub,
		dialLoop:     dialLoop,
		scheduler:    scheduler,
		archive:      archive,
		serverCtx:    serverCtx,
		cancelServer: cancelServer,
	}
	c.engine = c.buildEngine()
	c.httpServer = &http.Server{
		Addr:    conf.BindAddress,
		Handler: c.engine,
	}
	return c, nil
}

// filesystem picks where everything local lives: a directory on disk, or memory
func filesystem(conf config.Storage) (afero.Fs, string) {
	if conf.Directory != nil {
		return afero.NewOsFs(), *conf.Directory
	}
	log.Warn().Msg("No storage directory configured, keeping everything in memory")
	return afero.NewMemMapFs(), "/"
}

func (c *Components) buildEngine() *gin.Engine {
	validation.SetUpValidators()

	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	engine.Use(logger.SetLogger(logger.Config{
		Logger: &log.Logger,
		UTC:    true,
	}))
	engine.Use(gin.Recovery())
	engine.Use(apmgin.Middleware(engine))
	engine.NoRoute(routing.NoRoute)
	engine.NoMethod(routing.NoMethod)

	apiGroup := routing.NewTopLevelRoutesGroup(c.config.Auth, engine)
	apiGroup.Use(gzip.Gzip(gzip.DefaultCompression))

	spacesHandler := spaces.RoutesHandler{
		Controller: spaceController.New(c.manager, c.hub),
	}
	spacesHandler.RegisterRoutes(apiGroup)

	itemsHandler := items.RoutesHandler{
		Controller: kvController.New(c.manager),
	}
	itemsHandler.RegisterRoutes(apiGroup)

	// Websockets need the raw connection, so no compression here
	replicationGroup := routing.NewTopLevelRoutesGroup(c.config.Auth, engine)
	replicationHandler := replicationRoutes.RoutesHandler{
		Acceptor: c.hub,
		Replicas: func(key keys.PublicKey) (replication.Replica, bool) {
			if s, ok := c.manager.Get(key); ok {
				return s, true
			}
			return nil, false
		},
		Context: c.serverCtx,
	}
	replicationHandler.RegisterRoutes(replicationGroup)

	return engine
}

// start opens the known spaces and starts every background loop. It does not serve HTTP.
func (c *Components) start(ctx context.Context) error {
	if err := c.manager.OpenAll(ctx); err != nil {
		log.Warn().Err(err).Msg("Not every space could be opened")
	}
	if c.archive != nil {
		c.archive.Start()
	}
	if c.scheduler != nil {
		if err := c.scheduler.Start(); err != nil {
			return err
		}
	}
	c.dialLoop.Start()
	return nil
}

// shutdown stops everything start started, in reverse order. The first error is returned
// but every step is attempted.
func (c *Components) shutdown(ctx context.Context) error {
	var errs []error
	c.cancelServer()
	if err := c.dialLoop.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if c.scheduler != nil {
		c.scheduler.Stop()
	}
	if err := c.manager.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if c.archive != nil {
		c.archive.Stop()
	}
	return errors.Join(errs...)
}

// Run serves until SIGINT or SIGTERM, then shuts down within the configured timeout
func (c *Components) Run() {
	if err := c.start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to start")
	}

	go func() {
		log.Info().
			Str("address", c.config.BindAddress).
			Str("identity", c.identity.Public.Hex()).
			Msg("Serving")
		if err := c.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to serve")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	timeout := c.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by the http.Server; cancelling the server
	// context in shutdown ends them
	if err := c.httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to shut down the HTTP server cleanly")
	}
	if err := c.shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to shut down cleanly")
	} else {
		log.Info().Msg("Shut down")
	}
}
