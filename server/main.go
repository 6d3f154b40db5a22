package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetmon/fleetmon/pkg/config"
	"github.com/fleetmon/fleetmon/pkg/detect"
	"github.com/fleetmon/fleetmon/pkg/telemetry"
)

var (
	configPath = flag.String("config", "fleetmon.yaml", "Server config path")
	Version    = "dev"
)

// Server bundles the store services behind the HTTP surface.
type Server struct {
	db          *gorm.DB
	cfg         *config.ServerConfig
	log         zerolog.Logger
	registry    *Registry
	invitations *Invitations
	ownership   *Ownership
	scheduler   *Scheduler
	ingestor    *Ingestor
	threats     *Threats
	rateLimiter *RateLimiter
}

func main() {
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("loading config")
	}
	if err := cfg.Validate(); err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("invalid config")
	}

	logger := newLogger(cfg.Logging)
	logger.Info().Str("version", Version).Msg("fleetmon server starting")

	ctx := context.Background()
	provider, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName:    "fleetmon-server",
		ServiceVersion: Version,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		LogSpans:       cfg.Tracing.LogSpans,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup failed")
	}
	defer provider.Shutdown(ctx)

	db, err := openDB(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("opening database")
	}

	rules, err := detect.LoadRules(cfg.RulesFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("loading detection rules")
	}
	logger.Info().Int("rules", len(rules.Rules)).Msg("detection rules loaded")

	srv := newServer(db, cfg, rules, logger)
	go srv.runBackground(ctx)

	r := gin.New()
	r.Use(gin.Recovery(), withRequestContext(logger))
	srv.registerRoutes(r)

	logger.Info().Str("listen", cfg.Listen).Msg("listening")
	if err := r.Run(cfg.Listen); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func newServer(db *gorm.DB, cfg *config.ServerConfig, rules *detect.RuleSet, logger zerolog.Logger) *Server {
	hasher := NewTokenHasher([]byte(cfg.TokenSalt))
	threats := NewThreats(db, rules, logger)
	retry := newRetrier(cfg.Retry.InitialMs, cfg.Retry.MaxMs, cfg.Retry.MaxAttempts, logger)

	return &Server{
		db:          db,
		cfg:         cfg,
		log:         logger,
		registry:    NewRegistry(db, logger),
		invitations: NewInvitations(db, hasher, logger),
		ownership:   NewOwnership(db, logger),
		scheduler:   NewScheduler(db),
		ingestor:    NewIngestor(db, threats, retry, time.Duration(cfg.Ingest.ClockSkewS)*time.Second, logger),
		threats:     threats,
		rateLimiter: NewRateLimiter(),
	}
}

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/v1/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "healthy", "version": Version})
	})
	s.registerInvitationRoutes(r)
	s.registerScanRoutes(r)
	s.registerThreatRoutes(r)
	s.registerPolicyRoutes(r)
	s.registerMachineRoutes(r)
}

// runBackground drives the detection backlog drain and, when configured,
// the invitation expiry sweep.
func (s *Server) runBackground(ctx context.Context) {
	backlogTick := time.NewTicker(time.Duration(s.cfg.Ingest.BacklogSweepS) * time.Second)
	defer backlogTick.Stop()

	var sweepCh <-chan time.Time
	if s.cfg.Invites.SweepIntervalS > 0 {
		sweepTick := time.NewTicker(time.Duration(s.cfg.Invites.SweepIntervalS) * time.Second)
		defer sweepTick.Stop()
		sweepCh = sweepTick.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-backlogTick.C:
			s.ingestor.DrainBacklog(ctx, s.cfg.Retry.MaxAttempts)
		case <-sweepCh:
			if _, err := s.invitations.Sweep(ctx, time.Now().UTC()); err != nil {
				s.log.Error().Err(err).Msg("invitation sweep failed")
			}
		}
	}
}

func openDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		// Surfaces unique-index violations as gorm.ErrDuplicatedKey; the
		// idempotency and dedup paths depend on it.
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, err
	}
	return db, nil
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.JSON {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
