package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-chat-relay/internal/config"
	"github.com/weiawesome/wes-chat-relay/internal/directory"
	relaygrpc "github.com/weiawesome/wes-chat-relay/internal/grpc"
	"github.com/weiawesome/wes-chat-relay/internal/handler"
	"github.com/weiawesome/wes-chat-relay/internal/hub"
	"github.com/weiawesome/wes-chat-relay/internal/kafka"
	"github.com/weiawesome/wes-chat-relay/internal/lifecycle"
	"github.com/weiawesome/wes-chat-relay/internal/messagelog"
	"github.com/weiawesome/wes-chat-relay/internal/presence"
	"github.com/weiawesome/wes-chat-relay/internal/router"
	"github.com/weiawesome/wes-chat-relay/internal/upload"
	"github.com/weiawesome/wes-chat-relay/pkg/database"
	pkglog "github.com/weiawesome/wes-chat-relay/pkg/log"
	"github.com/weiawesome/wes-chat-relay/pkg/storage"
)

const serviceName = "chat-relay"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	instanceID := instanceID()

	// Initialize structured logger
	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: serviceName,
		InstanceID:  instanceID,
	})
	logger := pkglog.L()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared Redis client for the presence mirror and the history cache
	var redisClient *redis.Client
	if cfg.Redis.Enabled || cfg.Cache.Enabled {
		redisClient, err = presence.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		logger.Info().Str("address", cfg.Redis.Address).Msg("redis connected")
	}

	// Message log chain: backend -> publishing -> cache
	ids, err := messagelog.NewSnowflakeGenerator(cfg.ID.MachineID, cfg.ID.Epoch)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create id generator")
	}

	msgLog, closeLog := buildMessageLog(ctx, cfg, ids, logger)
	defer closeLog()

	var producer kafka.MessageProducer
	if cfg.Kafka.Enabled {
		producer, err = kafka.NewConfluentProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Partitions)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize kafka producer")
		}
		msgLog = messagelog.NewPublishingLog(msgLog, producer)
		logger.Info().Str("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka producer ready")
	}

	if cfg.Cache.Enabled {
		msgLog = messagelog.NewCachedLog(msgLog, redisClient, cfg.Cache.Prefix, cfg.Cache.TTL)
		logger.Info().Dur("ttl", cfg.Cache.TTL).Msg("history cache enabled")
	}

	// Presence and routing
	dir := directory.New(cfg.Relay.Shards)

	var presenceOpts []presence.Option
	var mirror *presence.RedisMirror
	var registry *presence.Registry
	if cfg.Redis.Enabled {
		mirror = presence.NewRedisMirror(redisClient, presence.MirrorConfig{
			Prefix:            cfg.Redis.PresencePrefix,
			InstanceID:        instanceID,
			HeartbeatInterval: cfg.Redis.HeartbeatInterval,
			KeyTTL:            cfg.Redis.KeyTTL,
			QueueSize:         cfg.Redis.QueueSize,
		}, func() []string { return registry.Snapshot() })
		presenceOpts = append(presenceOpts, presence.WithObserver(mirror))
	}
	registry = presence.NewRegistry(cfg.Relay.Shards, dir, presenceOpts...)
	if mirror != nil {
		mirror.Start(ctx)
	}

	wsHub := hub.NewHub()
	relay := router.New(msgLog, dir, registry, wsHub)
	manager := lifecycle.NewManager(wsHub, dir, registry, relay)

	// File attachments
	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize storage")
	}
	uploads := upload.NewService(store, cfg.Upload.MaxSize, cfg.Upload.URLTTL)

	// gRPC health
	var grpcServer *relaygrpc.Server
	if cfg.GRPC.Enabled {
		grpcServer, err = relaygrpc.StartGRPCServer(fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port), logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to start grpc server")
		}
	}

	// HTTP: WebSocket on the mux, REST through gin
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	handler.NewHTTPHandler(relay, uploads).RegisterRoutes(engine)

	mux := http.NewServeMux()
	handler.NewWSHandler(manager, relay, cfg.WebSocket).RegisterRoutes(mux)
	mux.Handle("/", engine)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           pkglog.HTTPMiddleware(logger)(mux),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().Str("address", server.Addr).Msg("chat relay listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down chat relay")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if grpcServer != nil {
		grpcServer.SetServing(false)
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	// Hijacked WebSocket connections are not covered by Shutdown.
	manager.CloseAll(shutdownCtx)

	if mirror != nil {
		if err := mirror.Close(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("failed to close presence mirror")
		}
	} else if redisClient != nil {
		redisClient.Close()
	}
	if producer != nil {
		producer.Close()
	}
	if grpcServer != nil {
		grpcServer.Stop()
	}

	logger.Info().Msg("chat relay stopped")
}

// buildMessageLog opens the configured storage backend.
func buildMessageLog(ctx context.Context, cfg *config.Config, ids messagelog.IDGenerator, logger zerolog.Logger) (messagelog.Log, func()) {
	switch cfg.MessageLog.Driver {
	case "cassandra":
		session, err := messagelog.NewCassandraSession(cfg.Cassandra)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to cassandra")
		}
		l, err := messagelog.NewCassandraLog(ctx, session, ids)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare cassandra message log")
		}
		logger.Info().Strs("hosts", cfg.Cassandra.Hosts).Str("keyspace", cfg.Cassandra.Keyspace).Msg("cassandra message log ready")
		return l, session.Close

	case "sql", "":
		if cfg.Database.Driver == "sqlite" {
			if err := os.MkdirAll(filepath.Dir(cfg.Database.FilePath), 0755); err != nil {
				logger.Fatal().Err(err).Msg("failed to create database directory")
			}
		}
		db, err := database.New(&cfg.Database)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		l, err := messagelog.NewGormLog(db, ids)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to auto-migrate")
		}
		logger.Info().Str("driver", cfg.Database.Driver).Msg("sql message log ready")
		return l, func() { database.Close(db) }

	default:
		logger.Fatal().Str("driver", cfg.MessageLog.Driver).Msg("unsupported message log driver")
		return nil, func() {}
	}
}

func instanceID() string {
	if id := os.Getenv("INSTANCE_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.New().String()
}
