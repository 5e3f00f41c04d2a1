package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"semaphore/qrsession/internal/config"
	"semaphore/qrsession/internal/db"
	"semaphore/qrsession/internal/events"
	qrgrpc "semaphore/qrsession/internal/grpc"
	internalhttp "semaphore/qrsession/internal/http"
	"semaphore/qrsession/internal/jobs"
	"semaphore/qrsession/internal/locations"
	"semaphore/qrsession/internal/logging"
	"semaphore/qrsession/internal/memory"
	"semaphore/qrsession/internal/metrics"
	"semaphore/qrsession/internal/payload"
	"semaphore/qrsession/internal/session"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Warnf("no .env file loaded: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config load failed: %v", err)
	}
	log := logging.New(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connection failed: %v", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatalf("db migration failed: %v", err)
	}
	store := db.NewStore(pool)

	codec, err := payload.NewCodec(cfg.QREncryptionKey)
	if err != nil {
		log.Fatalf("payload codec init failed: %v", err)
	}

	var history session.LocationHistory = memory.NewHistory()
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("redis ping failed: %v", err)
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Warnf("redis close error: %v", err)
			}
		}()
		history = locations.NewRedisHistory(redisClient, cfg.LocationHistoryTTL)
	} else {
		log.Warn("REDIS_ADDR not set, location history is kept in memory")
	}

	var records session.RecordSink
	if cfg.AMQPURL != "" {
		publisher, err := events.NewAMQPPublisher(cfg.AMQPURL)
		if err != nil {
			log.Fatalf("amqp connection failed: %v", err)
		}
		defer publisher.Close()
		records = events.NewRecordPublisher(publisher, cfg.RecordsExchange)
	} else {
		log.Warn("AMQP_URL not set, attendance records are not published")
	}

	opts, err := cfg.SessionOptions()
	if err != nil {
		log.Fatalf("session options: %v", err)
	}
	deps := session.Deps{
		Store:   db.NewSessionStore(store),
		Roster:  db.NewRoster(store),
		Codec:   codec,
		History: history,
		Records: records,
		Metrics: metrics.New(prometheus.DefaultRegisterer),
		Log:     log,
	}
	manager := session.NewManager(deps, opts)
	scanner := session.NewScanner(deps, opts)

	server, err := internalhttp.NewServer(cfg, manager, scanner, log)
	if err != nil {
		log.Fatalf("server init failed: %v", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer, health, err := qrgrpc.NewServer(cfg.ServiceAuthToken)
	if err != nil {
		log.Fatalf("grpc service auth init failed: %v", err)
	}
	jobs.StartExpirySweepJob(ctx, cfg, manager, log)

	go func() {
		log.Infof("qrsession http listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	go func() {
		listener, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen error: %v", err)
		}
		log.Infof("qrsession grpc listening on %s", cfg.GRPCAddr)
		if err := grpcServer.Serve(listener); err != nil {
			log.Fatalf("grpc server error: %v", err)
		}
	}()

	<-ctx.Done()
	health.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown error: %v", err)
	}
	grpcServer.GracefulStop()
}
