package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"collabroom/internal/mirror"
	"collabroom/internal/room"
	"collabroom/internal/server"
	"collabroom/internal/steps"
	"collabroom/internal/store"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvMillis(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func newLogger(level string) *zap.SugaredLogger {
	var logger *zap.Logger
	var err error
	if level == "PRODUCTION" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	return logger.Sugar()
}

func main() {
	log := newLogger(getenv("LOGGING_LEVEL", "DEVELOPMENT"))
	defer func() { _ = log.Sync() }()

	addr := getenv("COLLABROOM_ADDR", ":8081")
	cfg := room.Config{
		HeartbeatPeriod: getenvMillis("HEARTBEAT_MS", 5*time.Second),
		PresenceTTL:     getenvMillis("PRESENCE_TTL_MS", 15*time.Second),
	}

	ctx := context.Background()

	var st store.Store
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			log.Fatalf("unable to connect to database: %v", err)
		}
		defer pool.Close()
		st, err = store.NewPostgres(ctx, pool)
		if err != nil {
			log.Fatalf("unable to initialize store: %v", err)
		}
		log.Info("connected to PostgreSQL")
	}

	var sink room.EventSink
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		if _, err := rdb.Ping(ctx).Result(); err != nil {
			log.Fatalf("could not connect to Redis: %v", err)
		}
		defer rdb.Close()
		sink = mirror.New(rdb, log)
		log.Info("connected to Redis")
	}

	registry := room.NewRegistry(cfg, steps.NewSchema("doc"), log, st, sink)
	defer registry.Close()
	go registry.Run()

	opts := server.Options{}
	if token := os.Getenv("COLLABROOM_TOKEN"); token != "" {
		opts.Authorize = func(got string) error {
			if got != token {
				return errors.New("bad token")
			}
			return nil
		}
	}
	h := server.New(registry, log, opts)

	r := mux.NewRouter()
	r.HandleFunc("/ws", h.ServeWS)
	r.HandleFunc("/rooms", h.ServeRooms).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.ServeHealth).Methods(http.MethodGet)

	if os.Getenv("MDNS_ANNOUNCE") == "1" {
		port := 8081
		if _, p, err := parseHostPort(addr); err == nil {
			port = p
		}
		mdns, err := server.Announce(port)
		if err != nil {
			log.Warnf("mDNS announce failed: %v", err)
		} else {
			defer mdns.Shutdown()
			log.Infof("mDNS service registered on port %d", port)
		}
	}

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		log.Infof("collabroom server starting on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("shutdown: %v", err)
	}
}

func parseHostPort(addr string) (string, int, error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			port, err := strconv.Atoi(addr[i+1:])
			if err != nil {
				return "", 0, err
			}
			return addr[:i], port, nil
		}
	}
	return "", 0, errors.New("no port in address")
}
