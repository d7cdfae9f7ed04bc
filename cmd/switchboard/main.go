// Command switchboard runs the call session and switch orchestration
// service: session storage, AI/human operator switching with a durable audit
// log, and real-time event fan-out to dashboards.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	sessionredis "github.com/handoff-ai/switchboard/features/session/redis"
	clientsredis "github.com/handoff-ai/switchboard/features/session/redis/clients/redis"
	clientspulse "github.com/handoff-ai/switchboard/features/stream/pulse/clients/pulse"
	switchlogmongo "github.com/handoff-ai/switchboard/features/switchlog/mongo"
	clientsmongo "github.com/handoff-ai/switchboard/features/switchlog/mongo/clients/mongo"

	streampulse "github.com/handoff-ai/switchboard/features/stream/pulse"
	"github.com/handoff-ai/switchboard/runtime/call/coordinator"
	"github.com/handoff-ai/switchboard/runtime/call/events"
	"github.com/handoff-ai/switchboard/runtime/call/lifecycle"
	"github.com/handoff-ai/switchboard/runtime/call/switchlog"
	switchloginmem "github.com/handoff-ai/switchboard/runtime/call/switchlog/inmem"
	"github.com/handoff-ai/switchboard/runtime/call/telemetry"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	log.Print(ctx, log.KV{K: "msg", V: "starting switchboard"}, log.KV{K: "http-addr", V: cfg.HTTPAddr})

	if err := run(ctx, cfg); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, cfg *Config) error {
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	// Session store: Redis primary with transparent in-memory fallback.
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer func() { _ = rdb.Close() }()
	redisClient, err := clientsredis.New(clientsredis.Options{Redis: rdb})
	if err != nil {
		return fmt.Errorf("redis client: %w", err)
	}
	sessions, err := sessionredis.New(sessionredis.Options{
		Client:  redisClient,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}

	// Switch log: durable in Mongo when configured, in-memory otherwise.
	var (
		swlog   switchlog.Log
		pingers = []health.Pinger{redisClient}
	)
	if cfg.MongoURI != "" {
		mongoClient, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return fmt.Errorf("mongo connect: %w", err)
		}
		defer func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mongoClient.Disconnect(disconnectCtx)
		}()
		logClient, err := clientsmongo.New(clientsmongo.Options{
			Client:   mongoClient,
			Database: cfg.MongoDatabase,
		})
		if err != nil {
			return fmt.Errorf("switchlog client: %w", err)
		}
		swlog, err = switchlogmongo.NewStore(logClient)
		if err != nil {
			return fmt.Errorf("switchlog store: %w", err)
		}
		pingers = append(pingers, logClient)
	} else {
		log.Print(ctx, log.KV{K: "msg", V: "no MONGO_URI, switch log is in-memory"})
		swlog = switchloginmem.New()
	}

	bus, err := events.NewBus(events.BusOptions{Logger: logger, Metrics: metrics})
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}

	coord, err := coordinator.New(coordinator.Options{
		Sessions: sessions,
		Log:      swlog,
		Bus:      bus,
		Cooldown: cfg.SwitchCooldown,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}

	manager, err := lifecycle.New(lifecycle.Options{
		Sessions: sessions,
		Bus:      bus,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return fmt.Errorf("lifecycle manager: %w", err)
	}

	// Cross-instance propagation: bus events for each call are mirrored onto
	// a call/<id> Redis stream that other instances consume.
	var pulseSink *streampulse.Sink
	if cfg.PulseEnabled {
		pulseClient, err := clientspulse.New(clientspulse.Options{
			Redis:        rdb,
			StreamMaxLen: cfg.StreamMaxLen,
		})
		if err != nil {
			return fmt.Errorf("pulse client: %w", err)
		}
		pulseSink, err = streampulse.NewSink(streampulse.Options{Client: pulseClient})
		if err != nil {
			return fmt.Errorf("pulse sink: %w", err)
		}
	}

	svc := &api{
		lifecycle: manager,
		coord:     coord,
		bus:       bus,
		pulseSink: pulseSink,
	}
	mux := http.NewServeMux()
	svc.routes(mux)
	mux.Handle("GET /healthz", health.Handler(health.NewChecker(pingers...)))

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: log.HTTP(ctx)(mux),
	}

	// Channel used by both the signal handler and the server goroutine to
	// notify the main goroutine when to stop.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		log.Print(ctx, log.KV{K: "msg", V: "listening"}, log.KV{K: "addr", V: cfg.HTTPAddr})
		errc <- server.ListenAndServe()
	}()

	err = <-errc
	log.Print(ctx, log.KV{K: "msg", V: "shutting down"}, log.KV{K: "reason", V: err.Error()})

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
