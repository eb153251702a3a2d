package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zedaapi/gateway/internal/api"
	"github.com/zedaapi/gateway/internal/balancer"
	"github.com/zedaapi/gateway/internal/circuitbreaker"
	"github.com/zedaapi/gateway/internal/config"
	"github.com/zedaapi/gateway/internal/database"
	"github.com/zedaapi/gateway/internal/events"
	"github.com/zedaapi/gateway/internal/groups"
	"github.com/zedaapi/gateway/internal/handlers"
	"github.com/zedaapi/gateway/internal/infra"
	"github.com/zedaapi/gateway/internal/instances"
	"github.com/zedaapi/gateway/internal/messaging"
	"github.com/zedaapi/gateway/internal/monitoring"
	"github.com/zedaapi/gateway/internal/rotation"
	"github.com/zedaapi/gateway/internal/webhooks"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log.Println("🔥 Starting messaging gateway...")

	// Rotation cache: Redis when reachable, in-memory fallback otherwise.
	var cache rotation.Cache
	if cfg.Redis.Addr != "" {
		adapter, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Printf("⚠️ redis unavailable, rotation state is process-local: %v", err)
		} else {
			cache = adapter
			defer adapter.Close()
		}
	}
	store := rotation.NewStore(cache, time.Duration(cfg.Balancer.RotationTTLHours)*time.Hour)

	// Repositories: Postgres when configured, in-memory otherwise.
	var (
		groupRepo   groups.Repository
		webhookRepo webhooks.Repository
	)
	if cfg.Database.DSN != "" {
		db, err := database.Open(cfg.Database.DSN)
		if err != nil {
			log.Fatalf("database: %v", err)
		}
		defer db.Close()
		groupRepo = database.NewGroupStore(db)
		webhookRepo = database.NewWebhookStore(db)
	} else {
		log.Println("⚠️ no DATABASE_DSN, using in-memory repositories")
		groupRepo = groups.NewMemoryRepository()
		webhookRepo = webhooks.NewMemoryRepository()
	}

	metrics := monitoring.NewMetrics()
	registry := instances.NewRegistry()
	breakers := circuitbreaker.NewSet()
	dispatcher := webhooks.NewDispatcher(webhookRepo, breakers, metrics)
	picker := balancer.New(groupRepo, registry, store, metrics)
	sender := messaging.NewHTTPSender(cfg.Messaging.BaseURL, cfg.Messaging.APIKey)

	// Event plumbing: every bus event reaches the webhook dispatcher, the
	// websocket stream, and the instance registry.
	bus := events.NewBus()
	stream := events.NewStream()
	bus.Subscribe(func(ctx context.Context, kind events.Kind, instance string, data interface{}) {
		dispatcher.Dispatch(ctx, kind, instance, data)
	})
	bus.Subscribe(stream.HandleEvent)
	bus.Subscribe(handlers.TrackConnectionState(registry))

	server := &api.Server{
		Groups:      groupRepo,
		Webhooks:    webhookRepo,
		Registry:    registry,
		Balancer:    picker,
		Dispatcher:  dispatcher,
		Breakers:    breakers,
		Sender:      sender,
		Bus:         bus,
		Stream:      stream,
		APIKey:      cfg.Server.APIKey,
		Development: cfg.Server.Development(),
	}

	go func() {
		if err := server.Start(":" + cfg.Server.Port); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	}()

	bus.Emit(events.ApplicationStartup, "", map[string]interface{}{
		"env":  cfg.Server.Env,
		"port": cfg.Server.Port,
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️ shutdown: %v", err)
	}
	stream.Close()
}
