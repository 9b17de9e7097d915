package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/itsacoffee/aura-video-studio/internal/api"
	"github.com/itsacoffee/aura-video-studio/internal/artifacts"
	"github.com/itsacoffee/aura-video-studio/internal/checkpoint"
	"github.com/itsacoffee/aura-video-studio/internal/config"
	"github.com/itsacoffee/aura-video-studio/internal/gateway"
	"github.com/itsacoffee/aura-video-studio/internal/lock"
	"github.com/itsacoffee/aura-video-studio/internal/models"
	"github.com/itsacoffee/aura-video-studio/internal/patience"
	"github.com/itsacoffee/aura-video-studio/internal/pipeline"
	"github.com/itsacoffee/aura-video-studio/internal/progress"
	"github.com/itsacoffee/aura-video-studio/internal/provider"
	"github.com/itsacoffee/aura-video-studio/internal/provider/render"
	"github.com/itsacoffee/aura-video-studio/internal/provider/script"
	"github.com/itsacoffee/aura-video-studio/internal/provider/visual"
	"github.com/itsacoffee/aura-video-studio/internal/provider/voice"
	"github.com/itsacoffee/aura-video-studio/internal/queue"
	"github.com/itsacoffee/aura-video-studio/internal/resilience"
	"github.com/itsacoffee/aura-video-studio/internal/scheduler"
	"github.com/itsacoffee/aura-video-studio/internal/store"
	"github.com/itsacoffee/aura-video-studio/internal/telemetry"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.New(redisClient, cfg.VisibilityTimeout)

	registry := provider.NewRegistry()
	registerProviders(ctx, cfg, registry)

	hub := progress.NewHub(cfg.ReplayBuffer, cfg.SubscriberBuffer)
	locks := lock.NewTable()
	breakers := resilience.NewBreakerSet(cfg.BreakerFailures, cfg.BreakerWindow, cfg.BreakerCooldown)
	retryPolicy := resilience.RetryPolicy{
		MaxAttempts: cfg.CallMaxAttempts,
		Base:        cfg.CallBackoffBase,
		Max:         cfg.CallBackoffMax,
	}

	gw := gateway.New(registry, locks, breakers, retryPolicy,
		toProfile(cfg.CloudProfile), toProfile(cfg.LocalProfile),
		st, emitFunc(hub))

	artStore, err := artifacts.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init artifact store: %v", err)
	}

	pipe := pipeline.New(gw, checkpoint.NewManager(st), artStore, hub, cfg)
	sched := scheduler.New(st, q, pipe, hub, locks, cfg)

	engine := api.NewEngine(cfg, st, hub, gw, sched)
	engineServer := &http.Server{
		Addr:    cfg.EngineAddr,
		Handler: engine.Router(),
	}
	go func() {
		log.Printf("engine listening on %s", cfg.EngineAddr)
		if err := engineServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("engine listen: %v", err)
		}
	}()
	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker started concurrency=%d visibility=%s", cfg.MaxConcurrentJobs, cfg.VisibilityTimeout)
	sched.Run(ctx)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = engineServer.Shutdown(shutdownCtx)
}

// registerProviders builds the provider set from configuration. Missing
// cloud credentials skip the provider; jobs needing it fail at lock time
// with a clear error instead of at call time.
func registerProviders(ctx context.Context, cfg config.Config, registry *provider.Registry) {
	if cfg.GeminiAPIKey != "" {
		g, err := script.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			log.Fatalf("init gemini: %v", err)
		}
		mustRegister(registry, g)
	} else {
		log.Printf("GEMINI_API_KEY unset, script provider disabled")
	}

	p, err := voice.NewPolly(ctx, cfg.PollyRegion, cfg.PollyVoice, cfg.PollyEngine)
	if err != nil {
		log.Printf("init polly: %v, voice provider disabled", err)
	} else {
		mustRegister(registry, p)
	}

	mustRegister(registry, visual.NewHTTP(cfg.VisualEndpoint, cfg.VisualWidth, cfg.VisualHeight, 2*time.Minute))
	mustRegister(registry, render.NewLocal())
}

func mustRegister(registry *provider.Registry, p provider.Provider) {
	if err := registry.Register(p); err != nil {
		log.Fatalf("register provider %s: %v", p.Name(), err)
	}
}

func toProfile(p config.PatienceProfile) patience.Profile {
	return patience.Profile{
		HeartbeatInterval: p.HeartbeatInterval,
		Normal:            p.Normal,
		Extended:          p.Extended,
		DeepWait:          p.DeepWait,
		StallThreshold:    p.StallThreshold,
		CoarseTimeout:     p.CoarseTimeout,
	}
}

// emitFunc logs every gateway event and forwards the user-facing ones onto
// the job's progress stream. Heartbeats stay out of the stream; they would
// drown real frames.
func emitFunc(hub *progress.Hub) func(gateway.Event) {
	return func(ev gateway.Event) {
		if ev.Type == gateway.EventHeartbeat {
			return
		}
		log.Printf("event=%s job=%s stage=%s provider=%s correlation=%s %s",
			ev.Type, ev.JobID, ev.Stage, ev.Provider, ev.CorrelationID, ev.Detail)
		hub.Publish(ev.JobID, models.ProgressEvent{
			JobID:         ev.JobID,
			Stage:         ev.Stage,
			Message:       ev.Type + " " + ev.Detail,
			CorrelationID: ev.CorrelationID,
		})
	}
}
