// README: Entry point; loads config, wires stores and services, starts the HTTP server and background loops.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"sakay/internal/config"
	"sakay/internal/events"
	httptransport "sakay/internal/http"
	"sakay/internal/infra"
	"sakay/internal/logging"
	"sakay/internal/maps"
	"sakay/internal/modules/favorite"
	"sakay/internal/modules/matching"
	"sakay/internal/modules/presence"
	"sakay/internal/modules/pricing"
	"sakay/internal/modules/realtime"
	"sakay/internal/modules/safety"
	"sakay/internal/modules/trip"
	"sakay/internal/notify"
	"sakay/internal/store/memory"
	"sakay/internal/store/postgres"
	"sakay/internal/types"
)

const shutdownTimeout = 15 * time.Second

type recordStore interface {
	trip.Store
	presence.Store
	safety.Store
	favorite.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("sakay-api stopped")
	}
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	health := map[string]httptransport.HealthCheck{}

	var store recordStore
	switch cfg.Store {
	case "memory":
		log.Warn("using the in-memory store; state is lost on restart")
		store = memory.New()
	default:
		db, err := infra.NewDB(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
		if err != nil {
			return err
		}
		defer db.Close()
		store = postgres.New(db)
		health["postgres"] = db.Ping
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		client, err := infra.NewRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer client.Close()
		redisClient = client
		health["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}

	verifier, notifier, err := identity(ctx, cfg, log)
	if err != nil {
		return err
	}

	var geoIndex presence.GeoIndex
	if redisClient != nil {
		geoIndex = presence.NewRedisGeoIndex(redisClient, cfg.Redis.GeoKey)
	}

	// The hub reads snapshots through registry and trip service, which are built after it.
	var (
		registry *presence.Registry
		tripSvc  *trip.Service
	)
	source := realtime.SourceFunc(func(ctx context.Context, topic realtime.Topic) (any, error) {
		if topic == realtime.TopicOnlineDrivers {
			return registry.Snapshot(ctx)
		}
		id, ok := topic.TripID()
		if !ok {
			return nil, realtime.ErrUnknownTopic
		}
		return tripSvc.Get(ctx, id)
	})
	hub := realtime.NewHub(source, log)

	registry = presence.NewRegistry(store, geoIndex, hub, log)
	safetySvc := safety.NewService(store, notifier, types.ID(cfg.Push.SafetyDeskID), log)
	matchingSvc := matching.NewService(registry, safetySvc, cfg.Matching, log)
	pricingSvc := pricing.NewService(pricing.DefaultRate)

	deps := trip.Deps{
		Pricing:   pricingSvc,
		Matcher:   matchingSvc,
		Presence:  registry,
		Notifier:  notifier,
		Publisher: hub,
	}
	var favoriteGeocoder favorite.Geocoder
	if cfg.Maps.APIKey != "" {
		geocoder, err := maps.NewGeocoder(cfg.Maps.APIKey, cfg.Maps.Region)
		if err != nil {
			return err
		}
		favoriteGeocoder = geocoder
		deps.Addresses = geocoder
	}
	favoriteSvc := favorite.NewService(store, favoriteGeocoder, log)
	deps.Favorites = favoriteSvc

	if cfg.RabbitMQ.URL != "" {
		conn, err := infra.NewRabbitMQ(cfg.RabbitMQ.URL)
		if err != nil {
			return err
		}
		defer conn.Close()
		publisher, err := events.NewRabbitPublisher(conn, cfg.RabbitMQ.Exchange, log)
		if err != nil {
			return err
		}
		defer publisher.Close()
		deps.Events = publisher
	}
	tripSvc = trip.NewService(store, deps, cfg.Trip, log)

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Trip:     tripSvc,
		Presence: registry,
		Matching: matchingSvc,
		Safety:   safetySvc,
		Favorite: favoriteSvc,
		Pricing:  pricingSvc,
		Hub:      hub,
		Verifier: verifier,
		Health:   health,
		Log:      log,
	})
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var bridge *realtime.RedisBridge
	if redisClient != nil && cfg.Realtime.UseRedis {
		bridge = realtime.NewRedisBridge(redisClient, cfg.Realtime.RedisChannel, hub, log)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.HTTP.Addr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		tripSvc.RunSearchTimeoutMonitor(ctx)
		return nil
	})
	g.Go(func() error {
		realtime.NewPoller(hub, source, cfg.Realtime.PollInterval, log).Run(ctx)
		return nil
	})
	if bridge != nil {
		g.Go(func() error { return bridge.Run(ctx) })
	}
	return g.Wait()
}

// identity builds the token verifier and the push notifier. Both hang off the same firebase app when
// firebase is in use.
func identity(ctx context.Context, cfg config.Config, log *logrus.Logger) (infra.TokenVerifier, trip.Notifier, error) {
	var notifier trip.Notifier = notify.NewLog(log)
	needFirebase := cfg.Auth.Provider == "firebase" || cfg.Push.Provider == "fcm"
	if !needFirebase {
		verifier, err := infra.NewJWTVerifier(cfg.Auth.JWTSecret)
		return verifier, notifier, err
	}

	app, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Push.Provider == "fcm" {
		client, err := infra.NewMessagingClient(ctx, app)
		if err != nil {
			return nil, nil, err
		}
		notifier = notify.NewFCM(client)
	}
	if cfg.Auth.Provider == "jwt" {
		verifier, err := infra.NewJWTVerifier(cfg.Auth.JWTSecret)
		return verifier, notifier, err
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, app)
	return verifier, notifier, err
}
