// README: Location consumer; applies driver location messages from Kafka to the presence registry.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"sakay/internal/config"
	"sakay/internal/infra"
	"sakay/internal/ingest"
	"sakay/internal/logging"
	"sakay/internal/modules/presence"
	"sakay/internal/modules/realtime"
	"sakay/internal/store/postgres"
)

func main() {
	metricsAddr := flag.String("metrics-addr", ":9091", "address for /metrics and /healthz")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *metricsAddr, log); err != nil {
		log.WithError(err).Fatal("location-consumer stopped")
	}
}

func run(ctx context.Context, cfg config.Config, metricsAddr string, log *logrus.Logger) error {
	if len(cfg.Kafka.Brokers) == 0 {
		return errors.New("SAKAY_KAFKA_BROKERS is required")
	}
	if cfg.Store != "postgres" {
		return errors.New("location-consumer shares presence with the API and needs SAKAY_STORE=postgres")
	}

	db, err := infra.NewDB(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
	if err != nil {
		return err
	}
	defer db.Close()
	store := postgres.New(db)

	var (
		registry *presence.Registry
		geoIndex presence.GeoIndex
	)
	hub := realtime.NewHub(realtime.SourceFunc(func(ctx context.Context, topic realtime.Topic) (any, error) {
		if topic != realtime.TopicOnlineDrivers {
			return nil, realtime.ErrUnknownTopic
		}
		return registry.Snapshot(ctx)
	}), log)

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Redis.Enabled {
		client, err := infra.NewRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer client.Close()
		geoIndex = presence.NewRedisGeoIndex(client, cfg.Redis.GeoKey)
		if cfg.Realtime.UseRedis {
			// Presence changes made here reach API subscribers through the bridge.
			realtime.NewRedisBridge(client, cfg.Realtime.RedisChannel, hub, log)
		}
	}
	registry = presence.NewRegistry(store, geoIndex, hub, log)

	consumer := ingest.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID, registry, log)
	defer consumer.Close()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		if err := db.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"postgres": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"postgres": "ok"})
	})
	server := &http.Server{Addr: metricsAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		log.WithFields(logrus.Fields{"topic": cfg.Kafka.Topic, "group": cfg.Kafka.GroupID}).Info("consuming driver locations")
		return consumer.Run(ctx)
	})
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
