package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Peterbackson-desing/dashboard/pkg/apiserver"
	"github.com/Peterbackson-desing/dashboard/pkg/auth"
	"github.com/Peterbackson-desing/dashboard/pkg/bus"
	"github.com/Peterbackson-desing/dashboard/pkg/config"
	"github.com/Peterbackson-desing/dashboard/pkg/model"
	"github.com/Peterbackson-desing/dashboard/pkg/observability"
	"github.com/Peterbackson-desing/dashboard/pkg/ota"
	"github.com/Peterbackson-desing/dashboard/pkg/relay"
	"github.com/Peterbackson-desing/dashboard/pkg/store"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the OTA API server and the telemetry relay",
	Long: `Start the HTTP API and, when enabled, the long-lived telemetry relay for
the configured device. Both stop on SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// newLogger builds the process logger from the log section.
func newLogger(c config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// service is the wired set of components behind one otad process.
type service struct {
	server  *apiserver.Server
	relay   *relay.Relay
	sinks   []relay.Sink
	closers []func() error
}

func (s *service) close(logger *slog.Logger) {
	for _, sk := range s.sinks {
		if err := sk.Close(); err != nil {
			logger.Warn("closing sink", "sink", sk.Name(), "error", err)
		}
	}
	for _, c := range s.closers {
		if err := c(); err != nil {
			logger.Warn("closing store", "error", err)
		}
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	svc, err := buildService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.close(logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := svc.server.ListenAndServe(cfg.Server.Listen)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	if svc.relay != nil {
		g.Go(func() error {
			return svc.relay.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return svc.server.GracefulShutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("otad stopped")
	return err
}

func buildService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*service, error) {
	svc := &service{}
	metrics := observability.NewMetrics()

	gate, err := buildGate(cfg.Auth, logger)
	if err != nil {
		return nil, err
	}

	artifacts, closeIndex, err := buildArtifacts(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	if closeIndex != nil {
		svc.closers = append(svc.closers, closeIndex)
	}

	busCfg := bus.Config{
		BrokerURL:      cfg.MQTT.BrokerURL(),
		ClientIDPrefix: cfg.MQTT.ClientIDPrefix,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		RetryInterval:  cfg.MQTT.RetryInterval,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
	}

	baseURL := cfg.Server.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Server.Listen)
		logger.Warn("server.base_url not set, devices will be sent a guessed download URL", "base_url", baseURL)
	}
	trigger := ota.New(ota.Config{Bus: busCfg, BaseURL: baseURL, Timeout: cfg.OTA.Timeout}, artifacts, metrics, logger)

	deps := apiserver.Deps{
		Gate:      gate,
		Artifacts: artifacts,
		Trigger:   trigger,
		Metrics:   metrics,
		Logger:    logger,
	}

	if cfg.Relay.Enabled {
		if cfg.Kafka.Enabled() {
			svc.sinks = append(svc.sinks, relay.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.DLQTopic))
			logger.Info("forwarding telemetry to kafka", "topic", cfg.Kafka.Topic, "dlq", cfg.Kafka.DLQTopic)
		}
		if cfg.Influx.Enabled() {
			svc.sinks = append(svc.sinks, relay.NewInfluxSink(cfg.Influx.URL, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket))
			logger.Info("writing telemetry to influxdb", "url", cfg.Influx.URL, "bucket", cfg.Influx.Bucket)
		}
		if cfg.AMQP.Enabled() {
			svc.sinks = append(svc.sinks, relay.NewAMQPSink(cfg.AMQP.URL, cfg.AMQP.Exchange))
			logger.Info("publishing telemetry to amqp", "exchange", cfg.AMQP.Exchange)
		}
		svc.relay, err = relay.New(relay.Config{
			Bus:      busCfg,
			DeviceID: cfg.Relay.DeviceID,
			Sinks:    svc.sinks,
		}, metrics, logger)
		if err != nil {
			svc.close(logger)
			return nil, err
		}
		deps.Relay = svc.relay
	}

	opts := apiserver.DefaultServerOptions()
	opts.ReadTimeout = cfg.Server.ReadTimeout
	opts.WriteTimeout = cfg.Server.WriteTimeout
	opts.IdleTimeout = cfg.Server.IdleTimeout
	opts.AllowedOrigins = cfg.Server.AllowedOrigins
	opts.RateLimit = cfg.Server.RateLimit
	opts.RateBurst = cfg.Server.RateBurst
	// A trigger may take the whole OTA deadline before it answers.
	if floor := cfg.OTA.Timeout + 5*time.Second; opts.WriteTimeout < floor {
		opts.WriteTimeout = floor
	}
	svc.server = apiserver.NewServer(deps, opts)
	return svc, nil
}

func buildGate(c config.AuthConfig, logger *slog.Logger) (*auth.Gate, error) {
	var creds []auth.Credential
	if len(c.Users) == 0 {
		logger.Warn("no users configured, using the built-in development accounts")
		dev, err := auth.DevelopmentCredentials()
		if err != nil {
			return nil, err
		}
		creds = dev
	}
	for _, u := range c.Users {
		creds = append(creds, auth.Credential{
			ID:           u.ID,
			Username:     u.Username,
			PasswordHash: []byte(u.PasswordHash),
			Role:         model.Role(u.Role),
		})
	}
	return auth.NewGate(c.TokenSecret, c.TokenTTL, creds)
}

// buildArtifacts wires the configured blob and index backends. The returned
// func, when not nil, releases the index connection.
func buildArtifacts(ctx context.Context, c config.StorageConfig, logger *slog.Logger) (*store.Artifacts, func() error, error) {
	var blobs store.BlobStore
	switch c.Blob {
	case "minio":
		mb, err := store.NewMinioBlobs(ctx, store.MinioOptions{
			Endpoint:      c.Minio.Endpoint,
			AccessKey:     c.Minio.AccessKey,
			SecretKey:     c.Minio.SecretKey,
			Bucket:        c.Minio.Bucket,
			UseSSL:        c.Minio.UseSSL,
			MaxObjectSize: c.MaxUploadBytes,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("minio blob store: %w", err)
		}
		blobs = mb
	default:
		fb, err := store.NewFSBlobs(c.FirmwareDir)
		if err != nil {
			return nil, nil, fmt.Errorf("firmware directory: %w", err)
		}
		blobs = fb
	}

	var (
		index   store.Index
		closeFn func() error
	)
	switch c.Index {
	case "etcd":
		ei, err := store.NewEtcdIndex(c.Etcd.Endpoints, c.Etcd.Key, c.Etcd.DialTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("etcd index: %w", err)
		}
		index, closeFn = ei, ei.Close
	case "postgres":
		pi, err := store.NewPostgresIndex(ctx, c.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres index: %w", err)
		}
		index, closeFn = pi, pi.Close
	case "memory":
		logger.Warn("firmware index is in memory and will not survive a restart")
		index = store.NewMemoryIndex()
	default:
		fi, err := store.NewFileIndex(c.FirmwareDir)
		if err != nil {
			return nil, nil, fmt.Errorf("firmware index: %w", err)
		}
		index = fi
	}

	logger.Info("artifact store ready", "blob", c.Blob, "index", c.Index, "max_upload_bytes", c.MaxUploadBytes)
	return store.NewArtifacts(blobs, index, store.WithMaxSize(c.MaxUploadBytes), store.WithLogger(logger)), closeFn, nil
}

func defaultBaseURL(listen string) string {
	if strings.HasPrefix(listen, ":") {
		listen = "localhost" + listen
	}
	return "http://" + listen
}
