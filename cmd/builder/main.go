package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/vyvo/appbuild/backend/pkg/artifacts"
	"github.com/vyvo/appbuild/backend/pkg/auth"
	"github.com/vyvo/appbuild/backend/pkg/builder"
	"github.com/vyvo/appbuild/backend/pkg/config"
	"github.com/vyvo/appbuild/backend/pkg/eas"
	"github.com/vyvo/appbuild/backend/pkg/events"
	"github.com/vyvo/appbuild/backend/pkg/httpapi"
	"github.com/vyvo/appbuild/backend/pkg/logging"
	"github.com/vyvo/appbuild/backend/pkg/telemetry"
)

var version = "dev"

func main() {
	cfg, err := config.LoadBuilder()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}, "builder")
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("builder service failed")
	}
}

func run(cfg config.BuilderConfig, logger *zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(cfg.Tracing, "builder", version, logger)
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn().Err(err).Msg("close resource")
			}
		}
	}()

	repo, closer, err := openStore(cfg)
	if err != nil {
		return err
	}
	if closer != nil {
		closers = append(closers, closer)
	}

	downstream := newDownstream(cfg)

	store, closer, err := openArtifacts(ctx, cfg)
	if err != nil {
		return err
	}
	if closer != nil {
		closers = append(closers, closer)
	}

	broadcaster := builder.NewBroadcaster()
	notifiers := builder.Notifiers{broadcaster}
	if cfg.AMQPURL != "" {
		publisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return fmt.Errorf("init amqp publisher: %w", err)
		}
		closers = append(closers, publisher)
		notifiers = append(notifiers, publisher)
	}

	poller := builder.NewPoller(repo, downstream, store, notifiers, builder.PollerConfig{
		Interval:       cfg.PollInterval,
		Timeout:        cfg.BuildTimeout,
		MaxFailedTicks: cfg.MaxFailedTicks,
		ProgressStep:   cfg.ProgressStep,
	}, logger)
	defer poller.Stop()

	resumed, err := poller.Resume(ctx)
	if err != nil {
		return err
	}
	if resumed > 0 {
		logger.Info().Int("count", resumed).Msg("resumed unfinished builds")
	}

	svc := builder.NewService(repo, poller, builder.ServiceConfig{
		RequireAuth:       cfg.RequireAuth,
		MaxActivePerOwner: cfg.MaxActivePerOwner,
	}, logger)

	var verifier *auth.Verifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpapi.NewRouter(svc, broadcaster, verifier, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("builder shutdown error")
		}
	}()

	logger.Info().
		Str("addr", cfg.ListenAddr).
		Str("store", cfg.Store).
		Str("downstream", cfg.Downstream).
		Str("artifacts", cfg.Artifacts).
		Msg("builder service listening")
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen: %w", err)
	}

	logger.Info().Msg("builder service stopped")
	return nil
}

func openStore(cfg config.BuilderConfig) (builder.Repository, io.Closer, error) {
	switch cfg.Store {
	case "postgres":
		pg, err := builder.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("builder postgres init failed: %w", err)
		}
		return pg, pg, nil
	case "redis":
		rs, err := builder.NewRedisStore(cfg.RedisURL, cfg.Retention)
		if err != nil {
			return nil, nil, fmt.Errorf("builder redis init failed: %w", err)
		}
		return rs, rs, nil
	default:
		return builder.NewMemStore(), nil, nil
	}
}

func newDownstream(cfg config.BuilderConfig) builder.Downstream {
	if cfg.Downstream == "eas" {
		return eas.NewClient(cfg.EASBaseURL, cfg.EASToken, cfg.EASProjectID, cfg.EASProfile)
	}
	return builder.NewSimulated(cfg.SimulatedSteps, cfg.SimulatedBaseURL)
}

func openArtifacts(ctx context.Context, cfg config.BuilderConfig) (builder.ArtifactStore, io.Closer, error) {
	switch cfg.Artifacts {
	case "gcs":
		gcs, err := artifacts.NewGCSStore(ctx, artifacts.GCSConfig{
			Bucket:          cfg.GCSBucket,
			Prefix:          cfg.GCSPrefix,
			CredentialsFile: cfg.GCSCredentialsFile,
			SignedURLTTL:    cfg.GCSSignedURLTTL,
			PublicBaseURL:   cfg.ArtifactPublicURL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init gcs artifact store: %w", err)
		}
		return gcs, gcs, nil
	case "sftp":
		sftpStore, err := artifacts.NewSFTPStore(artifacts.SFTPConfig{
			Addr:          cfg.SFTPAddr,
			User:          cfg.SFTPUser,
			Password:      cfg.SFTPPassword,
			PrivateKey:    cfg.SFTPPrivateKey,
			Dir:           cfg.SFTPDir,
			PublicBaseURL: cfg.ArtifactPublicURL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init sftp artifact store: %w", err)
		}
		return sftpStore, nil, nil
	default:
		return artifacts.Passthrough{}, nil, nil
	}
}
