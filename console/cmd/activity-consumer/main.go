package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"smart-energy-console/console/internal/archive"
	"smart-energy-console/shared/config"
	"smart-energy-console/shared/dbx"
	"smart-energy-console/shared/events"
	"smart-energy-console/shared/logx"
	"smart-energy-console/shared/metricsx"
	"smart-energy-console/shared/mqx"
	"smart-energy-console/shared/observability"
)

func main() {
	cfg, problems := config.Load("activity-consumer", 3001)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := dbx.NewPool(ctx, cfg)
	if err != nil {
		logger.Error(ctx, "db_init_failed", "db init failed", logx.Err("FAILED_PRECONDITION", err)...)
		os.Exit(1)
	}
	defer pool.Close()

	store := archive.New(pool)
	if err := store.Migrate(ctx); err != nil {
		logger.Error(ctx, "db_migrate_failed", "failed to create activity table", logx.Err("FAILED_PRECONDITION", err)...)
		os.Exit(1)
	}

	reader, err := mqx.NewConsumer(cfg, cfg.KafkaTopic, cfg.KafkaGroupID)
	if err != nil {
		logger.Error(ctx, "kafka_init_failed", "kafka reader init failed", logx.Err("FAILED_PRECONDITION", err)...)
		os.Exit(1)
	}
	defer reader.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info(ctx, "consumer_start", "activity consumer started",
		slog.String("topic", cfg.KafkaTopic),
		slog.String("group", cfg.KafkaGroupID),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message", logx.Err("INTERNAL_ERROR", err)...)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		// A fetched message is not redelivered, so storage failures are
		// retried here until the write lands or the consumer stops.
		err = handle(ctx, store, cfg.KafkaTopic, msg)
		for err != nil && !errors.Is(err, archive.ErrInvalidEvent) && ctx.Err() == nil {
			metricsx.IncActivityArchived("error")
			logger.Error(ctx, "event_handle_failed", "failed to archive event", logx.Err("STORAGE_ERROR", err)...)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
				err = handle(ctx, store, cfg.KafkaTopic, msg)
			}
		}
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			// Malformed events are skipped.
			metricsx.IncActivityArchived("invalid")
			logger.Warn(ctx, "event_invalid", "skipping invalid activity event",
				append(logx.Err("INVALID_ARGUMENT", err), slog.Int64("offset", msg.Offset))...,
			)
		} else {
			metricsx.IncActivityArchived("ok")
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message", logx.Err("INTERNAL_ERROR", err)...)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, cfg.KafkaGroupID, stats.Lag)
	}

	logger.Info(context.Background(), "consumer_stop", "activity consumer stopped")
}

func handle(ctx context.Context, store *archive.Archive, topic string, msg kafka.Message) error {
	ctx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", topic),
	)
	env, err := archive.Decode(msg.Value)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := store.Write(ctx, []events.Envelope{env}); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}
