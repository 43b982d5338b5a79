package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/baldanca/sqs-ingestor/acknowledgement"
	"github.com/baldanca/sqs-ingestor/buffer"
	"github.com/baldanca/sqs-ingestor/config"
	"github.com/baldanca/sqs-ingestor/encoder"
	"github.com/baldanca/sqs-ingestor/ingestor"
	"github.com/baldanca/sqs-ingestor/sink"
	"github.com/baldanca/sqs-ingestor/source"
)

type runFlags struct {
	config    string
	logLevel  string
	logFormat string
}

func newRunCommand() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the ingestor until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.config)
			if err != nil {
				return err
			}
			if flags.logLevel != "" {
				cfg.Log.Level = flags.logLevel
			}
			if flags.logFormat != "" {
				cfg.Log.Format = flags.logFormat
			}

			log, err := newLogger(cmd.ErrOrStderr(), cfg.Log)
			if err != nil {
				return err
			}
			slog.SetDefault(log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}
	cmd.Flags().StringVar(&flags.config, "config", "config.yaml", "path to the YAML configuration file")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error), overrides the configuration")
	cmd.Flags().StringVar(&flags.logFormat, "log-format", "", "log format (json, text), overrides the configuration")
	return cmd
}

func newLogger(w io.Writer, cfg config.Log) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	mp, shutdownMetrics, err := newMeterProvider(ctx, cfg.Metrics)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := shutdownMetrics(sctx); serr != nil {
			log.Warn("failed to shut down meter provider", slog.Any("error", serr))
		}
	}()

	client, err := source.NewClient(ctx, cfg.AWS.Source())
	if err != nil {
		return err
	}

	sk, closeSink, err := newSink(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeSink(); cerr != nil {
			log.Warn("failed to close sink", slog.Any("error", cerr))
		}
	}()

	enc, err := encoder.New(cfg.Encoder)
	if err != nil {
		return err
	}

	buf, err := buffer.New(buffer.Options{
		Config:        cfg.Buffer,
		Encoder:       enc,
		Sink:          sk,
		SinkName:      cfg.Sink.Type,
		Retry:         cfg.Sink.Retry.Policy(),
		Logger:        log,
		MeterProvider: mp,
	})
	if err != nil {
		return err
	}

	acks := acknowledgement.NewManager(acknowledgement.Options{Logger: log})

	queues := make([]ingestor.Queue, 0, len(cfg.Queues))
	for _, q := range cfg.Queues {
		h, err := q.Handler()
		if err != nil {
			return err
		}
		queues = append(queues, ingestor.Queue{Config: q.QueueConfig(), Handler: h, Buffer: buf})
	}

	svc, err := ingestor.NewService(ingestor.ServiceOptions{
		Queues:           queues,
		Source:           cfg.Source(),
		Client:           client,
		Acknowledgements: acks,
		Backoff:          cfg.Backoff.Policy(),
		ShutdownTimeout:  cfg.ShutdownTimeout,
		ForceTimeout:     cfg.ForceTimeout,
		Logger:           log,
		MeterProvider:    mp,
	})
	if err != nil {
		return err
	}

	if err := svc.Start(ctx); err != nil {
		return err
	}

	var health *healthServer
	if cfg.Health.Addr != "" {
		health = newHealthServer(cfg.Health.Addr, svc.Done())
		go health.serve(log)
	}

	log.InfoContext(ctx, "sqs ingestor started", slog.Int("queues", len(queues)))
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case <-svc.Done():
		log.Error("all workers exited", slog.Any("error", svc.Err()))
	}

	svc.Stop()

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Buffer.FlushInterval+30*time.Second)
	defer cancel()
	if cerr := buf.Close(closeCtx); cerr != nil {
		log.Error("failed to flush buffer", slog.Any("error", cerr))
	}
	acks.Close()

	if health != nil {
		hctx, hcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer hcancel()
		_ = health.srv.Shutdown(hctx)
	}

	log.Info("sqs ingestor stopped")
	return svc.Err()
}

func newSink(ctx context.Context, cfg *config.Config) (sink.Sinkr, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Sink.Type {
	case config.SinkS3:
		awsCfg, err := source.LoadAWSConfig(ctx, cfg.AWS.Source())
		if err != nil {
			return nil, nil, err
		}
		client := s3.NewFromConfig(awsCfg)
		s3Sink := sink.NewS3(client, cfg.Sink.S3.Bucket, cfg.Sink.S3.Prefix)
		return sink.NewS3Stream(s3Sink, transfermanager.New(client)), noop, nil
	case config.SinkRedis:
		r, client, err := sink.NewRedisFromURL(ctx, cfg.Sink.Redis.URL, cfg.Sink.Redis.Stream, cfg.Sink.Redis.MaxLen)
		if err != nil {
			return nil, nil, err
		}
		return r, client.Close, nil
	case config.SinkKafka:
		client, err := sink.NewKafkaClient(cfg.Sink.Kafka.Brokers)
		if err != nil {
			return nil, nil, err
		}
		return sink.NewKafka(client, cfg.Sink.Kafka.Topic), func() error {
			client.Close()
			return nil
		}, nil
	case config.SinkStdout:
		return sink.NewWriter(os.Stdout), noop, nil
	default:
		return nil, nil, fmt.Errorf("unsupported sink type %q", cfg.Sink.Type)
	}
}
