package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"

	"pdfchat/internal/adapter/gemini"
	"pdfchat/internal/app"
	"pdfchat/internal/config"
	"pdfchat/internal/logger"
	"pdfchat/internal/worker"
)

func main() {
	// Structured logger with correlation id propagation from context.
	slog.SetDefault(slog.New(logger.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil))))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer deps.DB.Close()
	defer deps.NSQProducer.Stop()

	embedder, err := gemini.NewEmbedder(ctx, cfg.GeminiAPIKey, cfg.EmbeddingModel)
	if err != nil {
		slog.Error("failed to create embedder", "error", err)
		os.Exit(1)
	}
	defer embedder.Close()

	llm, err := gemini.NewLLM(ctx, cfg.GeminiAPIKey, cfg.ChatModel)
	if err != nil {
		slog.Error("failed to create llm client", "error", err)
		os.Exit(1)
	}
	defer llm.Close()

	application, err := app.New(cfg, deps.DB, deps.VectorStore, deps.Cache, deps.Blobs, deps.NSQProducer, embedder, llm)
	if err != nil {
		slog.Error("failed to build application", "error", err)
		os.Exit(1)
	}

	if cfg.EnableWorker {
		consumer, err := startIngestConsumer(cfg, application.IngestConsumer)
		if err != nil {
			slog.Error("failed to start ingest consumer", "error", err)
			os.Exit(1)
		}
		defer consumer.Stop()
	}

	if cfg.EnableAPI {
		if err := application.Run(ctx); err != nil {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	} else {
		<-ctx.Done()
	}
}

func startIngestConsumer(cfg *config.Config, handler *worker.IngestConsumer) (*nsq.Consumer, error) {
	nsqCfg := nsq.NewConfig()
	nsqCfg.MaxAttempts = uint16(cfg.QueueMaxAttempts)
	nsqCfg.MaxInFlight = cfg.QueueConcurrency
	nsqCfg.DefaultRequeueDelay = cfg.QueueBackoff

	consumer, err := nsq.NewConsumer(config.TopicIngest, config.ChannelIngest, nsqCfg)
	if err != nil {
		return nil, err
	}
	consumer.SetLoggerLevel(nsq.LogLevelWarning)
	consumer.AddConcurrentHandlers(handler, cfg.QueueConcurrency)

	if err := consumer.ConnectToNSQLookupd(cfg.NSQLookupd); err != nil {
		return nil, err
	}
	slog.Info("NSQ ingest consumer connected", "topic", config.TopicIngest, "channel", config.ChannelIngest, "concurrency", cfg.QueueConcurrency)
	return consumer, nil
}
