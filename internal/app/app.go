package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"pdfchat/features/chat"
	"pdfchat/features/document"
	"pdfchat/features/job"
	"pdfchat/features/stats"
	"pdfchat/internal/config"
	"pdfchat/internal/middleware"
	"pdfchat/internal/pdf"
	"pdfchat/internal/retrieval"
	"pdfchat/internal/worker"
)

type App struct {
	Handler         http.Handler
	DocumentService *document.Service
	IngestConsumer  *worker.IngestConsumer

	port int
}

func New(
	cfg *config.Config,
	db Database,
	vecStore VectorStore,
	cache Cache,
	blobs BlobStore,
	taskPub TaskPublisher,
	embedder Embedder,
	generator Generator,
) (*App, error) {

	// Repositories need the concrete connection. The interface in the
	// signature keeps New testable with a stub database.
	sqlDB := db.(*sql.DB)

	// Feature: Document
	documentRepo := document.NewPostgresRepo(sqlDB)
	documentService := document.NewService(documentRepo, blobs, vecStore, taskPub, cache, cfg.IngestLockTTL)
	documentHandler := document.NewHandler(documentService, cfg.MaxUploadSizeMB)

	// Feature: Job (dead letters)
	jobRepo := job.NewPostgresRepo(sqlDB)
	jobService := job.NewService(jobRepo, documentService)
	jobHandler := job.NewHandler(jobService)

	// Feature: Chat
	queryLogger, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath)
	if err != nil {
		slog.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = retrieval.NewQueryLogger(os.Stdout)
	}

	chatRepo := chat.NewPostgresRepo(sqlDB)
	chatService := chat.NewService(chatRepo, documentService, embedder, vecStore, generator, cache, queryLogger, cfg.ChatTopK, cfg.ChatCacheTTL)
	chatHandler := chat.NewHandler(chatService)

	// Feature: Stats
	statsHandler := stats.NewHandler(documentRepo, jobRepo, vecStore)

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Owner-ID, X-Correlation-ID")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /documents", middleware.CorrelationID(enableCORS(documentHandler.Upload)))
	mux.Handle("GET /documents", middleware.CorrelationID(enableCORS(documentHandler.List)))
	mux.Handle("GET /documents/{id}", middleware.CorrelationID(enableCORS(documentHandler.Get)))
	mux.Handle("DELETE /documents/{id}", middleware.CorrelationID(enableCORS(documentHandler.Delete)))
	mux.Handle("GET /documents/{id}/status", middleware.CorrelationID(enableCORS(documentHandler.Status)))
	mux.Handle("GET /documents/{id}/download", middleware.CorrelationID(enableCORS(documentHandler.Download)))
	mux.Handle("POST /documents/{id}/retry", middleware.CorrelationID(enableCORS(documentHandler.Retry)))

	mux.Handle("POST /documents/{id}/chat", middleware.CorrelationID(enableCORS(chatHandler.Ask)))
	mux.Handle("GET /documents/{id}/sessions", middleware.CorrelationID(enableCORS(chatHandler.Sessions)))
	mux.Handle("GET /chat/history", middleware.CorrelationID(enableCORS(chatHandler.History)))
	mux.Handle("GET /chat/sessions/{sessionId}", middleware.CorrelationID(enableCORS(chatHandler.GetSession)))
	mux.Handle("DELETE /chat/sessions/{sessionId}", middleware.CorrelationID(enableCORS(chatHandler.DeleteSession)))

	mux.Handle("GET /jobs/failed", middleware.CorrelationID(enableCORS(jobHandler.List)))
	mux.Handle("POST /jobs/{id}/retry", middleware.CorrelationID(enableCORS(jobHandler.Retry)))

	mux.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsHandler.GetStats)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Worker (Ingest Consumer) Setup
	pipeline := worker.NewPipeline(documentRepo, embedder, vecStore, worker.ExtractorFunc(pdf.Extract), worker.PipelineConfig{
		ChunkSize:       cfg.ChunkSize,
		ChunkOverlap:    cfg.ChunkOverlap,
		EmbedBatchSize:  cfg.EmbedBatchSize,
		EmbedBatchDelay: cfg.EmbedBatchDelay,
	})
	ingestConsumer := worker.NewIngestConsumer(pipeline, documentRepo, jobService, cache, cfg.JobStartsPerSec, cfg.QueueMaxAttempts)

	return &App{
		Handler:         mux,
		DocumentService: documentService,
		IngestConsumer:  ingestConsumer,
		port:            cfg.ServerPort,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.port),
		Handler: a.Handler,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
