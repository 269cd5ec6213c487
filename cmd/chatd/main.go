package main

import (
	"chat-broker/auth"
	"chat-broker/infrastructure/rest"
	"chat-broker/infrastructure/websocket"
	"chat-broker/internal"
	"chat-broker/moderation"
	"chat-broker/observability"
	"chat-broker/repositories"
	"chat-broker/runtime"
	"chat-broker/runtime/workers"
	"chat-broker/services"
	"chat-broker/storage"
	"context"
	goerrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blugelabs/bluge"
	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
)

const (
	shutdownTimeout = 10 * time.Second
	gcInterval      = 10 * time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component and owns their lifetime, so that deferred
// cleanups run before the process exits.
func run() error {
	// 1. Configuration & Logger
	config, err := internal.LoadConfig()
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(config.LogLevel)
	replacement, err := internal.CharacterRune(config.CharReplacement)
	if err != nil {
		return err
	}

	// 2. Storage
	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
		WithLoggingLevel(badger.WARNING))
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	writer, err := bluge.OpenWriter(bluge.DefaultConfig(config.BlugeFilepath))
	if err != nil {
		return fmt.Errorf("search index opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing search index...")
		_ = writer.Close()
	}()

	blobs, err := storage.NewDiskBlobStore(config.BlobDir, config.MaxFileSize, log)
	if err != nil {
		return err
	}

	// 3. Services
	var moderator *moderation.Moderator
	if words := config.Words(); len(words) > 0 {
		if moderator, err = moderation.NewModerator(words, replacement, log); err != nil {
			return fmt.Errorf("moderation setup failed: %w", err)
		}
	}

	tokens := auth.NewTokens(config.JWTSecret, config.AuthTokenDuration)
	gate := auth.NewGate(tokens)
	messageRepository := repositories.NewMessageRepository(db, log)
	messages, err := services.NewMessageLog(messageRepository,
		repositories.NewSearchIndex(writer, log), log,
		services.WithPageSizes(config.DefaultPageSize, config.MaxPageSize))
	if err != nil {
		return fmt.Errorf("message log startup failed: %w", err)
	}
	if err := messages.Reindex(); err != nil {
		log.Warn("Search index rebuild failed, search falls back to scanning", "error", err)
	}
	accounts := services.NewAuthService(repositories.NewUserRepository(db), tokens)
	monitoring := observability.NewMonitoringManager(log)

	engine := runtime.NewEngine(log, gate, messages,
		services.NewMutationEngine(messageRepository, log),
		repositories.NewRosterRepository(db),
		moderation.NewFilter(moderator, log),
		monitoring,
		runtime.Config{
			BufferSize:       config.CommandBufferSize,
			TypingTTL:        config.TypingTTL,
			SweepInterval:    config.TypingSweepInterval,
			MaxContentLength: config.MaxContentLength,
		},
	)

	// 4. Context & Signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 5. Supervision
	sup := workers.NewSupervisor(log, config.RestartInterval)
	sup.Add(
		engine,
		workers.NewReporterWorker(log, engine, monitoring, config.MetricInterval),
		workers.NewValueLogGCWorker(log, db, gcInterval),
	)
	supervised := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(supervised)
	}()

	// 6. HTTP Server
	ws := websocket.NewHandler(log, engine, config.ConnectionBufferSize, &monitoring.EventsDropped, config.Origins())
	server := &http.Server{
		Addr:              config.Address(),
		Handler:           rest.NewServer(log, accounts, gate, engine, blobs, monitoring, ws, config.MaxFileSize).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("Starting chat broker", "address", server.Addr, "at", time.Now().UTC())
		if err := server.ListenAndServe(); err != nil && !goerrors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	// 7. Wait for Stop or Error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errChan:
		sup.Stop()
		<-supervised
		return err
	}

	// 8. Final Cleanup
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", "error", err)
	}
	sup.Stop()
	<-supervised
	log.Info("Program stopped cleanly")
	return nil
}
