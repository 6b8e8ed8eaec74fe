package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Rizz-Vii/rankpilot-stream/internal/config"
	"github.com/Rizz-Vii/rankpilot-stream/internal/domain"
	"github.com/Rizz-Vii/rankpilot-stream/internal/logging"
	"github.com/Rizz-Vii/rankpilot-stream/internal/server"
	"github.com/Rizz-Vii/rankpilot-stream/internal/stream"
)

// lazyStarter lets the dispatcher hold a TopicStarter before the generator
// exists; each side is constructed with a handle to the other. Topic starts
// arriving before wiring completes are replayed.
type lazyStarter struct {
	mu      sync.Mutex
	starter domain.TopicStarter
	pending []string
}

func (l *lazyStarter) EnsureTopic(ctx context.Context, topic string) {
	l.mu.Lock()
	starter := l.starter
	if starter == nil {
		l.pending = append(l.pending, topic)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	starter.EnsureTopic(ctx, topic)
}

func (l *lazyStarter) set(starter domain.TopicStarter) {
	l.mu.Lock()
	l.starter = starter
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, topic := range pending {
		starter.EnsureTopic(context.Background(), topic)
	}
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func runGracefulShutdown(srv *server.Server, dispatcher *stream.Dispatcher, generator *stream.Generator) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		if generator != nil {
			generator.Stop()
		}
		dispatcher.Stop()

		close(done)
	}()

	return done
}

func logMetrics(dispatcher *stream.Dispatcher) {
	for snap := range dispatcher.Metrics() {
		slog.Debug("Stream metrics window",
			"clients", snap.TotalClients,
			"topics", snap.ActiveTopics,
			"delivered", snap.DeliveredInWindow,
			"compression_ratio", snap.CompressionRatio,
		)
	}
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	dispatcherOpts := stream.Options{
		Clock:           clock,
		SweepInterval:   cfg.SweepInterval,
		StaleAfter:      cfg.StaleAfter,
		MetricsInterval: cfg.MetricsInterval,
	}

	var generator *stream.Generator
	if cfg.DemoProducer {
		// The generator is wired in after the dispatcher exists, since each
		// side holds the other through an interface.
		dispatcherOpts.TopicStarter = &lazyStarter{}
	}

	dispatcher := stream.NewDispatcher(dispatcherOpts)

	if cfg.DemoProducer {
		generator = stream.NewGenerator(dispatcher, clock, cfg.TopicInterval)
		dispatcherOpts.TopicStarter.(*lazyStarter).set(generator)
	}

	go logMetrics(dispatcher)

	srv := server.NewServer(cfg, dispatcher, clock)
	done := runGracefulShutdown(srv, dispatcher, generator)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("Shutdown complete")
}
