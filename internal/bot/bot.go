// Package bot wires the Discord gateway, the scheduler and the metrics
// endpoint together and manages their lifecycle.
package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Gateway is a connection to the chat platform. *discordgo.Session
// satisfies it.
type Gateway interface {
	Open() error
	Close() error
}

// Drainer waits for background work to settle during shutdown.
type Drainer interface {
	Wait()
}

// Bot represents the main bot application and manages its components' lifecycle.
type Bot struct {
	logger      *zap.Logger
	gateway     Gateway
	scheduler   *Scheduler
	drainer     Drainer
	metricsAddr string
}

// NewBot creates the orchestrator. metricsAddr may be empty to disable the
// metrics endpoint.
func NewBot(logger *zap.Logger, gateway Gateway, scheduler *Scheduler, drainer Drainer, metricsAddr string) *Bot {
	return &Bot{
		logger:      logger.With(zap.String("component", "bot_orchestrator")),
		gateway:     gateway,
		scheduler:   scheduler,
		drainer:     drainer,
		metricsAddr: metricsAddr,
	}
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("Starting bot orchestrator")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := b.gateway.Open(); err != nil {
			return fmt.Errorf("failed to open discord gateway: %w", err)
		}
		b.logger.Info("Discord gateway open")

		<-gCtx.Done()
		if err := b.gateway.Close(); err != nil {
			b.logger.Warn("Error closing discord gateway", zap.Error(err))
		}
		return nil
	})

	if b.scheduler != nil {
		g.Go(func() error {
			if err := b.scheduler.Start(gCtx); err != nil {
				return fmt.Errorf("failed to start scheduler: %w", err)
			}
			<-gCtx.Done()
			if err := b.scheduler.Stop(); err != nil {
				b.logger.Error("Error stopping scheduler", zap.Error(err))
			}
			return nil
		})
	}

	if b.metricsAddr != "" {
		g.Go(func() error { return b.serveMetrics(gCtx) })
	}

	err := g.Wait()
	if b.drainer != nil {
		b.drainer.Wait()
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error("Bot orchestrator stopped due to error", zap.Error(err))
		return err
	}
	b.logger.Info("Bot orchestrator stopped gracefully")
	return nil
}

func (b *Bot) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: b.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("Serving metrics", zap.String("addr", b.metricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
