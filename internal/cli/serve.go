package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scalytics/tellerline/internal/bus"
	"github.com/scalytics/tellerline/internal/config"
	"github.com/scalytics/tellerline/internal/httpapi"
	"github.com/scalytics/tellerline/internal/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP intake, bus workers and delivery retries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	printHeader("🏦 tellerline Supervisor")
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Background task failed", "task", name, "error", err)
			}
		}()
	}

	spawn("bus", func(ctx context.Context) error {
		rt.sup.Serve(ctx, rt.bus, cfg.Gateway.Workers)
		return nil
	})
	spawn("delivery", supervisor.NewDeliveryWorker(rt.sup).Run)

	if rt.whatsapp != nil {
		if err := rt.whatsapp.Start(ctx); err != nil {
			return fmt.Errorf("start whatsapp: %w", err)
		}
		defer func() { _ = rt.whatsapp.Stop() }()
	}
	if cfg.Inbound.KafkaEnabled {
		src, err := bus.NewKafkaSource(cfg.Inbound.KafkaBrokers, cfg.Inbound.KafkaTopic, cfg.Inbound.KafkaGroupID, rt.bus)
		if err != nil {
			return err
		}
		spawn("kafka", src.Run)
	}

	addr := net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpapi.New(rt.sup, rt.timeline, rt.metrics, cfg.Gateway.AuthToken).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP intake listening", "addr", addr, "workers", cfg.Gateway.Workers, "auth", cfg.Gateway.AuthToken != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
	case err := <-errCh:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	stop()
	wg.Wait()
	return nil
}
