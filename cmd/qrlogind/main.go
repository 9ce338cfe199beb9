// Command qrlogind serves QR-scan login sessions: a browser holds an SSE
// stream bound to a single-use scene identifier while the vendor webhook
// reports the matching mobile scan.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/qrlogin/qrlogin-go/internal/config"
	"github.com/qrlogin/qrlogin-go/internal/correlation"
	"github.com/qrlogin/qrlogin-go/internal/engine"
	"github.com/qrlogin/qrlogin-go/internal/httpapi"
	"github.com/qrlogin/qrlogin-go/internal/logctx"
	"github.com/qrlogin/qrlogin-go/internal/pool"
	"github.com/qrlogin/qrlogin-go/internal/wechat"
)

var (
	_ pool.Issuer         = (*wechat.Client)(nil)
	_ engine.ScanRegistry = (*correlation.Registry[engine.ScanEvent])(nil)
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config.load.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}

	log := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := wechat.New(cfg.AppID, cfg.AppSecret,
		wechat.WithBaseURL(cfg.APIBase),
		wechat.WithRateLimit(cfg.RateLimit),
		wechat.WithTicketTTL(cfg.SceneTTL),
		wechat.WithLogger(log))

	p := pool.New(client,
		pool.WithTTL(cfg.SceneTTL),
		pool.WithRetryPolicy(cfg.MaxRetries, cfg.RetryDelay),
		pool.WithLogger(log))

	// A cold vendor or bad credentials must not stop the service: sessions
	// fall back to on-demand minting when the warm set is empty.
	log.InfoContext(ctx, "pool.warm.start", slog.Int("count", cfg.WarmCount))
	warmCtx, cancelWarm := context.WithTimeout(ctx, time.Minute)
	p.Warm(warmCtx, cfg.WarmCount)
	cancelWarm()
	available, total := p.Stats()
	log.InfoContext(ctx, "pool.warm.done", slog.Int("available", available), slog.Int("total", total))

	reg := correlation.NewRegistry[engine.ScanEvent]()
	eng := engine.New(p, reg, cfg.SessionBudget,
		engine.WithLogger(log),
		engine.WithTimeoutNotice(cfg.TimeoutNotice))

	h := httpapi.New(eng, p, cfg.APIToken, cfg.MPToken, httpapi.WithLogger(log))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		// WriteTimeout stays zero: SSE responses outlive any fixed limit.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.InfoContext(ctx, "server.listen", slog.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.ErrorContext(ctx, "server.fail", slog.String("err", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("server.shutdown.start")

	// Live sessions drain within the session budget; give them room.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.SessionBudget+10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server.shutdown.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}
	log.Info("server.shutdown.done")
}
