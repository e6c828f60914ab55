package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bawaal/callkit/internal/adapters/backend"
	"github.com/bawaal/callkit/internal/adapters/httpapi"
	"github.com/bawaal/callkit/internal/adapters/media"
	"github.com/bawaal/callkit/internal/adapters/rtc"
	"github.com/bawaal/callkit/internal/app"
	"github.com/bawaal/callkit/internal/config"
	"github.com/bawaal/callkit/internal/core"
	"github.com/bawaal/callkit/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	client := backend.NewClient(cfg.Backend.URL, cfg.Backend.AnonKey)
	if cfg.Backend.AuthToken != "" {
		client.SetAuthToken(cfg.Backend.AuthToken)
	}

	rt, err := backend.Dial(ctx, cfg.Backend.RealtimeURL, cfg.Backend.AnonKey)
	if err != nil {
		log.Fatal().Err(err).Msg("realtime dial failed")
	}
	defer rt.Close()

	devices, err := media.New(media.Config{
		Width:     cfg.Media.Width,
		Height:    cfg.Media.Height,
		FrameRate: cfg.Media.FrameRate,
		BitRate:   cfg.Media.BitRate,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("media device setup failed")
	}

	newConn := func(ctx context.Context) (core.MediaConnection, error) {
		return rtc.New(rtc.DefaultConfig(cfg.Stun), devices, nil)
	}

	mgr := app.NewManager(app.Deps{
		Calls:       client,
		Convs:       client,
		Users:       client,
		Realtime:    rt,
		Devices:     devices,
		NewConn:     newConn,
		RingTimeout: cfg.Call.RingTimeout,
	})

	if err := mgr.Start(ctx, domain.UserID(cfg.Identity)); err != nil {
		log.Fatal().Err(err).Msg("call manager start failed")
	}
	defer mgr.Stop()

	r := httpapi.SetupRouter(cfg, mgr)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("user", cfg.Identity).Msg("callkit started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
