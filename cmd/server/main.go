// Command server is the process entrypoint: it loads configuration,
// constructs every collaborator exactly once, wires them together with
// no cyclic ownership (main owns everything; the worker and the HTTP
// surface hold only the narrow interfaces they need), and runs until
// signaled, then shuts down in reverse construction order.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aventus-dev/solgate/configs"
	"github.com/aventus-dev/solgate/internal/chat"
	"github.com/aventus-dev/solgate/internal/db"
	"github.com/aventus-dev/solgate/internal/holdings"
	"github.com/aventus-dev/solgate/internal/httpapi"
	"github.com/aventus-dev/solgate/internal/lock"
	"github.com/aventus-dev/solgate/internal/prices"
	"github.com/aventus-dev/solgate/internal/verify"
	"github.com/aventus-dev/solgate/internal/worker"
	"github.com/aventus-dev/solgate/pkg/solclient"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	flag.Parse()

	log := newLogger()

	cfg, err := configs.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if cfg.Service.IsProduction() {
		log = log.Level(zerolog.InfoLevel)
	} else {
		log = log.Level(zerolog.DebugLevel)
	}

	repo, err := db.NewRepository(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to database")
	}

	sqlDB, err := repo.GetDB().DB()
	if err != nil {
		log.Fatal().Err(err).Msg("obtain underlying sql.DB")
	}
	runLock := lock.NewCoordinator(sqlDB)

	chainClient := solclient.New(cfg.Chain.RPCURL, cfg.Chain.IndexerURL)
	holdingsAdapter := holdings.New(chainClient)

	priceUpstream := prices.NewCoinGeckoClient(cfg.Price.UpstreamBaseURL)
	priceCache := prices.New(repo, priceUpstream)

	chatClient, err := chat.New(cfg.Chat.BotToken)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to chat platform")
	}

	reconciler := worker.New(repo, holdingsAdapter, priceCache, chatClient, runLock, worker.Config{
		ConcurrencyWidth: cfg.Worker.ConcurrencyWidth,
		AuditRetention:   time.Duration(cfg.Worker.AuditRetentionDays) * 24 * time.Hour,
	}, log)

	tokenSigner, err := verify.NewTokenSigner(cfg.Verification.HMACSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("construct token signer")
	}
	verifyService := verify.NewService(repo, tokenSigner, cfg.Verification.BaseURL, reconciler, reconciler)

	scheduler, err := worker.NewScheduler(reconciler, cfg.Worker.CronExpr, cfg.Worker.CleanupCronExpr)
	if err != nil {
		log.Fatal().Err(err).Msg("construct scheduler")
	}
	scheduler.Start()

	httpServer := &http.Server{
		Addr: ":" + cfg.Service.Port,
		Handler: httpapi.NewServer(verifyService, reconciler, httpapi.Config{
			AllowedOrigins: []string{cfg.Verification.BaseURL, cfg.AdminUI.BaseURL},
			InternalSecret: cfg.Verification.InternalAPISecret,
		}, log),
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-waitForShutdownSignal()
	log.Info().Msg("shutdown signal received")

	// Reverse construction order: stop accepting new scheduled work, drain
	// the HTTP surface, then disconnect every external collaborator. The
	// on-demand recheck queue is not drained or waited for before the chat
	// client and the database are closed.
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown")
	}

	if err := chatClient.Close(); err != nil {
		log.Error().Err(err).Msg("close chat client")
	}
	if err := repo.Close(); err != nil {
		log.Error().Err(err).Msg("close database connection")
	}

	log.Info().Msg("shutdown complete")
}

func waitForShutdownSignal() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}
