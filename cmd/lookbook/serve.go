package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/lookbook-bot/internal/album"
	"github.com/fpang/lookbook-bot/internal/api"
	"github.com/fpang/lookbook-bot/internal/artifact"
	"github.com/fpang/lookbook-bot/internal/awsboot"
	"github.com/fpang/lookbook-bot/internal/logging"
	"github.com/fpang/lookbook-bot/internal/orchestrator"
	"github.com/fpang/lookbook-bot/internal/payments"
	"github.com/fpang/lookbook-bot/internal/telegram"
	"github.com/fpang/lookbook-bot/internal/webhook"
)

var shutdownTimeoutFlag time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, album aggregator and generation workers",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&shutdownTimeoutFlag, "shutdown-timeout", 30*time.Second, "How long to wait for in-flight generations on shutdown")
}

// chat is the bot-facing side: file resolution and delivery.
type chat interface {
	orchestrator.FileResolver
	orchestrator.Sink
}

type logChat struct {
	telegram.PassthroughFiles
	telegram.LogSink
}

func runServe(cmd *cobra.Command, args []string) error {
	initStart := time.Now()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, aws, err := bootLedger(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	var bot chat = logChat{}
	if cfg.BotToken != "" {
		bot = telegram.NewClient(cfg.BotToken, "")
	} else {
		log.Warn().Msg("BOT_TOKEN not set, deliveries go to the log")
	}

	opts := orchestrator.Options{
		Mock:                cfg.Mock(),
		MockDemoFile:        cfg.MockDemoFile,
		Welcome:             cfg.WelcomeCredits,
		CaptionAsPrompt:     cfg.CaptionAsPrompt,
		ShowPromptInCaption: cfg.ShowPromptInCaption,
		ScenesLimit:         cfg.Kie.ScenesLimit,
		PollTimeout:         cfg.Kie.PollTimeout,
		PollInterval:        cfg.Kie.PollInterval,
	}
	if aws != nil {
		if archiver := awsboot.S3Archiver(aws.Config, cfg.ArchiveBucket); archiver != nil {
			opts.Archiver = archiver
		}
	}

	orch := orchestrator.New(store, bot, bot, newKieClient(cfg), artifact.NewRetriever(cfg.WorkDir), opts)
	albums := album.New(cfg.AlbumWindow, orch.HandleAlbum)

	deps := api.Deps{
		Store:      store,
		Submitter:  orch,
		Albums:     albums,
		Welcome:    cfg.WelcomeCredits,
		Currency:   cfg.Currency,
		AdminToken: cfg.AdminToken,
	}
	yk := newYooKassa(cfg)
	if yk.Enabled() {
		reconciler := payments.NewReconciler(store, yk)
		deps.Seller = payments.NewCheckout(yk, store, cfg.Packs(), cfg.Currency)
		deps.Reconciler = reconciler
		deps.Webhook = webhook.NewHandler(cfg.WebhookSecret, reconciler, func(ctx context.Context, out payments.Outcome) {
			if out.Kind == payments.OutcomeCredited {
				if err := bot.SendText(context.WithoutCancel(ctx), out.UserID, out.Message()); err != nil {
					log.Warn().Err(err).Int64("userId", out.UserID).Msg("Failed to notify payer")
				}
			}
		})
	} else {
		log.Warn().Msg("YooKassa credentials not configured, payments disabled")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logging.NewStartupLogger("serve").
		Version(version).
		StoreDriver(cfg.Store.Driver).
		S3Bucket("archive", cfg.ArchiveBucket).
		SSMParam("kieApiKey", cfg.Kie.APIKeySSM).
		SSMParam("ykSecret", cfg.YooKassa.SecretSSM).
		SSMParam("botToken", cfg.BotTokenSSMParam).
		Feature("mock", cfg.Mock()).
		Feature("telegram", cfg.BotToken != "").
		Feature("payments", yk.Enabled()).
		Feature("webhookSignature", cfg.WebhookSecret != "").
		Feature("captionAsPrompt", cfg.CaptionAsPrompt).
		Config("httpAddr", cfg.HTTPAddr).
		Config("kieModel", cfg.Kie.Model).
		Config("albumWindow", cfg.AlbumWindow.String()).
		Config("pollTimeout", cfg.Kie.PollTimeout.String()).
		Config("welcomeCredits", strconv.FormatInt(cfg.WelcomeCredits, 10)).
		Config("workDir", cfg.WorkDir).
		InitDuration(time.Since(initStart)).
		Log()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeoutFlag)
	defer cancel()

	// Stop intake first so no new submissions race the drain below.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}
	if err := albums.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Album flushes did not finish before the deadline")
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Generations did not finish before the deadline")
	}
	log.Info().Msg("Shutdown complete")
	return nil
}
