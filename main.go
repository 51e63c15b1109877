package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parley/internal/api"
	"parley/internal/auth"
	"parley/internal/chat"
	"parley/internal/commands"
	"parley/internal/config"
	"parley/internal/http"
	"parley/internal/models"
	"parley/internal/notify"
	"parley/internal/presence"
	"parley/internal/ratelimit"
	"parley/internal/receipts"
	"parley/internal/storage"
	"parley/internal/typing"
	"parley/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("parley", flag.ContinueOnError)
	addConversation := fs.String("add-conversation", "", "Comma separated participant ids of a conversation to create on the running server")
	kind := fs.String("kind", string(models.ConversationDirect), "Conversation kind for -add-conversation (direct or group)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cliMode := *addConversation != ""
	cfg, err := config.Load(cliMode)
	if err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(log)

	if cliMode {
		participants, err := commands.ParseParticipants(*addConversation)
		if err != nil {
			return err
		}
		_, err = commands.AddConversation(*kind, participants, cfg)
		return err
	}

	verifier, err := auth.NewVerifier(auth.Config{
		Secret:      cfg.AuthSecret,
		TokenExpiry: cfg.TokenExpiry,
	})
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.StorageDriver, cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var hub *ws.Hub
	presenceService := presence.NewService(presence.Config{
		StaleAfter:   cfg.PresenceStaleAfter,
		PersistEvery: cfg.PresencePersistEvery,
		OnChange: func(c presence.Change) {
			hub.Broadcast(ctx, presenceEvent(c))
		},
	}, store, log)
	hub = ws.NewHub(presenceService, cfg.OfflineGrace, log)

	if err := presenceService.Load(ctx); err != nil {
		return err
	}

	routerConfig := chat.Config{IdempotencyTTL: cfg.IdempotencyTTL}
	pushConfig := notify.Config{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subscriber:      cfg.VAPIDSubject,
	}
	if pushConfig.Enabled() {
		routerConfig.Notifier = notify.NewWebPush(pushConfig, store, log)
		log.Info("web push enabled")
	}
	router := chat.NewRouter(ctx, routerConfig, store, hub, log)
	defer router.Wait()

	reads := receipts.New(router)
	reads.OnAdvance = func(conversationID, userID, lastSequence int64) {
		router.AnnounceRead(ctx, conversationID, userID, lastSequence)
	}

	typingTracker := typing.New(cfg.TypingTTL, router, hub, log)
	limiter := ratelimit.New(ratelimit.Config{Window: cfg.RateWindow, Max: cfg.RateMax}, log)

	live := ws.NewServer(ws.ServerConfig{
		AllowedOrigins: cfg.CORSOrigins,
		ChannelBuffer:  cfg.ChannelBuffer,
		BaseContext:    ctx,
	}, hub, router, typingTracker, reads, presenceService, log)

	handlers := api.New(presenceService, router, reads, store, log)
	adminServer := http.NewAdminServer(api.NewAdminHandler(store, presenceService, log), cfg.AdminAddr, log)
	apiServer := http.NewAPIServer(http.APIServerConfig{
		Addr:        cfg.APIAddr,
		CORSOrigins: cfg.CORSOrigins,
	}, handlers, live, verifier, limiter, log)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error { return hub.Run(gCtx, cfg.SweepInterval) })
	g.Go(func() error { return typingTracker.Run(gCtx, cfg.SweepInterval) })
	g.Go(func() error { return limiter.Run(gCtx) })

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Error("admin server shutdown failed", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error("API server shutdown failed", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func presenceEvent(c presence.Change) models.ServerMessage {
	status := c.Status
	msg := models.ServerMessage{UserID: status.UserID, Status: &status}
	switch c.Kind {
	case presence.ChangeOnline:
		msg.Type = models.ServerMessageTypeOnline
	case presence.ChangeOffline:
		msg.Type = models.ServerMessageTypeOffline
	default:
		msg.Type = models.ServerMessageTypeStatus
	}
	return msg
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
