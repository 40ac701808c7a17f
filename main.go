package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"log"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"studyhall/internal/assist"
	"studyhall/internal/auth"
	"studyhall/internal/chat"
	"studyhall/internal/commands"
	"studyhall/internal/config"
	"studyhall/internal/http"
	"studyhall/internal/notify"
	"studyhall/internal/presence"
	"studyhall/internal/storage"
	"studyhall/internal/webcache"
	"studyhall/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, addUser string) error {
	cfg, err := config.Load(addUser != "")
	if err != nil {
		return err
	}

	if addUser != "" {
		return commands.AddUser(addUser, cfg)
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}, bbStorage)
	if err != nil {
		return err
	}

	tracker := presence.NewTracker(presence.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		FreshWindow:       cfg.FreshWindow,
		StaleThreshold:    cfg.StaleThreshold,
	}, bbStorage)

	dispatcher := notify.NewDispatcher(notify.Config{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subscriber:      cfg.VAPIDSubscriber,
	}, bbStorage, bbStorage)

	var digest *notify.Digest
	if cfg.EmailEndpoint != "" {
		email := notify.NewEmailClient(notify.EmailConfig{
			Endpoint:   cfg.EmailEndpoint,
			ServiceID:  cfg.EmailServiceID,
			TemplateID: cfg.EmailTemplateID,
			PublicKey:  cfg.EmailPublicKey,
		})
		digest = notify.NewDigest(bbStorage, email, cfg.BaseURL, cfg.DigestSendGap)
	}

	assistClient, err := assist.New(assist.Config{
		Provider: cfg.AssistProvider,
		Endpoint: cfg.AssistEndpoint,
		APIKey:   cfg.AssistAPIKey,
		Model:    cfg.AssistModel,
	})
	if err != nil {
		return err
	}

	siteHandler := oshttp.FileServer(oshttp.Dir(cfg.SiteDir))
	engine, err := webcache.New(webcache.Config{
		Version:     cfg.CacheVersion,
		Policy:      cfg.CachePolicy,
		OfflinePath: cfg.OfflinePath,
		Precache:    cfg.PrecachePaths,
		Revalidate:  cfg.RevalidatePaths,
		Fetcher:     webcache.HandlerFetcher(siteHandler),
	})
	if err != nil {
		return err
	}
	engine.Install(ctx)
	engine.Activate()

	// The hub and push dispatcher both consume chat events; the hub is
	// created after the service, so bind it through the closure.
	var hub *ws.Hub
	chatService := chat.New(chat.Config{
		EventCallback: func(ev chat.Event) {
			if hub != nil {
				hub.HandleEvent(ev)
			}
			if cfg.VAPIDPrivateKey != "" {
				dispatcher.HandleEvent(ctx, ev)
			}
		},
	}, bbStorage)
	hub = ws.NewHub(chatService, tracker, bbStorage)

	adminServer := http.NewAdminServer(authService, chatService, tracker, digest, engine, bbStorage, cfg.BaseURL, cfg.AdminAddr)
	apiServer := http.NewAPIServer(authService, chatService, tracker, assistClient, bbStorage, hub, webcache.NewGateway(engine, siteHandler), cfg.APIAddr)

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

	// Roster fan-out to connected sockets.
	g.Go(func() error {
		return hub.Run(gCtx)
	})

	// Periodic stale-presence sweep.
	g.Go(func() error {
		return runSweep(gCtx, tracker, cfg.SweepInterval)
	})

	if digest != nil {
		g.Go(func() error {
			return runDigest(gCtx, digest, cfg.DigestHour, cfg.DigestTimezone)
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		engine.Drain()
		return nil
	})

	return g.Wait()
}

func runSweep(ctx context.Context, tracker *presence.Tracker, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, _, err := tracker.Sweep(ctx); err != nil {
				slog.Error("presence sweep failed", "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// runDigest fires the welcome-email batch once a day at the configured
// local hour.
func runDigest(ctx context.Context, digest *notify.Digest, hour int, tz string) error {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return err
	}

	for {
		wait := time.Until(nextDigestTime(time.Now().In(loc), hour))
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			if _, _, err := digest.Run(ctx); err != nil {
				slog.Error("digest run failed", "error", err)
			}
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

func nextDigestTime(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func main() {
	addUser := flag.String("add-user", "", "Username to create (prints the setup link)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addUser); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
