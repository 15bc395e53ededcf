package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"sorte-pix-app/internal/checkout"
	"sorte-pix-app/internal/config"
	"sorte-pix-app/internal/db"
	"sorte-pix-app/internal/funnel"
	"sorte-pix-app/internal/gateway"
	"sorte-pix-app/internal/handlers"
	"sorte-pix-app/internal/ledger"
	"sorte-pix-app/internal/middleware"
	"sorte-pix-app/internal/services"
	"sorte-pix-app/internal/store"
	"sorte-pix-app/internal/tracking"
)

func migrate(cfg config.Config) error {
	conn, err := db.Open(cfg.DatabaseURL, cfg.AuthToken)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer conn.Close()

	if err := db.Migrate(conn); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Println("Database migrated")
	return nil
}

// openStore picks Redis when REDIS_ADDR is set, memory for DATABASE_URL=memory,
// else the SQL database. The returned func releases whatever was opened.
func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	if cfg.DatabaseURL == "memory" && cfg.RedisAddr == "" {
		log.Println("Storage: in memory, data is lost on restart")
		return store.NewMemory(), func() {}, nil
	}
	if cfg.RedisAddr != "" {
		r, err := store.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		log.Printf("Storage: redis at %s", cfg.RedisAddr)
		return r, func() { _ = r.Close() }, nil
	}

	conn, err := db.Open(cfg.DatabaseURL, cfg.AuthToken)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	log.Println("Storage: database initialized")
	return store.NewSQL(conn), func() { closeDB(conn) }, nil
}

func closeDB(conn *sql.DB) {
	if err := conn.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}
}

func sessionKey(cfg config.Config) []byte {
	if cfg.SessionSecret != "" {
		return []byte(cfg.SessionSecret)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		log.Fatal("Failed to generate session key:", err)
	}
	return key
}

func notifier(ctx context.Context, cfg config.Config) checkout.Notifier {
	if cfg.TelegramToken == "" {
		return services.Noop{}
	}
	tg, err := services.NewTelegram(cfg.TelegramToken, cfg.TelegramAdminChatID)
	if err != nil {
		log.Printf("Warning: Failed to init Telegram bot: %v", err)
		return services.Noop{}
	}
	// picks up /start from the admin
	go tg.Listen(ctx)
	return tg
}

func serve(c *cli.Context, cfg config.Config) error {
	if p := c.String("port"); p != "" {
		cfg.Port = p
	}
	for _, w := range cfg.Warnings() {
		log.Println("Warning:", w)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Init Storage
	kv, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// 2. Init Telegram Bot
	notify := notifier(ctx, cfg)

	// 3. Gateway, funnel and checkout
	gw := gateway.New(gateway.Config{
		BaseURL:   cfg.GatewayURL,
		APIKey:    cfg.GatewayKey,
		UserAgent: cfg.GatewayUserAgent,
	})

	emitter := funnel.New(
		funnel.NewHTTPSink("pixel", cfg.PixelEndpoint, cfg.PixelToken),
		funnel.NewHTTPSink("conversion", cfg.ConversionEndpoint, cfg.ConversionToken),
		funnel.Options{},
	)
	defer emitter.Close()

	opts := checkout.DefaultOptions()
	opts.PollInterval = cfg.PollInterval
	opts.DisplayDelay = cfg.DisplayDelay
	opts.MaxPollDuration = cfg.MaxPollDuration

	l := ledger.New(kv)
	manager := checkout.NewManager(checkout.NewService(gw, l, emitter, notify, opts))
	defer manager.CloseAll()
	go manager.Janitor(ctx, time.Minute, cfg.SessionIdle)

	// 4. Setup Router
	h := handlers.New(handlers.Deps{
		Gateway:  gw,
		Manager:  manager,
		Ledger:   l,
		Sessions: middleware.NewSessions(cfg.SecureCookies, sessionKey(cfg)),
		Tracking: tracking.NewStore(kv),
		Events:   emitter,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           h.Router(cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 5. Start
	errc := make(chan error, 1)
	go func() {
		log.Printf("Servidor rodando em http://localhost:%s", cfg.Port)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Println("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
