package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trialsage/api/internal/app"
	"trialsage/api/internal/authpw"
	"trialsage/api/internal/blob"
	"trialsage/api/internal/config"
	"trialsage/api/internal/email"
	"trialsage/api/internal/notify"
	"trialsage/api/internal/qc"
	"trialsage/api/internal/refmodel"
	"trialsage/api/internal/search"
	"trialsage/api/internal/session"
	"trialsage/api/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	pg := store.NewPostgresStore(db)

	// Refresh sessions live in Redis; Postgres keeps the lights on when
	// Redis is unreachable at boot.
	var sessions interface {
		SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
		LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
		RevokeRefreshSession(ctx context.Context, tokenHash string) error
	}
	redisSessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Printf("redis sessions unavailable, using postgres: %v", err)
		sessions = pg
	} else {
		defer redisSessions.Close()
		sessions = redisSessions
	}

	var blobs *blob.Store
	blobs, err = blob.NewStore(ctx, blob.Options{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		log.Printf("object storage unavailable, attachments disabled: %v", err)
		blobs = nil
	}

	meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	pgfts := search.NewPgFTS(db)
	searchService := search.NewService(meiliClient, pgfts)

	broker := notify.NewBroker(32)
	publishers := notify.Fanout{broker}
	redisPublisher, err := notify.NewRedisPublisher(cfg.RedisURL, cfg.QCChannel)
	if err != nil {
		log.Printf("redis publisher unavailable, qc events stay in-process: %v", err)
	} else {
		defer redisPublisher.Close()
		publishers = append(publishers, redisPublisher)
	}

	emailService := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	service := app.New(cfg, app.Options{
		Store:     pg,
		Sessions:  sessions,
		Passwords: authpw.NewService(pg),
		RefModel:  refmodel.NewService(pg),
		Search:    searchService,
		Blobs:     blobs,
		Email:     emailService,
		Publisher: publishers,
		Subscribe: func() (<-chan qc.Event, func()) { return broker.Subscribe() },
	})

	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("bootstrap: %v", err)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
