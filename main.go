package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"

	"darkreel/api"
	"darkreel/config"
	"darkreel/handlers"
	"darkreel/internal/database"
	"darkreel/services/authflow"
	"darkreel/services/msgraph"
	"darkreel/services/sessions"
	"darkreel/services/sharepoint"
	"darkreel/services/tokens"
	"darkreel/utils"
)

// sweepInterval is how often the background session cleanup runs.
const sweepInterval = 1 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	if cfg.LogPath != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   cfg.LogPath,
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}

	store, closeStore, err := newStore(cfg)
	if err != nil {
		log.Fatalf("failed to open session store: %v", err)
	}
	defer closeStore()

	identity := msgraph.NewClient(msgraph.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TenantID:     cfg.TenantID,
		RedirectURI:  cfg.RedirectURI,
		Scopes:       cfg.Scopes,
	})
	directory := sharepoint.NewService(cfg.SPSiteURL, cfg.SPLogListID, cfg.SPAdminListID)
	tokenSvc := tokens.NewService(store, identity, cfg.RefreshSkew)
	flow := authflow.NewService(store, identity, directory, directory, cfg.DomainAllowed)

	authHandler := handlers.NewAuthHandler(store, flow, tokenSvc, cfg.SessionMaxIdle, cfg.SecureCookies)
	adminHandler := handlers.NewAdminHandler(store, cfg.SweepMaxAge())

	loginLimiter := api.NewLoginLimiter(rate.Every(6*time.Second), 10)

	router := utils.NewRouter()
	router.HandleFunc("/auth/login", loginLimiter.Limit(authHandler.Login)).Methods(http.MethodGet)
	router.HandleFunc("/auth/redirect", authHandler.Callback).Methods(http.MethodGet)
	router.HandleFunc("/auth/logout", authHandler.Logout).Methods(http.MethodGet, http.MethodPost)
	router.HandleFunc("/auth/ping", authHandler.Ping).Methods(http.MethodGet)

	protected := router.PathPrefix("/auth").Subrouter()
	protected.Use(api.RequireSession(store, tokenSvc, cfg.SecureCookies))
	protected.HandleFunc("/me", authHandler.Me).Methods(http.MethodGet)

	admin := router.PathPrefix("/api/admin").Subrouter()
	admin.Use(api.RequireSession(store, tokenSvc, cfg.SecureCookies))
	admin.Use(api.RequirePrivileged())
	admin.HandleFunc("/sweep", adminHandler.Sweep).Methods(http.MethodPost)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// One sweep at startup clears anything that died while we were down,
	// then the loop keeps the store bounded.
	var wg conc.WaitGroup
	wg.Go(func() { sweepLoop(ctx, store, cfg.SweepMaxAge()) })

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	wg.Go(func() {
		log.Printf("listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("server error: %v", err)
			stop()
		}
	})

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	wg.Wait()
}

// newStore selects the configured session backend.
func newStore(cfg *config.Config) (sessions.Store, func(), error) {
	switch cfg.SessionBackend {
	case "sqlite":
		db, err := database.NewDB(database.Config{DatabasePath: cfg.DatabasePath})
		if err != nil {
			return nil, nil, err
		}
		return database.NewSessionRepository(db.Connection()), func() { db.Close() }, nil
	default:
		store, err := sessions.NewService(cfg.StorageDir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}

func sweepLoop(ctx context.Context, store sessions.Store, maxAge time.Duration) {
	runSweep(store, maxAge)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runSweep(store, maxAge)
		}
	}
}

func runSweep(store sessions.Store, maxAge time.Duration) {
	deleted, err := store.Sweep(time.Now().UTC(), maxAge)
	if err != nil {
		log.Printf("session sweep failed: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("session sweep removed %d stale records", deleted)
	}
}
