package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/uruchat/chatd/internal/auth"
	"github.com/uruchat/chatd/internal/chatstore"
	chatpostgres "github.com/uruchat/chatd/internal/chatstore/postgres"
	chatsqlite "github.com/uruchat/chatd/internal/chatstore/sqlite"
	"github.com/uruchat/chatd/internal/config"
	"github.com/uruchat/chatd/internal/httpserver"
	"github.com/uruchat/chatd/internal/logging"
	"github.com/uruchat/chatd/internal/metrics"
	"github.com/uruchat/chatd/internal/pricing"
	"github.com/uruchat/chatd/internal/provider"
	"github.com/uruchat/chatd/internal/provider/anthropic"
	"github.com/uruchat/chatd/internal/provider/loopback"
	"github.com/uruchat/chatd/internal/provider/openai"
	"github.com/uruchat/chatd/internal/session"
	"github.com/uruchat/chatd/internal/usageledger"
	ledgerasync "github.com/uruchat/chatd/internal/usageledger/async"
	ledgersqlite "github.com/uruchat/chatd/internal/usageledger/sqlite"
	"github.com/uruchat/chatd/internal/userstore"
	userpostgres "github.com/uruchat/chatd/internal/userstore/postgres"
	usersqlite "github.com/uruchat/chatd/internal/userstore/sqlite"
)

const localUserEmail = "local@chatd"

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	closer, err := logging.Setup("[chatd] ", cfg.LogFile)
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}
	if closer != nil {
		defer closer.Close()
	}

	ctx := context.Background()

	store, err := openChatStore(cfg)
	if err != nil {
		log.Fatalf("open chat store: %v", err)
	}
	defer store.Close()

	identity, err := openIdentityStore(cfg)
	if err != nil {
		log.Fatalf("open identity store: %v", err)
	}
	defer identity.Close()

	var ledger usageledger.Store
	if cfg.LedgerEnabled {
		base, err := ledgersqlite.New(cfg.LedgerPath)
		if err != nil {
			log.Fatalf("open usage ledger: %v", err)
		}
		async := ledgerasync.New(base, ledgerasync.Config{Logger: logging.Sub("[chatd/ledger] ")})
		defer async.Close()
		ledger = async
	} else {
		log.Printf("usage ledger disabled by configuration")
	}

	prices := pricing.Default()
	if strings.TrimSpace(cfg.PricingFile) != "" {
		if err := prices.LoadFile(cfg.PricingFile); err != nil {
			log.Fatalf("load pricing overlay: %v", err)
		}
	}

	registry := provider.NewRegistry()
	if err := registry.Register(openai.New(openai.Config{BaseURL: cfg.OpenAIBaseURL})); err != nil {
		log.Fatalf("register openai provider: %v", err)
	}
	if err := registry.Register(anthropic.New(anthropic.Config{
		BaseURL: cfg.AnthropicBaseURL,
		Version: cfg.AnthropicVersion,
	})); err != nil {
		log.Fatalf("register anthropic provider: %v", err)
	}
	if cfg.LoopbackEnabled {
		if err := registry.Register(loopback.New()); err != nil {
			log.Fatalf("register loopback provider: %v", err)
		}
	}
	registry.Seal()
	log.Printf("providers registered: %v default=%s", registry.Names(), cfg.DefaultProvider)

	collector := metrics.NewCollector()

	engine := session.NewEngine(store, ledger, registry, prices, collector,
		logging.Sub("[chatd/session] "), session.Config{
			MaxMessageChars: cfg.MaxMessageChars,
			HistoryLimit:    cfg.HistoryLimit,
			StreamTimeout:   cfg.StreamTimeout,
			DefaultProvider: cfg.DefaultProvider,
		})

	var authManager *auth.Manager
	if !cfg.AuthDisabled {
		authManager = auth.NewManager(cfg.AuthSecret)
	} else {
		log.Printf("authorization disabled: requests act as the local user")
	}

	var defaultUser *userstore.User
	if cfg.AuthDisabled {
		defaultUser, err = identity.EnsureUser(ctx, localUserEmail)
		if err != nil {
			log.Fatalf("ensure local user: %v", err)
		}
	}

	httpSrv, err := httpserver.New(httpserver.Options{
		Engine:       engine,
		Store:        store,
		Ledger:       ledger,
		Providers:    registry,
		Prices:       prices,
		Auth:         authManager,
		Identity:     identity,
		Collector:    collector,
		Logger:       logging.Sub("[chatd/http] "),
		AuthDisabled: cfg.AuthDisabled,
		DefaultUser:  defaultUser,
		SessionTTL:   cfg.SessionTTL,
	})
	if err != nil {
		log.Fatalf("build http server: %v", err)
	}

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     httpSrv.Router(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: SSE responses stay open for the whole stream.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("chatd listening on %s env=%s backend=%s log_level=%s",
			cfg.ListenAddr, cfg.Environment, cfg.StoreBackend, cfg.LogLevel)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func openChatStore(cfg config.ServerConfig) (chatstore.Store, error) {
	if cfg.StoreBackend == "postgres" {
		return chatpostgres.New(cfg.ChatDBDSN, 10, 5, 30)
	}
	return chatsqlite.New(cfg.ChatDBPath)
}

func openIdentityStore(cfg config.ServerConfig) (userstore.Store, error) {
	if cfg.StoreBackend == "postgres" && strings.TrimSpace(cfg.IdentityDSN) != "" {
		return userpostgres.New(cfg.IdentityDSN)
	}
	return usersqlite.New(cfg.IdentityPath)
}
