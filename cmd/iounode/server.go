package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mmynk/iouflow/internal/auth"
	"github.com/mmynk/iouflow/internal/config"
	"github.com/mmynk/iouflow/internal/flow"
	"github.com/mmynk/iouflow/internal/identity"
	"github.com/mmynk/iouflow/internal/metrics"
	"github.com/mmynk/iouflow/internal/middleware"
	"github.com/mmynk/iouflow/internal/models"
	"github.com/mmynk/iouflow/internal/notary"
	"github.com/mmynk/iouflow/internal/service"
	"github.com/mmynk/iouflow/internal/storage"
	"github.com/mmynk/iouflow/internal/storage/leveldb"
	"github.com/mmynk/iouflow/internal/storage/sqlite"
	"github.com/mmynk/iouflow/internal/transport"
	"github.com/mmynk/iouflow/internal/transport/connectrpc"
)

const (
	peerTokenDuration    = 5 * time.Minute
	controlTokenDuration = time.Hour
	shutdownTimeout      = 10 * time.Second
)

var serveCommand = &cli.Command{
	Name:   "serve",
	Usage:  "run a participant node",
	Flags:  []cli.Flag{passphraseFlag},
	Action: serve,
}

var notaryCommand = &cli.Command{
	Name:   "notary",
	Usage:  "run the notary",
	Flags:  []cli.Flag{passphraseFlag},
	Action: serveNotary,
}

// loadKeys decrypts the local key and registers every configured public key.
func loadKeys(cfg *config.Config, passphrase string) (*identity.Keyring, error) {
	keys := identity.NewKeyring()
	party, err := identity.LoadInto(keys, cfg.KeyFile, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to load key %s: %w", cfg.KeyFile, err)
	}
	if party != models.Party(cfg.Party) {
		return nil, fmt.Errorf("%w: key file belongs to %s, config says %s", config.ErrInvalidConfig, party, cfg.Party)
	}
	for _, p := range append(append([]config.PeerConfig{}, cfg.Notaries...), cfg.Peers...) {
		if models.Party(p.Party) == party {
			continue
		}
		if err := keys.AddPublicBase64(models.Party(p.Party), p.PublicKey); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.ValidateNode(); err != nil {
		return err
	}
	policy, err := flow.ParseFinalityPolicy(cfg.Protocol.FinalityPolicy)
	if err != nil {
		return err
	}
	keys, err := loadKeys(cfg, c.String(passphraseFlag.Name))
	if err != nil {
		return err
	}
	self := models.Party(cfg.Party)
	tokens := identity.NewTokenManager(keys, peerTokenDuration)

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()
	slog.Info("Storage initialized", "database", cfg.DBPath)

	reg := newRegistry()
	m := metrics.New(reg)
	httpClient := &http.Client{}

	peers := make(map[models.Party]string, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers[models.Party(p.Party)] = p.URL
	}
	sender := connectrpc.NewSender(self, tokens, httpClient, peers)
	sessions := transport.NewMux(self, sender)
	defer sessions.Close()

	notaryParty := models.Party(cfg.NotaryParty())
	authority := notary.NewClient(httpClient, cfg.Notaries[0].URL,
		middleware.JSONCodec(),
		connect.WithInterceptors(middleware.PeerCredentials(tokens, self, notaryParty)),
	)

	notaries := make([]models.Party, 0, len(cfg.Notaries))
	for _, n := range cfg.Notaries {
		notaries = append(notaries, models.Party(n.Party))
	}
	node, err := flow.NewNode(keys, store, sessions, authority, flow.Options{
		Notaries:        notaries,
		SessionTimeout:  cfg.Protocol.SessionTimeout.Duration,
		FinalityTimeout: cfg.Protocol.FinalityTimeout.Duration,
		AckTimeout:      cfg.Protocol.AckTimeout.Duration,
		Policy:          policy,
		QueryAttempts:   cfg.Protocol.QueryAttempts,
		QueryInterval:   cfg.Protocol.QueryInterval.Duration,
		Metrics:         m,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	sessionPath, sessionHandler := connectrpc.NewHandler(sessions,
		middleware.JSONCodec(),
		connect.WithInterceptors(middleware.LoggingInterceptor("session"), middleware.RequirePeer(tokens, self)),
	)
	mux.Handle(sessionPath, sessionHandler)

	if cfg.ControlSecret != "" {
		jwtManager := auth.NewJWTManager(cfg.ControlSecret, cfg.Party, controlTokenDuration)
		controlPath, controlHandler := service.NewIOUServiceHandler(service.NewIOUService(node),
			middleware.JSONCodec(),
			connect.WithInterceptors(middleware.LoggingInterceptor("control"), middleware.RequireOperator(jwtManager)),
		)
		mux.Handle(controlPath, controlHandler)
	} else {
		slog.Warn("No control secret configured, control API disabled")
	}
	mux.Handle("/metrics", metrics.Handler(reg))

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	served := make(chan error, 1)
	go func() { served <- node.Serve(ctx) }()

	if err := listen(ctx, cfg.Listen, mux); err != nil {
		return err
	}
	sessions.Close()
	return <-served
}

func serveNotary(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.ValidateNotary(); err != nil {
		return err
	}
	keys, err := loadKeys(cfg, c.String(passphraseFlag.Name))
	if err != nil {
		return err
	}
	self := models.Party(cfg.Party)

	store, err := openNotaryStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := newRegistry()
	authority := notary.NewService(self, keys, store, metrics.New(reg))
	tokens := identity.NewTokenManager(keys, peerTokenDuration)

	mux := http.NewServeMux()
	path, handler := notary.NewHandler(authority,
		middleware.JSONCodec(),
		connect.WithInterceptors(middleware.LoggingInterceptor("notary"), middleware.RequirePeer(tokens, self)),
	)
	mux.Handle(path, handler)
	mux.Handle("/metrics", metrics.Handler(reg))

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return listen(ctx, cfg.Listen, mux)
}

func openNotaryStore(cfg *config.Config) (storage.NotaryStore, error) {
	switch cfg.Notary.Backend {
	case "leveldb":
		db, err := leveldb.New(cfg.DBPath, cfg.Notary.Cache, cfg.Notary.Handles)
		if err != nil {
			return nil, fmt.Errorf("failed to open notary index: %w", err)
		}
		return db, nil
	default:
		db, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open notary index: %w", err)
		}
		slog.Info("Storage initialized", "database", cfg.DBPath)
		return db, nil
	}
}

// listen serves h over h2c until ctx is done, then shuts down gracefully.
func listen(ctx context.Context, addr string, h http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(h, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("Connect server starting", "address", addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down", "address", addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}
