package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/virtuenet/UpCoach-sub002/internal/auth/account"
	httpapi "github.com/virtuenet/UpCoach-sub002/internal/auth/api/http"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/audit"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/identity"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/metrics"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/notify"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/orchestrator"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/passkey"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/ratelimit"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/storage/sqlite"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/token"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/twofactor"
	"github.com/virtuenet/UpCoach-sub002/internal/platform/kv"
)

// Server hosts the authentication service.
type Server struct {
	cfg        Config
	logger     *zap.Logger
	store      *sqlite.Store
	passkeys   *passkey.Service
	httpServer *http.Server
}

// New builds the full service graph from configuration. Verifiers are
// constructed once here and injected; providers without a registered
// client id stay disabled.
func New(cfg Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := openStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	kvStore := newKVStore(cfg)
	recorder := audit.NewRecorder(store, logger)
	limiter := ratelimit.New(kvStore)

	issuer, err := token.NewIssuer(cfg.JWTSecret, cfg.JWTIssuer, store, store, recorder, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	issuer.WithTTLs(time.Hour, cfg.RefreshTTL())

	twoFactor := twofactor.NewService(store, limiter, recorder)
	passkeys, err := passkey.NewService(passkey.LoadConfigFromEnv(), store, store, recorder)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	verifiers := make(map[identity.Provider]identity.Verifier)
	webhookSecrets := make(map[identity.Provider]string)
	if cfg.GoogleWebClientID != "" || cfg.GoogleMobileClientID != "" {
		verifiers[identity.ProviderGoogle] = identity.NewGoogleVerifier(identity.GoogleConfig{
			WebClientID:    cfg.GoogleWebClientID,
			MobileClientID: cfg.GoogleMobileClientID,
		}, kvStore)
	}
	if cfg.AppleWebClientID != "" || cfg.AppleMobileClientID != "" {
		verifiers[identity.ProviderApple] = identity.NewAppleVerifier(identity.AppleConfig{
			WebClientID:    cfg.AppleWebClientID,
			MobileClientID: cfg.AppleMobileClientID,
		}, kvStore)
	}
	if cfg.FacebookAppID != "" && cfg.FacebookAppSecret != "" {
		facebook := identity.NewFacebookVerifier(identity.FacebookConfig{
			AppID:     cfg.FacebookAppID,
			AppSecret: cfg.FacebookAppSecret,
		})
		verifiers[identity.ProviderFacebook] = facebook
		webhookSecrets[identity.ProviderFacebook] = facebook.AppSecret()
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	flows, err := orchestrator.New(orchestrator.Deps{
		Verifiers:      verifiers,
		Accounts:       account.NewService(store),
		Tokens:         issuer,
		Users:          store,
		Limiter:        limiter,
		Recorder:       recorder,
		Mailer:         notify.NewLogMailer(logger),
		SecondFactor:   twoFactor,
		Metrics:        collector,
		Logger:         logger,
		WebhookSecrets: webhookSecrets,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Orchestrator: flows,
		Tokens:       issuer,
		TwoFactor:    twoFactor,
		Passkeys:     passkeys,
		Metrics:      collector,
		Gatherer:     registry,
		Logger:       logger,
	})

	return &Server{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		passkeys: passkeys,
		httpServer: &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run builds and serves a server until the context ends.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	server, err := New(cfg, logger)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve blocks until the listener fails or the context is canceled.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.closeStore()

	s.startCleanup(serverCtx)

	listener, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.HTTPAddr, err)
	}
	s.logger.Info("auth server listening", zap.String("addr", listener.Addr().String()))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		<-serveErr
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

// startCleanup periodically removes expired passkey challenges and
// refresh tokens.
func (s *Server) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.passkeys.CleanupExpired(ctx); err != nil {
					s.logger.Warn("cleanup expired passkey challenges", zap.Error(err))
				}
				if err := s.store.DeleteExpiredRefreshTokens(ctx, time.Now().UTC()); err != nil {
					s.logger.Warn("cleanup expired refresh tokens", zap.Error(err))
				}
			}
		}
	}()
}

func (s *Server) closeStore() {
	if s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("close auth store", zap.Error(err))
	}
}

func openStore(path string) (*sqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open auth store: %w", err)
	}
	return store, nil
}

// newKVStore returns the shared counter and cache backend. Without a
// configured Redis address the process falls back to in-memory state,
// which is fine for a single node.
func newKVStore(cfg Config) kv.Store {
	if cfg.RedisAddr == "" {
		return kv.NewMemory()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return kv.NewRedis(client)
}
