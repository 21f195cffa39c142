package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/virtuenet/UpCoach-sub002/internal/auth/metrics"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/orchestrator"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/passkey"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/token"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/twofactor"
)

// Deps carries the services the HTTP surface exposes. Gatherer and
// Logger are optional.
type Deps struct {
	Orchestrator *orchestrator.Service
	Tokens       *token.Issuer
	TwoFactor    *twofactor.Service
	Passkeys     *passkey.Service
	Metrics      *metrics.Collector
	Gatherer     prometheus.Gatherer
	Logger       *zap.Logger
}

// Server holds the handler dependencies behind the router.
type Server struct {
	orchestrator *orchestrator.Service
	tokens       *token.Issuer
	twoFactor    *twofactor.Service
	passkeys     *passkey.Service
	metrics      *metrics.Collector
	logger       *zap.Logger
}

// NewRouter builds the full route tree.
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		orchestrator: deps.Orchestrator,
		tokens:       deps.Tokens,
		twoFactor:    deps.TwoFactor,
		passkeys:     deps.Passkeys,
		metrics:      deps.Metrics,
		logger:       logger,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/up", s.handleHealth)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Post("/webhooks/{provider}", s.handleWebhook)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/{provider}/signin", s.handleSignIn)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/logout", s.handleLogout)

		r.Route("/passkeys", func(r chi.Router) {
			r.Post("/login/begin", s.handlePasskeyLoginBegin)
			r.Post("/login/finish", s.handlePasskeyLoginFinish)

			r.Group(func(r chi.Router) {
				r.Use(s.requireAuth)
				r.Post("/register/begin", s.handlePasskeyRegisterBegin)
				r.Post("/register/finish", s.handlePasskeyRegisterFinish)
				r.Get("/", s.handlePasskeyList)
				r.Patch("/{id}", s.handlePasskeyRename)
				r.Delete("/{id}", s.handlePasskeyDelete)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/link", s.handleLink)
			r.Delete("/link/{provider}", s.handleUnlink)
			r.Get("/status", s.handleStatus)
			r.Put("/password", s.handleSetPassword)

			r.Route("/2fa", func(r chi.Router) {
				r.Post("/setup", s.handleTwoFactorSetup)
				r.Post("/enable", s.handleTwoFactorEnable)
				r.Post("/verify", s.handleTwoFactorVerify)
				r.Post("/disable", s.handleTwoFactorDisable)

				r.Route("/devices", func(r chi.Router) {
					r.Get("/", s.handleTrustedDeviceList)
					r.Post("/", s.handleTrustedDeviceAdd)
					r.Delete("/{id}", s.handleTrustedDeviceRemove)
				})
			})
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
