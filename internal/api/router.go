// Package api is the HTTP surface: the OIDC endpoints, the device and
// backchannel verification endpoints, and the secret-guarded admin routes.
package api

import (
	"log/slog"
	"net/http"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/keyfold/keyfold/internal/admin"
	custommw "github.com/keyfold/keyfold/internal/api/middleware"
	"github.com/keyfold/keyfold/internal/audit"
	"github.com/keyfold/keyfold/internal/config"
	"github.com/keyfold/keyfold/internal/discovery"
	"github.com/keyfold/keyfold/internal/flow"
	"github.com/keyfold/keyfold/internal/grant"
	"github.com/keyfold/keyfold/internal/keys"
	"github.com/keyfold/keyfold/internal/partition"
	"github.com/keyfold/keyfold/internal/settings"
	"github.com/keyfold/keyfold/internal/store"
)

// sessionCookieName carries the end-user session on the authorize and
// verification endpoints.
const sessionCookieName = "op_session"

// Server holds the router and its collaborators.
type Server struct {
	Router *chi.Mux

	cfg          config.Config
	log          *slog.Logger
	flow         *flow.Engine
	grants       *grant.Handler
	pars         *store.PARRequestStore
	devices      *store.DeviceCodeStore
	ciba         *store.CIBARequestStore
	introspector *admin.Introspector
	revoker      *admin.Revoker
	setup        *admin.Setup
	registry     *admin.ClientStore
	mfa          *admin.MFAService
	settings     *settings.Store
	partitions   *partition.Router
	users        *partition.Writer
	consents     *admin.ConsentStore
	keys         *keys.Manager
	metadata     discovery.Metadata
	audit        audit.Logger
}

// ServerConfig wires the server's collaborators.
type ServerConfig struct {
	Config       config.Config
	Logger       *slog.Logger
	Flow         *flow.Engine
	Grants       *grant.Handler
	PARs         *store.PARRequestStore
	Devices      *store.DeviceCodeStore
	CIBA         *store.CIBARequestStore
	Introspector *admin.Introspector
	Revoker      *admin.Revoker
	Setup        *admin.Setup
	Registry     *admin.ClientStore
	MFA          *admin.MFAService
	Settings     *settings.Store
	Partitions   *partition.Router
	Users        *partition.Writer
	Consents     *admin.ConsentStore
	Keys         *keys.Manager
	Metadata     discovery.Metadata
	Audit        audit.Logger
}

// NewServer assembles the middleware chain and the route table.
func NewServer(sc ServerConfig) *Server {
	s := &Server{
		cfg:          sc.Config,
		log:          sc.Logger,
		flow:         sc.Flow,
		grants:       sc.Grants,
		pars:         sc.PARs,
		devices:      sc.Devices,
		ciba:         sc.CIBA,
		introspector: sc.Introspector,
		revoker:      sc.Revoker,
		setup:        sc.Setup,
		registry:     sc.Registry,
		mfa:          sc.MFA,
		settings:     sc.Settings,
		partitions:   sc.Partitions,
		users:        sc.Users,
		consents:     sc.Consents,
		keys:         sc.Keys,
		metadata:     sc.Metadata,
		audit:        sc.Audit,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.audit == nil {
		s.audit = audit.NopLogger{}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	// Sentry must sit above recovery so repanics reach its transaction scope.
	sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})
	r.Use(sentryHandler.Handle)

	r.Use(custommw.RequestLogger)
	r.Use(custommw.PanicRecovery)

	limiter := custommw.NewIPRateLimiter(rate.Limit(10), 20)
	r.Use(limiter.Middleware)
	r.Use(custommw.TenantContext)
	r.Use(custommw.CORS(sc.Config.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("OK"))
	})

	r.Get("/.well-known/openid-configuration", discovery.Handler(s.metadata))
	r.Get("/.well-known/jwks.json", s.handleJWKS)

	r.Get("/authorize", s.handleAuthorize)
	r.Post("/flow/{flowID}/verify", s.handleFlowVerify)
	r.Post("/flow/{flowID}/complete", s.handleFlowComplete)

	r.Post("/par", s.handlePAR)
	r.Post("/token", s.handleToken)
	r.Post("/revoke", s.handleRevoke)
	r.Post("/introspect", s.handleIntrospect)

	r.Post("/device_authorization", s.handleDeviceAuthorization)
	r.Post("/device/verify", s.handleDeviceVerify)
	r.Post("/bc-authorize", s.handleCIBAAuthorize)
	r.Post("/bc-resolve", s.handleCIBAResolve)

	r.Post("/setup/complete", s.handleSetupRedeem)

	r.Route("/admin", func(r chi.Router) {
		r.Use(custommw.AdminAuth(sc.Config.AdminAPISecret))

		r.Post("/setup/token", s.handleSetupIssue)
		r.Post("/keys/rotate", s.handleKeyRotate)

		r.Post("/clients", s.handleClientRegister)
		r.Delete("/clients/{clientID}", s.handleClientDeactivate)

		r.Get("/settings/{category}", s.handleSettingsCurrent)
		r.Put("/settings/{category}", s.handleSettingsWrite)
		r.Get("/settings/{category}/history", s.handleSettingsHistory)
		r.Get("/settings/{category}/versions/{version}", s.handleSettingsVersion)
		r.Post("/settings/{category}/rollback", s.handleSettingsRollback)
		r.Get("/settings/{category}/compare", s.handleSettingsCompare)

		r.Post("/partition/resolve", s.handlePartitionResolve)

		r.Post("/users", s.handleUserCreate)
		r.Delete("/users/{userID}", s.handleUserErase)
		r.Post("/users/{userID}/pii/retry", s.handleUserRetryPII)
		r.Get("/users/{userID}/consents", s.handleConsentList)
		r.Post("/users/{userID}/mfa", s.handleMFAEnroll)
		r.Delete("/users/{userID}/mfa", s.handleMFARevoke)
	})

	s.Router = r
	return s
}

// handleJWKS publishes the tenant's public key set.
func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	tenantID := custommw.TenantID(r.Context())
	discovery.JWKSHandler(func() (any, error) {
		set, err := s.keys.PublicJWKS(tenantID)
		if err != nil {
			return nil, err
		}
		return set, nil
	})(w, r)
}
