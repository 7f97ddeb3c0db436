// Package lattice is the public entry point for initializing the Lattice
// control plane: event bus, durable stores, safety gate, capability
// dispatcher, fleet supervisor, intent pipeline, and HTTP API, wired
// together from internal/config.Config.
package lattice

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lattice-run/lattice/internal/api"
	"github.com/lattice-run/lattice/internal/api/handlers"
	"github.com/lattice-run/lattice/internal/api/middleware"
	"github.com/lattice-run/lattice/internal/bus"
	"github.com/lattice-run/lattice/internal/capability"
	"github.com/lattice-run/lattice/internal/capability/fly"
	"github.com/lattice-run/lattice/internal/capability/github"
	"github.com/lattice-run/lattice/internal/capability/secrets"
	"github.com/lattice-run/lattice/internal/capability/sprites"
	"github.com/lattice-run/lattice/internal/config"
	"github.com/lattice-run/lattice/internal/fleet"
	"github.com/lattice-run/lattice/internal/intent"
	"github.com/lattice-run/lattice/internal/kv"
	"github.com/lattice-run/lattice/internal/kv/sqlstore"
	"github.com/lattice-run/lattice/internal/pipeline"
	"github.com/lattice-run/lattice/internal/safety"
	"github.com/lattice-run/lattice/internal/telemetry"
	"github.com/lattice-run/lattice/internal/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Server holds every initialized Lattice control-plane component.
type Server struct {
	Config *config.Config

	Bus        *bus.Bus
	Intents    *intent.Store
	Gate       *safety.Gate
	Audit      *safety.Audit
	Dispatcher *capability.Dispatcher
	Registry   *capability.Registry
	Pipeline   *pipeline.Pipeline
	Supervisor *fleet.Supervisor

	Handler http.Handler

	kvStore      kv.Store
	secretsStore capability.SecretStore
	shutdownFunc func(context.Context) error
	fleetCancel  context.CancelFunc
}

// New builds a Server from cfg. Capability implementations are live or
// stub per cfg's *.Live flags; the durable KV store is Postgres-backed if
// cfg.Database.URL is set, in-memory otherwise.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	b := bus.New()
	if reg, err := registerBusMetrics(b); err != nil {
		log.Warn().Err(err).Msg("bus metrics registration failed")
	} else if reg {
		log.Info().Msg("bus metrics registered")
	}

	kvStore, err := buildKVStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build kv store: %w", err)
	}

	intents := intent.New(kvStore, b)
	audit := safety.NewAudit(b)
	gate := safety.NewGate(buildGateConfig(cfg.Safety))
	dispatcher := capability.NewDispatcher(gate, audit, intents)

	registry, secretsStore, err := buildRegistry(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build capability registry: %w", err)
	}

	p := pipeline.New(intents, gate, audit)

	reconcileCfg := fleet.Config{
		FastMS:            cfg.Reconcile.FastMS,
		SlowMS:             cfg.Reconcile.SlowMS,
		BackoffBaseMS:      cfg.Reconcile.BackoffBaseMS,
		BackoffCapMS:       cfg.Reconcile.BackoffCapMS,
		DegradedThreshold:  cfg.Reconcile.DegradedThreshold,
		MaxRetries:         cfg.Reconcile.MaxRetries,
		CallTimeoutMS:      cfg.Reconcile.CallTimeoutMS,
	}
	supervisor := fleet.NewSupervisor(registry.Sprites, dispatcher, b, reconcileCfg, intents)

	fleetCtx, fleetCancel := context.WithCancel(context.Background())
	if err := registerFleet(fleetCtx, supervisor, registry.Sprites); err != nil {
		fleetCancel()
		return nil, fmt.Errorf("register fleet: %w", err)
	}

	webhookHandler := webhook.NewHandler(cfg.GitHub.WebhookSecret, p)

	apiKeyAuth := middleware.NewAPIKeyAuth()

	h := &api.Handlers{
		Intents: &handlers.Intents{Pipeline: p, Store: intents},
		Fleet:   &handlers.Fleet{Supervisor: supervisor, AuditTimeout: 10 * time.Second},
		Audit:   &handlers.Audit{Audit: audit},
		Webhook: webhookHandler,
	}

	router := api.NewRouter(cfg, h, apiKeyAuth)

	return &Server{
		Config:       cfg,
		Bus:          b,
		Intents:      intents,
		Gate:         gate,
		Audit:        audit,
		Dispatcher:   dispatcher,
		Registry:     registry,
		Pipeline:     p,
		Supervisor:   supervisor,
		Handler:      router,
		kvStore:      kvStore,
		secretsStore: secretsStore,
		shutdownFunc: shutdown,
		fleetCancel:  fleetCancel,
	}, nil
}

// Shutdown stops every fleet worker, releases the server's durable
// connections, and flushes telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.fleetCancel != nil {
		s.fleetCancel()
	}
	switch closer := s.kvStore.(type) {
	case interface{ Close() error }:
		closer.Close()
	case interface{ Close() }:
		closer.Close()
	}
	if closer, ok := s.secretsStore.(interface{ Close() }); ok {
		closer.Close()
	}
	if s.shutdownFunc != nil {
		return s.shutdownFunc(ctx)
	}
	return nil
}

// registerFleet lists every known sprite from the capability and starts a
// Fleet Supervisor worker for each, so the supervisor's registry reflects
// the fleet from process startup rather than waiting for the first API
// call that happens to mention a sprite id.
func registerFleet(ctx context.Context, supervisor *fleet.Supervisor, sp capability.Sprites) error {
	list, err := sp.List(ctx)
	if err != nil {
		return err
	}
	for _, s := range list {
		supervisor.Register(ctx, s.ID)
	}
	return nil
}

func buildKVStore(ctx context.Context, cfg *config.Config) (kv.Store, error) {
	if cfg.Database.URL == "" {
		log.Info().Msg("no DATABASE_URL set, using in-memory kv store")
		return kv.NewMemoryStore(), nil
	}
	store, err := sqlstore.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	log.Info().Msg("postgres kv store initialized")
	return store, nil
}

func buildRegistry(ctx context.Context, cfg *config.Config) (*capability.Registry, capability.SecretStore, error) {
	reg := &capability.Registry{}

	if cfg.Sprites.Live {
		reg.Sprites = sprites.New(cfg.Sprites.APIBase, cfg.Sprites.APIToken)
		log.Info().Msg("sprites capability: live")
	} else {
		reg.Sprites = sprites.NewStub(3)
		log.Info().Msg("sprites capability: stub")
	}

	if cfg.GitHub.Live {
		reg.GitHub = buildGitHubClient(cfg.GitHub)
		log.Info().Msg("github capability: live")
	} else {
		reg.GitHub = github.NewStub()
		log.Info().Msg("github capability: stub")
	}

	if cfg.Fly.Live {
		reg.Fly = fly.New(cfg.Fly.Org, cfg.Fly.APIToken)
		log.Info().Msg("fly capability: live")
	} else {
		reg.Fly = fly.NewStub()
		log.Info().Msg("fly capability: stub")
	}

	var secretsStore capability.SecretStore
	if cfg.Database.URL != "" {
		store, err := secrets.Open(ctx, cfg.Database.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("open secrets store: %w", err)
		}
		secretsStore = store
		log.Info().Msg("secrets capability: postgres")
	} else {
		secretsStore = secrets.NewStub()
		log.Info().Msg("secrets capability: stub")
	}
	reg.Secrets = secretsStore

	return reg, secretsStore, nil
}

func buildGitHubClient(cfg config.GitHubConfig) capability.GitHub {
	if cfg.AppID != "" && cfg.AppInstallationID != "" && cfg.AppPrivateKey != "" {
		src, err := github.NewAppTokenSource(cfg.AppID, cfg.AppInstallationID, cfg.AppPrivateKey)
		if err != nil {
			log.Warn().Err(err).Msg("github app token source init failed, falling back to personal token")
		} else {
			return github.NewWithAppToken(src)
		}
	}
	return github.NewWithPAT(cfg.PersonalToken)
}

func buildGateConfig(cfg config.SafetyConfig) safety.GateConfig {
	var rules []safety.PolicyRule
	if len(cfg.PathAutoApprovePrefixes) > 0 {
		rules = append(rules, safety.PolicyRule{
			Kind:         safety.RulePathAutoApprove,
			PathPrefixes: cfg.PathAutoApprovePrefixes,
		})
	}
	if cfg.TimeGateStartHour != cfg.TimeGateEndHour {
		rules = append(rules, safety.PolicyRule{
			Kind:      safety.RuleTimeGate,
			StartHour: cfg.TimeGateStartHour,
			EndHour:   cfg.TimeGateEndHour,
		})
	}
	return safety.GateConfig{
		AllowControlled:              cfg.AllowControlled,
		AllowDangerous:               cfg.AllowDangerous,
		RequireApprovalForControlled: cfg.RequireApprovalForControlled,
		Rules:                        rules,
	}
}

func registerBusMetrics(b *bus.Bus) (bool, error) {
	if b.Metrics() == nil {
		return false, nil
	}
	if err := b.Metrics().Register(prometheus.DefaultRegisterer); err != nil {
		return false, err
	}
	return true, nil
}
