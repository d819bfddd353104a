package app

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"authcoord/internal/auth"
	"authcoord/internal/cache"
	"authcoord/internal/config"
	"authcoord/internal/coordinator"
	"authcoord/internal/events"
	"authcoord/internal/facade"
	"authcoord/internal/metrics"
	"authcoord/internal/providers"
	"authcoord/internal/secctx"
	"authcoord/internal/store"
	"authcoord/pkg/logging"
)

// Services holds every component built from the configuration.
//
// Components are created in dependency order: metrics and the event bus
// first, then the credential store and token cache, the coordinator with
// its providers, the security-context manager bound to the coordinator and
// finally the MCP facade in front of both.
type Services struct {
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Events   *events.Bus

	Store       store.CredentialStore
	Cache       *cache.TokenCache
	Coordinator *coordinator.Manager
	Contexts    *secctx.Manager
	Facade      *facade.Server

	// MetricsAddr is where Run serves /metrics; empty disables it.
	MetricsAddr string

	unsubscribe func()
}

// ServicesOption customises InitializeServices.
type ServicesOption func(*servicesOptions)

type servicesOptions struct {
	clock clock.WithTicker
}

// WithClock sets the time source shared by the managers and providers.
func WithClock(c clock.WithTicker) ServicesOption {
	return func(o *servicesOptions) { o.clock = c }
}

// InitializeServices creates and wires all components described by cfg.
// Provider construction failures are fatal: a configured provider that
// cannot start would silently reject every authentication.
func InitializeServices(cfg config.Config, version string, opts ...ServicesOption) (*Services, error) {
	o := servicesOptions{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}

	registry := prometheus.NewRegistry()
	mt := metrics.New(registry)
	bus := events.NewBus()

	credStore, err := buildStore(cfg.Storage, cfg.Security.EncryptCredentials, o.clock)
	if err != nil {
		return nil, err
	}

	tokenCache, err := cache.New(cache.Config{
		MaxSize:    cfg.Cache.MaxSize,
		DefaultTTL: cfg.Cache.TTL,
	}, cache.WithClock(o.clock), cache.WithMetrics(mt), cache.WithEvents(bus))
	if err != nil {
		return nil, fmt.Errorf("failed to create token cache: %w", err)
	}

	coord, err := coordinator.New(coordinator.Config{
		MaxSessions:            cfg.Security.MaxSessions,
		MaxSessionAge:          cfg.Security.MaxSessionAge,
		TokenRefreshBuffer:     cfg.Security.TokenRefreshBuffer,
		RefreshCheckInterval:   cfg.Security.RefreshCheckInterval,
		SessionCleanupInterval: cfg.Security.SessionCleanupInterval,
		CacheCleanupInterval:   cfg.Cache.CleanupInterval,
		InteractiveTimeout:     cfg.Security.InteractiveTimeout,
		BackgroundTimeout:      cfg.Security.BackgroundTimeout,
	}, credStore, tokenCache,
		coordinator.WithClock(o.clock),
		coordinator.WithMetrics(mt),
		coordinator.WithEvents(bus),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}

	for _, pc := range cfg.Providers {
		p, err := buildProvider(pc, cfg.Security.RequireHTTPS, o.clock)
		if err != nil {
			coord.Stop()
			return nil, fmt.Errorf("failed to create provider %s: %w", pc.Name, err)
		}
		if err := coord.RegisterProvider(p, providerOptions(pc)...); err != nil {
			coord.Stop()
			return nil, fmt.Errorf("failed to register provider %s: %w", pc.Name, err)
		}
	}

	contexts, err := buildContextManager(cfg, coord, mt, o.clock)
	if err != nil {
		coord.Stop()
		return nil, err
	}

	front, err := facade.New(facade.Config{
		Transport: cfg.Facade.Transport,
		Host:      cfg.Facade.Host,
		Port:      cfg.Facade.Port,
	}, coord, facade.WithContextStats(contexts), facade.WithVersion(version))
	if err != nil {
		coord.Stop()
		return nil, fmt.Errorf("failed to create facade: %w", err)
	}

	s := &Services{
		Registry:    registry,
		Metrics:     mt,
		Events:      bus,
		Store:       credStore,
		Cache:       tokenCache,
		Coordinator: coord,
		Contexts:    contexts,
		Facade:      front,
		MetricsAddr: cfg.Facade.MetricsAddr,
	}
	s.unsubscribe = bus.Subscribe(s.cascadeSessionEnd)

	logging.Info("Services", "Initialized coordinator with %d providers (store=%s, contexts enabled=%t)",
		len(cfg.Providers), cfg.Storage.Type, contexts.Enabled())
	return s, nil
}

// cascadeSessionEnd drops security contexts derived from a session once the
// coordinator revokes or cleans it up.
func (s *Services) cascadeSessionEnd(ev events.Event) {
	switch ev.Reason {
	case events.ReasonSessionRevoked, events.ReasonSessionCleaned:
		if n := s.Contexts.RevokeSessionContexts(ev.Data.SessionID); n > 0 {
			logging.Debug("Services", "Revoked %d security contexts for session=%s",
				n, logging.TruncateSessionID(ev.Data.SessionID))
		}
	}
}

func buildStore(cfg config.StorageConfig, encrypt bool, clk clock.PassiveClock) (store.CredentialStore, error) {
	if encrypt && cfg.Type != config.StorageTypeFile {
		return nil, auth.Errorf(auth.ErrConfiguration, "credential encryption requires the file store, got %q", cfg.Type)
	}

	opts := []store.Option{store.WithClock(clk)}
	switch cfg.Type {
	case config.StorageTypeFile:
		if encrypt {
			key, err := config.DecodeEncryptionKey(cfg.EncryptionKey)
			if err != nil {
				return nil, auth.Wrap(err, auth.ErrConfiguration, "invalid storage encryption key")
			}
			enc, err := store.NewEncryptorFromKey(key)
			if err != nil {
				return nil, auth.Wrap(err, auth.ErrConfiguration, "failed to create encryptor")
			}
			opts = append(opts, store.WithEncryptor(enc))
		}
		fs, err := store.NewFileStore(cfg.Path, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open credential store at %s: %w", cfg.Path, err)
		}
		return fs, nil
	case config.StorageTypeMemory, "":
		return store.NewMemoryStore(opts...), nil
	default:
		return nil, auth.Errorf(auth.ErrConfiguration, "unknown storage type %q", cfg.Type)
	}
}

func buildProvider(pc config.ProviderConfig, requireHTTPS bool, clk clock.Clock) (auth.Provider, error) {
	opts := []providers.Option{providers.WithClock(clk)}

	switch pc.Type {
	case config.ProviderTypeOAuth2:
		if pc.OAuth2 == nil {
			return nil, auth.Errorf(auth.ErrConfiguration, "provider %s: missing oauth2 block", pc.Name)
		}
		return providers.NewOAuth2Provider(pc.Name, *pc.OAuth2, requireHTTPS, opts...)
	case config.ProviderTypeServiceAccount:
		if pc.ServiceAccount == nil {
			return nil, auth.Errorf(auth.ErrConfiguration, "provider %s: missing serviceAccount block", pc.Name)
		}
		return providers.NewServiceAccountProvider(pc.Name, *pc.ServiceAccount, requireHTTPS, opts...)
	case config.ProviderTypeAPIKey:
		if pc.APIKey == nil {
			return nil, auth.Errorf(auth.ErrConfiguration, "provider %s: missing apiKey block", pc.Name)
		}
		return providers.NewAPIKeyProvider(pc.Name, *pc.APIKey, opts...)
	default:
		return nil, auth.Errorf(auth.ErrConfiguration, "provider %s: unknown type %q", pc.Name, pc.Type)
	}
}

func providerOptions(pc config.ProviderConfig) []coordinator.ProviderOption {
	var opts []coordinator.ProviderOption
	if pc.RateLimit != nil {
		opts = append(opts, coordinator.WithRateLimit(pc.RateLimit.PerSecond, pc.RateLimit.Burst))
	}
	if !pc.IsEnabled() {
		opts = append(opts, coordinator.Disabled())
	}
	return opts
}

func buildContextManager(cfg config.Config, coord *coordinator.Manager, mt *metrics.Metrics, clk clock.WithTicker) (*secctx.Manager, error) {
	policy, err := secctx.ParseRulePolicy(cfg.Context.RulePolicy)
	if err != nil {
		return nil, auth.Wrap(err, auth.ErrConfiguration, "invalid context rule policy")
	}

	var rules []secctx.Rule
	if cfg.Context.MaxRiskScore > 0 {
		rules = append(rules, secctx.MaxRiskRule(cfg.Context.MaxRiskScore))
	}
	if cfg.Context.RequireSourceIP {
		rules = append(rules, secctx.RequireSourceIPRule())
	}

	m, err := secctx.New(secctx.Config{
		Disabled:                 !cfg.Context.Enabled,
		MaxContextAge:            cfg.Context.MaxContextAge,
		DefaultTTL:               cfg.Context.DefaultTTL,
		CleanupInterval:          cfg.Context.CleanupInterval,
		TrustedComponents:        cfg.Context.TrustedComponents,
		KnownNetworks:            cfg.Context.KnownNetworks,
		HighPrivilegePermissions: cfg.Context.HighPrivilegePermissions,
		RulePolicy:               policy,
		AuditMaxEntries:          cfg.Audit.MaxEntries,
		AuditMaxAge:              cfg.Audit.MaxAge,
		AuditTrimInterval:        cfg.Audit.TrimInterval,
	},
		secctx.WithClock(clk),
		secctx.WithMetrics(mt),
		secctx.WithSessionBinder(coord),
		secctx.WithRules(rules...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create security context manager: %w", err)
	}
	return m, nil
}

// Close detaches the event wiring. Managers are stopped by Run.
func (s *Services) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}
