package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/adapter/inbound/http"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/adapter/outbound/billing"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/adapter/outbound/cel"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/adapter/outbound/memory"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/adapter/outbound/redisbus"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/adapter/outbound/sqlstore"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/adapter/outbound/state"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/config"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/attribute"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/auth"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/authz"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/service"
	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/telemetry"
)

// errNoAttributeSource fails lookups when attributes.base_url is unset.
var errNoAttributeSource = errors.New("no attribute source configured")

// app holds every wired component. Fields are nil when the owning feature
// is disabled.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store      authz.PolicyStore
	storePing  func(context.Context) error
	attributes *attribute.CachedSource

	authz      *service.AuthorizationService
	admin      *service.PolicyAdminService
	cache      *service.CacheService
	audit      *service.AuditService
	auditStore *memory.AuditStore
	keys       *auth.APIKeyService

	redis *redis.Client
	bus   *redisbus.Bus

	registry  *prometheus.Registry
	metrics   *http.Metrics
	telemetry *telemetry.Providers

	closers []func() error
}

// buildOptions toggles the parts of app a command needs.
type buildOptions struct {
	metrics   bool
	bus       bool
	telemetry bool
	// stdout replaces os.Stdout as the "stdout" audit output. Commands
	// that own stdout pass io.Discard.
	stdout io.Writer
}

// buildApp wires the service from cfg. Callers must call close.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts buildOptions) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if opts.telemetry {
		a.telemetry, err = telemetry.Setup(ctx, telemetry.Options{
			Enabled:        cfg.Telemetry.Enabled,
			ServiceName:    cfg.Telemetry.ServiceName,
			Version:        Version,
			MetricInterval: config.Duration(cfg.Telemetry.MetricInterval, time.Minute),
		})
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		a.closers = append(a.closers, func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.telemetry.Shutdown(shutdownCtx)
		})
	}
	if opts.metrics {
		a.registry = http.NewRegistry()
		a.metrics = http.NewMetrics(a.registry)
	}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	a.attributes = attribute.NewCachedSource(
		a.attributeSource(),
		cfg.Cache.AttributeSize,
		config.Duration(cfg.Cache.AttributeTTL, time.Minute),
		attribute.WithFetchTimeout(config.Duration(cfg.Attributes.FetchTimeout, 5*time.Second)),
	)

	allow := authz.DefaultAllowLists().Merge(allowListOverrides(cfg.AllowLists))
	abac := authz.NewABAC(a.attributes,
		authz.WithLogger(logger),
		authz.WithDefaultTimeout(config.Duration(cfg.Attributes.CheckTimeout, 3*time.Second)),
		authz.WithAllowLists(allow),
	)
	authorizer := authz.NewAuthorizer(authz.NewRBAC(cfg.Cache.PermissionSize), abac)

	if err := a.openAudit(opts.stdout); err != nil {
		return nil, err
	}

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("condition evaluator: %w", err)
	}

	authzOpts := []service.AuthorizationOption{
		service.WithCompiler(evaluator),
		service.WithAttributeCache(a.attributes),
		service.WithAudit(a.audit),
	}
	if a.metrics != nil {
		authzOpts = append(authzOpts, service.WithDecisionObserver(a.metrics))
	}
	if a.telemetry != nil {
		authzOpts = append(authzOpts,
			service.WithTracerProvider(a.telemetry.TracerProvider),
			service.WithMeterProvider(a.telemetry.MeterProvider),
		)
	}
	a.authz = service.NewAuthorizationService(a.store, authorizer, logger, authzOpts...)

	if opts.bus && cfg.Redis.Enabled {
		if err := a.connectBus(ctx); err != nil {
			return nil, err
		}
	}

	adminOpts := []service.AdminOption{service.WithAdminAudit(a.audit)}
	var publisher service.AttributePublisher
	if a.bus != nil {
		adminOpts = append(adminOpts, service.WithNotifier(a.bus))
		publisher = a.bus
	}
	a.admin = service.NewPolicyAdminService(a.store, a.authz, logger, adminOpts...)
	a.cache = service.NewCacheService(a.authz, publisher, a.audit, logger)

	a.keys = auth.NewAPIKeyService(authStoreFromConfig(cfg))
	return a, nil
}

// openStore opens the configured policy store.
func (a *app) openStore(ctx context.Context) error {
	cfg := a.cfg
	switch cfg.Store.Driver {
	case config.DriverMemory:
		a.store = memory.NewPolicyStore()
	case config.DriverState:
		path := stateFilePath
		if path == "" {
			path = cfg.Store.StatePath
		}
		s, err := state.OpenPolicyStore(state.NewFileStateStore(path, a.logger))
		if err != nil {
			return fmt.Errorf("open state store %s: %w", path, err)
		}
		a.store = s
		a.logger.Debug("policy store: state file", "path", path)
	case config.DriverSQLite, config.DriverPostgres:
		dialect := sqlstore.DialectSQLite
		if cfg.Store.Driver == config.DriverPostgres {
			dialect = sqlstore.DialectPostgres
		}
		s, err := sqlstore.Open(ctx, dialect, cfg.Store.DSN, a.logger)
		if err != nil {
			return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
		}
		a.store = s
		a.storePing = s.Ping
		a.closers = append(a.closers, s.Close)
	default:
		return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	return nil
}

// attributeSource returns the billing client, instrumented when metrics
// are enabled. Without a base URL every lookup fails, so checks that need
// one are denied.
func (a *app) attributeSource() attribute.Source {
	cfg := a.cfg.Attributes
	if cfg.BaseURL == "" {
		a.logger.Warn("attributes.base_url not set; contextual checks needing billing data will be denied")
		return attribute.SourceFunc(func(context.Context, attribute.Target) attribute.Result {
			return attribute.Failed(errNoAttributeSource)
		})
	}
	clientOpts := []billing.Option{
		billing.WithTimeout(config.Duration(cfg.FetchTimeout, 5*time.Second)),
		billing.WithLogger(a.logger),
	}
	if cfg.APIKey != "" {
		clientOpts = append(clientOpts, billing.WithAPIKey(cfg.APIKey))
	}
	if a.telemetry != nil {
		clientOpts = append(clientOpts, billing.WithTracer(a.telemetry.TracerProvider.Tracer("edunexia-authz/billing")))
	}
	var src attribute.Source = billing.NewClient(cfg.BaseURL, clientOpts...)
	if a.metrics != nil {
		src = a.metrics.InstrumentSource(src)
	}
	return src
}

// openAudit builds the audit store and the async audit service.
func (a *app) openAudit(stdout io.Writer) error {
	cfg := a.cfg.Audit
	if stdout == nil {
		stdout = os.Stdout
	}
	switch {
	case cfg.Output == "stdout":
		a.auditStore = memory.NewAuditStore(stdout, cfg.BufferSize)
	case cfg.Output == "none":
		a.auditStore = memory.NewAuditStore(nil, cfg.BufferSize)
	case strings.HasPrefix(cfg.Output, "file://"):
		path := parseFileURI(cfg.Output)
		s, err := memory.OpenAuditFile(path, cfg.BufferSize)
		if err != nil {
			return fmt.Errorf("open audit file: %w", err)
		}
		a.auditStore = s
		a.logger.Debug("audit output: file", "path", path)
	default:
		return fmt.Errorf("invalid audit output: %s", cfg.Output)
	}
	a.closers = append(a.closers, a.auditStore.Close)

	auditOpts := []service.AuditOption{
		service.WithChannelSize(cfg.ChannelSize),
		service.WithBatchSize(cfg.BatchSize),
		service.WithFlushInterval(config.Duration(cfg.FlushInterval, time.Second)),
		service.WithSendTimeout(config.Duration(cfg.SendTimeout, 50*time.Millisecond)),
	}
	if a.metrics != nil {
		auditOpts = append(auditOpts, service.WithDropHook(a.metrics.AuditDropsTotal.Inc))
	}
	a.audit = service.NewAuditService(a.auditStore, a.logger, auditOpts...)
	return nil
}

// connectBus connects to Redis for cross-instance invalidation.
func (a *app) connectBus(ctx context.Context) error {
	cfg := a.cfg.Redis
	client, err := redisbus.Connect(ctx, &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.redis = client
	a.bus = redisbus.New(client, cfg.Channel, a.logger)
	a.closers = append(a.closers, client.Close)
	a.logger.Info("invalidation bus connected", "addr", cfg.Addr, "channel", cfg.Channel, "origin", a.bus.Origin())
	return nil
}

// seed imports the configured policy when the store is empty.
func (a *app) seed(ctx context.Context) error {
	if !a.cfg.Policy.HasSeed() {
		return nil
	}
	roles, err := a.store.ListRoles(ctx)
	if err != nil {
		return fmt.Errorf("inspect store: %w", err)
	}
	rules, err := a.store.ListConditionRules(ctx)
	if err != nil {
		return fmt.Errorf("inspect store: %w", err)
	}
	if len(roles) > 0 || len(rules) > 0 {
		a.logger.Debug("store already holds policy; config seed skipped")
		return nil
	}
	b, err := seedBundle(a.cfg.Policy)
	if err != nil {
		return err
	}
	if err := a.admin.Import(ctx, b, false); err != nil {
		return fmt.Errorf("seed policy: %w", err)
	}
	a.logger.Info("policy seeded from config", "roles", len(b.Roles), "assignments", len(b.Assignments), "condition_rules", len(b.ConditionRules))
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
}

// authStoreFromConfig loads configured clients and key hashes.
func authStoreFromConfig(cfg *config.Config) *memory.AuthStore {
	store := memory.NewAuthStore()
	for _, c := range cfg.Auth.Clients {
		scopes := make([]auth.Scope, len(c.Scopes))
		for i, s := range c.Scopes {
			scopes[i] = auth.Scope(s)
		}
		store.AddClient(&auth.Client{ID: c.ID, Name: c.Name, Scopes: scopes})
	}
	now := time.Now()
	for _, k := range cfg.Auth.APIKeys {
		store.AddKey(&auth.APIKey{Key: k.KeyHash, ClientID: k.ClientID, Name: k.Name, CreatedAt: now})
	}
	return store
}

// seedBundle converts the policy config section to a bundle.
func seedBundle(p config.PolicyConfig) (*service.Bundle, error) {
	b := &service.Bundle{Version: service.BundleVersion}
	for _, rc := range p.Roles {
		role := authz.Role{ID: rc.ID, Name: rc.Name, Description: rc.Description}
		for _, s := range rc.Permissions {
			perm, err := parsePermission(s)
			if err != nil {
				return nil, fmt.Errorf("role %s: %w", rc.ID, err)
			}
			role.Permissions = append(role.Permissions, perm)
		}
		b.Roles = append(b.Roles, role)
	}
	for _, ac := range p.Assignments {
		b.Assignments = append(b.Assignments, authz.UserRole{UserID: ac.UserID, RoleID: ac.RoleID})
	}
	for _, rc := range p.ConditionRules {
		b.ConditionRules = append(b.ConditionRules, authz.ConditionRule{
			Name:        rc.Name,
			Resource:    rc.Resource,
			Action:      rc.Action,
			Expression:  rc.Expression,
			Description: rc.Description,
		})
	}
	return b, nil
}

func parsePermission(s string) (authz.Permission, error) {
	resource, action, ok := strings.Cut(s, ":")
	if !ok || resource == "" || action == "" {
		return authz.Permission{}, fmt.Errorf("invalid permission %q: want resource:action", s)
	}
	return authz.Permission{Resource: resource, Action: action}, nil
}

func allowListOverrides(src map[string]map[string][]string) map[authz.AttributeKind]map[string][]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[authz.AttributeKind]map[string][]string, len(src))
	for kind, byKey := range src {
		out[authz.AttributeKind(kind)] = byKey
	}
	return out
}

// parseLogLevel converts a config log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger writes text logs to stderr; stdout carries audit records or
// the MCP stream.
func newLogger(cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads config, applies the --dev override and validates.
func loadConfig(dev bool) (*config.Config, error) {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dev {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// parseFileURI extracts the path from a "file:///path" URI.
func parseFileURI(uri string) string {
	path, ok := strings.CutPrefix(uri, "file://")
	if !ok {
		return ""
	}
	// file:///C:/path on Windows
	if len(path) >= 3 && path[0] == '/' && path[2] == ':' {
		path = path[1:]
	}
	return path
}
