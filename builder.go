package authrelay

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/authrelay/authrelay/cache"
	"github.com/authrelay/authrelay/delivery"
	"github.com/authrelay/authrelay/idp"
	"github.com/authrelay/authrelay/internal/rate"
	"github.com/authrelay/authrelay/policy"
)

// Builder assembles an [Engine]. Zero or more With calls, then Build.
// External clients supplied through With calls take precedence over the
// corresponding config sections.
type Builder struct {
	cfg Config

	redisClient redis.UniversalClient
	identity    idp.Client
	policyC     policy.Client
	sender      delivery.Sender
	logger      *zap.Logger
	sink        AuditSink
	registerer  prometheus.Registerer
}

// NewBuilder starts a builder over [DefaultConfig].
func NewBuilder() *Builder {
	return &Builder{cfg: DefaultConfig()}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.cfg = cfg
	return b
}

// WithRedisClient supplies an existing Redis client. The engine will not
// close it.
func (b *Builder) WithRedisClient(client redis.UniversalClient) *Builder {
	b.redisClient = client
	return b
}

// WithIdentityProvider supplies the identity-provider client, replacing the
// HTTP client Build would construct from the Identity config.
func (b *Builder) WithIdentityProvider(client idp.Client) *Builder {
	b.identity = client
	return b
}

// WithPolicyClient supplies the policy decision client, replacing the HTTP
// client Build would construct from the Policy config. Use a
// [policy.CedarEvaluator] here for embedded evaluation.
func (b *Builder) WithPolicyClient(client policy.Client) *Builder {
	b.policyC = client
	return b
}

// WithSender supplies the delivery side-channel for codes and links.
func (b *Builder) WithSender(sender delivery.Sender) *Builder {
	b.sender = sender
	return b
}

// WithLogger supplies the structured logger. Build defaults to a no-op.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithAuditSink supplies the audit destination. Build defaults to a
// [ZapSink] when auditing is enabled.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.sink = sink
	return b
}

// WithMetricsRegisterer supplies the Prometheus registerer the engine's
// instruments register against. Build defaults to the global registerer.
func (b *Builder) WithMetricsRegisterer(reg prometheus.Registerer) *Builder {
	b.registerer = reg
	return b
}

// Build validates the configuration and assembles the engine. The context
// bounds identity-provider discovery.
func (b *Builder) Build(ctx context.Context) (*Engine, error) {
	cfg := b.cfg

	// An injected identity client relieves the config of its endpoint fields.
	if b.identity == nil || b.redisClient == nil {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, warning := range cfg.hardeningWarnings() {
		logger.Warn("hardening", zap.String("finding", warning))
	}

	rdb := b.redisClient
	ownsRedis := false
	if rdb == nil {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ownsRedis = true
	}
	gateway := cache.New(rdb, cfg.Redis.KeyPrefix)

	identity := b.identity
	if identity == nil {
		client, err := idp.NewHTTPClient(ctx, idp.Config{
			IssuerURL:    cfg.Identity.IssuerURL,
			AdminBaseURL: cfg.Identity.AdminBaseURL,
			ClientID:     cfg.Identity.ClientID,
			ClientSecret: cfg.Identity.ClientSecret,
			Timeout:      cfg.Identity.Timeout,
		})
		if err != nil {
			if ownsRedis {
				_ = rdb.Close()
			}
			return nil, fmt.Errorf("identity provider: %w", err)
		}
		identity = client
	}

	policyClient := b.policyC
	if policyClient == nil && cfg.Policy.URL != "" {
		policyClient = policy.NewHTTPClient(policy.HTTPConfig{
			URL:     cfg.Policy.URL,
			Token:   cfg.Policy.Token,
			Timeout: cfg.Policy.Timeout,
		})
	}

	sender := b.sender
	if sender == nil && cfg.Delivery.SMTPHost != "" {
		sender = delivery.NewSMTPSender(delivery.SMTPConfig{
			Host:     cfg.Delivery.SMTPHost,
			Port:     cfg.Delivery.SMTPPort,
			From:     cfg.Delivery.SMTPFrom,
			Username: cfg.Delivery.SMTPUsername,
			Password: cfg.Delivery.SMTPPassword,
			TLSMode:  cfg.Delivery.SMTPTLSMode,
		})
	}

	sink := b.sink
	if sink != nil {
		// An explicit sink implies auditing is wanted.
		cfg.Audit.Enabled = true
	} else if cfg.Audit.Enabled {
		sink = NewZapSink(logger)
	}

	var metrics *engineMetrics
	if cfg.Metrics.Enabled {
		metrics = newEngineMetrics(b.registerer)
	}

	engine := &Engine{
		config:    cfg,
		logger:    logger,
		redis:     rdb,
		ownsRedis: ownsRedis,
		gateway:   gateway,

		identity: identity,
		policy:   policyClient,
		sender:   sender,

		methods:    newMethodStore(gateway),
		challenges: newChallengeStore(gateway),
		links:      newMagicLinkStore(gateway),
		devices:    newDeviceStore(gateway),
		backup:     newBackupCodeStore(gateway),
		pending:    newPendingLoginStore(gateway),
		tokens:     newTokenCache(gateway, cfg.Cache.TokenValidationTTL),
		authz:      newAuthzCache(gateway, cfg.Cache.AuthorizationTTL),

		limiter: rate.New(rdb, cfg.Redis.KeyPrefix, rate.Config{
			MaxAttempts: cfg.RateLimit.MaxAttempts,
			Window:      cfg.RateLimit.Window,
			DailyMax:    cfg.MagicLink.DailyLimit,
		}),
		totp:      newTOTPManager(cfg.MFA),
		audit:     newAuditDispatcher(cfg.Audit, sink),
		listeners: newEventListeners(),
		metrics:   metrics,
	}
	return engine, nil
}
