package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/scalytics/tellerline/internal/audit"
	"github.com/scalytics/tellerline/internal/authsession"
	"github.com/scalytics/tellerline/internal/banking"
	"github.com/scalytics/tellerline/internal/bus"
	"github.com/scalytics/tellerline/internal/channels"
	"github.com/scalytics/tellerline/internal/config"
	"github.com/scalytics/tellerline/internal/executor"
	"github.com/scalytics/tellerline/internal/identity"
	"github.com/scalytics/tellerline/internal/knowledge"
	"github.com/scalytics/tellerline/internal/observability"
	"github.com/scalytics/tellerline/internal/policy"
	"github.com/scalytics/tellerline/internal/provider"
	"github.com/scalytics/tellerline/internal/stepup"
	"github.com/scalytics/tellerline/internal/supervisor"
	"github.com/scalytics/tellerline/internal/timeline"
	"github.com/scalytics/tellerline/internal/tools"
)

const demoCustomerID = "cust-demo"

// runtime holds the wired service.
type runtime struct {
	cfg      *config.Config
	timeline *timeline.TimelineService
	bus      *bus.MessageBus
	metrics  *observability.Metrics
	sup      *supervisor.Supervisor
	whatsapp *channels.WhatsAppChannel
	closers  []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// buildRuntime wires every collaborator from cfg. onSent, if set, sees
// replies of channels that have no live gateway.
func buildRuntime(ctx context.Context, cfg *config.Config, onSent func(*bus.OutboundMessage)) (*runtime, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Paths.TimelineDB), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	tl, err := timeline.NewTimelineService(cfg.Paths.TimelineDB)
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		cfg:      cfg,
		timeline: tl,
		bus:      bus.NewMessageBus(),
		metrics:  observability.NewMetrics("tellerline", prometheus.NewRegistry()),
	}
	rt.closers = append(rt.closers, func() { _ = tl.Close() })
	fail := func(err error) (*runtime, error) {
		rt.Close()
		return nil, err
	}

	var sessions authsession.Store
	if cfg.Auth.Backend == "redis" {
		rs, err := authsession.NewRedisStore(cfg.Auth.RedisURL, cfg.Auth.SessionTTL())
		if err != nil {
			return fail(err)
		}
		rt.closers = append(rt.closers, func() { _ = rs.Close() })
		sessions = rs
	} else {
		ss, err := authsession.NewSQLStore(tl.DB())
		if err != nil {
			return fail(err)
		}
		sessions = ss
	}

	var core banking.Core
	if cfg.Banking.DatabaseURL != "" {
		pg, err := banking.NewPostgresCore(ctx, cfg.Banking.DatabaseURL)
		if err != nil {
			return fail(err)
		}
		rt.closers = append(rt.closers, pg.Close)
		core = pg
	} else {
		sc, err := banking.NewSQLCore(tl.DB())
		if err != nil {
			return fail(err)
		}
		if cfg.Banking.SeedDemo {
			if err := seedDemo(ctx, tl, sc); err != nil {
				return fail(err)
			}
		}
		core = sc
	}

	kb, err := knowledge.NewBase(tl.DB())
	if err != nil {
		return fail(err)
	}
	if err := kb.SeedDefaults(ctx); err != nil {
		return fail(err)
	}

	var sink audit.Sink = audit.NewTimelineSink(tl)
	if cfg.Audit.KafkaEnabled {
		ks := audit.NewKafkaSink(cfg.Audit.KafkaBrokers, cfg.Audit.KafkaTopic)
		rt.closers = append(rt.closers, func() { _ = ks.Close() })
		sink = audit.MultiSink{sink, ks}
	}
	recorder := audit.NewRecorder(sink)

	resolver := identity.NewResolver(tl, 5*time.Minute)
	var sender stepup.CodeSender = stepup.LogCodeSender{W: os.Stderr}
	if cfg.Auth.CodeDelivery == "email" {
		sender = channels.NewEmailCodeSender(cfg.Channels.Email)
	}
	handler := stepup.NewHandler(sessions, tl, sender, cfg.Auth, cfg.Support.HumanLine, resolver.Invalidate)

	engine := policy.WithDecisionLog(policy.NewDefaultEngine(), tl)
	exec := executor.New(tools.NewBankingRegistry(core), engine, recorder)

	gateways := channels.NewGateways()
	if cfg.Channels.WhatsApp.Enabled {
		rt.whatsapp = channels.NewWhatsAppChannel(cfg.Channels.WhatsApp, rt.bus)
		gateways.Register(rt.whatsapp)
	} else {
		gateways.Register(&channels.LogGateway{Channel: "whatsapp", Sent: onSent})
	}
	if cfg.Channels.Voice.Enabled {
		gateways.Register(channels.NewVoiceChannel(cfg.Channels.Voice))
	} else {
		gateways.Register(&channels.LogGateway{Channel: "voice", Sent: onSent})
	}
	if cfg.Channels.Email.Enabled {
		gateways.Register(channels.NewEmailChannel(cfg.Channels.Email))
	} else {
		gateways.Register(&channels.LogGateway{Channel: "email", Sent: onSent})
	}

	deps := supervisor.Deps{
		Config:    cfg,
		Timeline:  tl,
		Sessions:  sessions,
		Resolver:  resolver,
		StepUp:    handler,
		Grants:    policy.NewGrants(cfg.Permissions),
		Projector: banking.NewProjector(core),
		Knowledge: kb,
		Executor:  exec,
		Gateways:  gateways,
		Recorder:  recorder,
		Metrics:   rt.metrics,
		Bus:       rt.bus,
	}
	if cfg.Model.Enabled && cfg.Model.APIKey != "" {
		deps.Completer = provider.NewOpenAIProvider(cfg.Model.APIKey, cfg.Model.APIBase, cfg.Model.Name,
			cfg.Model.MaxTokens, cfg.Timeouts.Completion())
	}
	if cfg.Escalation.SlackEnabled {
		deps.Escalator = channels.NewSlackEscalator(cfg.Escalation)
	}
	sup, err := supervisor.New(deps)
	if err != nil {
		return fail(err)
	}
	rt.sup = sup
	slog.Debug("Runtime ready",
		"timeline", cfg.Paths.TimelineDB,
		"auth_backend", cfg.Auth.Backend,
		"postgres", cfg.Banking.DatabaseURL != "",
		"completion", deps.Completer != nil)
	return rt, nil
}

// seedDemo loads a demo customer so the pipeline can be tried locally.
func seedDemo(ctx context.Context, tl *timeline.TimelineService, core *banking.SQLCore) error {
	if c, err := tl.GetCustomer(ctx, demoCustomerID); err == nil && c != nil {
		return nil
	}
	if err := tl.UpsertCustomer(ctx, &timeline.Customer{
		ID:            demoCustomerID,
		FullName:      "Demo Customer",
		Phone:         "+15550001111",
		Email:         "demo@example.com",
		KBAQuestion:   "What was the name of your first pet?",
		KBAAnswerHash: stepup.HashAnswer("Biscuit"),
	}); err != nil {
		return fmt.Errorf("seed demo customer: %w", err)
	}
	return core.SeedDemo(ctx, demoCustomerID)
}
