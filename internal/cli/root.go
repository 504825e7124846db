package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ogulcanaydogan/budgetgate/internal/config"
	"github.com/ogulcanaydogan/budgetgate/pkg/admission"
	"github.com/ogulcanaydogan/budgetgate/pkg/alerts"
	"github.com/ogulcanaydogan/budgetgate/pkg/budget"
	"github.com/ogulcanaydogan/budgetgate/pkg/deployment"
	"github.com/ogulcanaydogan/budgetgate/pkg/ledger"
	"github.com/ogulcanaydogan/budgetgate/pkg/metrics"
	"github.com/ogulcanaydogan/budgetgate/pkg/tracker"
)

// Version is set at build time via ldflags.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "bgate",
	Short: "budgetgate - provider budget admission for LLM routers",
	Long: `budgetgate keeps LLM traffic inside per-provider spend budgets.
It removes deployments whose provider has used up its budget for the current
period before the router picks one, and records the cost of each completed
request against a shared spend ledger.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.bgate/config.yaml)")
}

// loadConfig loads the configuration.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// newLogger creates a structured logger from config.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}

// initRegistry builds the budget registry from the budgets section.
func initRegistry(cfg *config.Config) (*budget.Registry, error) {
	registry, err := budget.NewRegistry(cfg.BudgetDefinitions())
	if err != nil {
		return nil, fmt.Errorf("load budgets: %w", err)
	}
	return registry, nil
}

// initLedger opens the configured ledger backend. Shared backends are
// fronted by a local mirror when ledger.local_cache_ttl is positive.
func initLedger(ctx context.Context, cfg *config.Config) (ledger.Ledger, error) {
	var shared ledger.Ledger
	switch cfg.Ledger.Backend {
	case config.BackendMemory:
		return ledger.NewMemory(), nil
	case config.BackendSQLite:
		l, err := ledger.NewSQLite(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		shared = l
	case config.BackendRedis:
		l, err := ledger.DialRedis(ctx, ledger.RedisConfig{
			Addr:         cfg.Redis.Addr,
			ClusterAddrs: cfg.Redis.ClusterAddrs,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		shared = l
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}

	if cfg.Ledger.LocalCacheTTL > 0 {
		return ledger.NewDualCache(shared, cfg.Ledger.LocalCacheTTL), nil
	}
	return shared, nil
}

// initNotifiers creates alert notifiers from config.
func initNotifiers(cfg *config.Config) []alerts.Notifier {
	var notifiers []alerts.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alerts.NewSlackNotifier(
			cfg.Alerts.Slack.WebhookURL,
			cfg.Alerts.Slack.Channel,
		))
	}

	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alerts.NewWebhookNotifier(
			cfg.Alerts.Webhook.URL,
			cfg.Alerts.Webhook.Secret,
		))
	}

	return notifiers
}

// gate is the fully wired admission filter and spend recorder sharing one
// ledger and one live budget registry.
type gate struct {
	cfg      *config.Config
	logger   *slog.Logger
	budgets  *budget.Live
	ledger   ledger.Ledger
	filter   *admission.Filter
	recorder *tracker.SpendRecorder
	promReg  *prometheus.Registry
}

// initGate wires every component from config.
func initGate(ctx context.Context, cfg *config.Config) (*gate, error) {
	logger := newLogger(cfg)

	registry, err := initRegistry(cfg)
	if err != nil {
		return nil, err
	}

	policy, err := admission.ParseReadFailurePolicy(cfg.Ledger.ReadFailurePolicy)
	if err != nil {
		return nil, fmt.Errorf("load ledger config: %w", err)
	}

	classifier, err := deployment.NewClassifier(cfg.ClassifierRules(), logger)
	if err != nil {
		return nil, fmt.Errorf("load classifier rules: %w", err)
	}

	l, err := initLedger(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	promReg := prometheus.NewRegistry()
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(promReg)
	}

	live := budget.NewLive(registry)
	filter := admission.NewFilter(live, l, classifier, admission.Config{
		ReadTimeout:       cfg.Ledger.ReadTimeout,
		ReadFailurePolicy: policy,
	}, admission.WithLogger(logger), admission.WithMetrics(m))

	recorder := tracker.NewSpendRecorder(live, l,
		tracker.WithNotifiers(initNotifiers(cfg)...),
		tracker.WithThresholdPct(cfg.Alerts.ThresholdPct),
		tracker.WithLogger(logger),
		tracker.WithMetrics(m),
	)

	logger.Debug("budgetgate initialised",
		"backend", cfg.Ledger.Backend,
		"budgets", registry.Len(),
		"read_failure_policy", policy,
	)

	return &gate{
		cfg:      cfg,
		logger:   logger,
		budgets:  live,
		ledger:   l,
		filter:   filter,
		recorder: recorder,
		promReg:  promReg,
	}, nil
}

// Close releases the ledger.
func (g *gate) Close() error {
	return g.ledger.Close()
}
