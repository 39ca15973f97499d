package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"hotel-price-watch/internal/config"
	"hotel-price-watch/internal/control"
	"hotel-price-watch/internal/dispatch"
	"hotel-price-watch/internal/evaluator"
	"hotel-price-watch/internal/metrics"
	"hotel-price-watch/internal/model"
	"hotel-price-watch/internal/monitor"
	"hotel-price-watch/internal/pricesource"
	"hotel-price-watch/internal/storage"
	"hotel-price-watch/internal/throttle"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFetcher() *pricesource.Client {
	up := a.Config.Upstream
	return pricesource.New(pricesource.Options{
		BaseURL:           up.BaseURL,
		APIKey:            up.APIKey,
		Timeout:           up.RequestTimeout,
		MaxAttempts:       up.MaxAttempts,
		RequestsPerSecond: up.RequestsPerSecond,
		Burst:             up.Burst,
		CacheTTL:          up.CacheTTL,
		UserAgent:         up.UserAgent,
	}, a.Logger)
}

func (a *App) newMailer() (dispatch.Mailer, error) {
	if !a.Config.Email.Enabled {
		a.Logger.Warn().Msg("email disabled; alerts are logged instead of sent")
		return dispatch.NewLogMailer(a.Logger), nil
	}
	return dispatch.NewShoutrrrMailer(a.Config.Email.URL, a.Config.Email.Timeout, a.Logger)
}

func (a *App) newOpsNotifier() dispatch.OpsNotifier {
	if a.Config.Ops.Telegram.Enabled {
		cfg := a.Config.Ops.Telegram
		return dispatch.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return dispatch.NopNotifier{}
}

func (a *App) newEvaluator() *evaluator.Evaluator {
	al := a.Config.Alerting
	return evaluator.New(evaluator.Thresholds{
		Amount:   decimal.NewFromFloat(al.PriceDropAmount),
		Percent:  decimal.NewFromFloat(al.PriceDropPercent),
		LastRoom: al.LastRoomThreshold,
	})
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn not configured")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	return store, store.Close, nil
}

// pipeline is a fully wired orchestrator and the pieces commands reach into.
type pipeline struct {
	orch     *monitor.Orchestrator
	throttle *throttle.Throttle
}

func (a *App) newPipeline(repo storage.Repository, fetcher pricesource.Fetcher, mailer dispatch.Mailer, m *metrics.Metrics) (*pipeline, error) {
	opts, err := monitor.OptionsFromConfig(a.Config)
	if err != nil {
		return nil, err
	}

	th := throttle.New(repo, a.Config.Alerting.DailyCap, a.Config.Alerting.ThrottleWindow)
	orch := monitor.New(monitor.Deps{
		Repo:       repo,
		Fetcher:    fetcher,
		Evaluator:  a.newEvaluator(),
		Throttle:   th,
		Dispatcher: dispatch.New(mailer, repo, th, a.Logger),
		Ops:        a.newOpsNotifier(),
		Metrics:    m,
	}, opts, a.Logger)
	return &pipeline{orch: orch, throttle: th}, nil
}

// openPipeline wires the production pipeline against PostgreSQL.
func (a *App) openPipeline(ctx context.Context, m *metrics.Metrics) (*pipeline, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	mailer, err := a.newMailer()
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	p, err := a.newPipeline(store, a.newFetcher(), mailer, m)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	closer := func() {
		_ = p.orch.Shutdown()
		closeStore()
	}
	return p, closer, nil
}

// gatherer returns the registry behind /metrics, or nil when it is disabled.
func (a *App) gatherer(m *metrics.Metrics) prometheus.Gatherer {
	if !a.Config.Metrics.Enabled || m == nil {
		return nil
	}
	return m.Registry()
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m, err := metrics.New(nil)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	p, closePipeline, err := a.openPipeline(ctx, m)
	if err != nil {
		return err
	}
	defer closePipeline()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.orch.Run(gctx)
	})
	if a.Config.Control.Enabled {
		srv := control.New(p.orch, a.gatherer(m), a.Logger)
		g.Go(func() error {
			return srv.Serve(gctx, a.Config.Control.Listen)
		})
	}

	a.Logger.Info().Str("environment", a.Config.App.Environment).Msg("starting monitoring service")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) ([]string, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer closeStore()

	applied, err := store.Migrate(ctx, a.Config.Database.MigrationsPath)
	if err != nil {
		return applied, err
	}
	a.Logger.Info().Strs("applied", applied).Msg("migrations complete")
	return applied, nil
}

// Check polls one target now and evaluates the watch items on it.
func (a *App) Check(ctx context.Context, target model.Target) (monitor.TargetResult, error) {
	p, closePipeline, err := a.openPipeline(ctx, nil)
	if err != nil {
		return monitor.TargetResult{}, err
	}
	defer closePipeline()

	return p.orch.CheckTarget(ctx, target)
}

// Digest sends the daily digest now.
func (a *App) Digest(ctx context.Context) (monitor.DigestReport, error) {
	p, closePipeline, err := a.openPipeline(ctx, nil)
	if err != nil {
		return monitor.DigestReport{}, err
	}
	defer closePipeline()

	return p.orch.RunDigest(ctx)
}

// Maintenance expires past stays and prunes retained data now.
func (a *App) Maintenance(ctx context.Context) (monitor.MaintenanceReport, error) {
	p, closePipeline, err := a.openPipeline(ctx, nil)
	if err != nil {
		return monitor.MaintenanceReport{}, err
	}
	defer closePipeline()

	return p.orch.RunMaintenance(ctx)
}

// ExportOptions hold parameters for exporting observation history.
type ExportOptions struct {
	Target    model.Target
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Target model.Target
	Since  time.Duration
	Limit  int
}
