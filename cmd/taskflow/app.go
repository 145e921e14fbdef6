package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/alekspetrov/taskflow/internal/adapters/github"
	"github.com/alekspetrov/taskflow/internal/adapters/slack"
	"github.com/alekspetrov/taskflow/internal/config"
	"github.com/alekspetrov/taskflow/internal/logging"
	"github.com/alekspetrov/taskflow/internal/monitor"
	"github.com/alekspetrov/taskflow/internal/orchestrator"
	"github.com/alekspetrov/taskflow/internal/recurrence"
	"github.com/alekspetrov/taskflow/internal/store"
)

// app bundles the components shared by serve and the one-shot commands.
type app struct {
	cfg       *config.Config
	store     *store.Store
	svc       *orchestrator.Service
	scheduler *recurrence.Scheduler
	poller    *monitor.Poller
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// openApp loads config, opens the store and builds the engine. notifier may
// be nil for commands that have no subscribers.
func openApp(notifier orchestrator.Notifier) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := logging.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to init logging: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	svcOpts := []orchestrator.Option{
		orchestrator.WithMinPollInterval(cfg.Monitors.MinPollInterval),
		orchestrator.WithDefaultMaxRetries(cfg.Scheduler.DefaultMaxRetries),
		orchestrator.WithLogger(logging.WithComponent("orchestrator")),
	}
	if notifier != nil {
		svcOpts = append(svcOpts, orchestrator.WithNotifier(notifier))
	}
	svc := orchestrator.New(st, svcOpts...)

	scheduler := recurrence.NewScheduler(svc,
		recurrence.WithInterval(cfg.Scheduler.TickInterval),
		recurrence.WithMaterializeTimeout(cfg.Scheduler.MaterializeTimeout),
		recurrence.WithConcurrency(cfg.Scheduler.Concurrency),
		recurrence.WithBatchSize(cfg.Scheduler.BatchSize),
	)

	pollerOpts := []monitor.Option{
		monitor.WithInterval(cfg.Monitors.TickInterval),
		monitor.WithPollTimeout(cfg.Monitors.PollTimeout),
		monitor.WithConcurrency(cfg.Monitors.Concurrency),
	}
	pollerOpts = append(pollerOpts, providerClients(cfg.Providers)...)
	poller := monitor.NewPoller(svc, pollerOpts...)

	return &app{cfg: cfg, store: st, svc: svc, scheduler: scheduler, poller: poller}, nil
}

// providerClients registers a client for every provider that has a token.
func providerClients(p *config.ProvidersConfig) []monitor.Option {
	if p == nil {
		return nil
	}
	var opts []monitor.Option
	if gh := p.GitHub; gh != nil && gh.Token != "" {
		client := github.NewClient(gh.Token)
		if gh.BaseURL != "" {
			client = github.NewClientWithBaseURL(gh.Token, gh.BaseURL)
		}
		opts = append(opts, monitor.WithClient(client))
	}
	if sl := p.Slack; sl != nil && sl.BotToken != "" {
		client := slack.NewClient(sl.BotToken)
		if sl.BaseURL != "" {
			client = slack.NewClientWithBaseURL(sl.BotToken, sl.BaseURL)
		}
		opts = append(opts, monitor.WithClient(client))
	}
	return opts
}

func (a *app) Close() error {
	return a.store.Close()
}
