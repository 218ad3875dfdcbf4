package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/mattjoyce/invoicehook/internal/api"
	"github.com/mattjoyce/invoicehook/internal/dispatch"
	"github.com/mattjoyce/invoicehook/internal/events"
	"github.com/mattjoyce/invoicehook/internal/lifecycle"
	"github.com/mattjoyce/invoicehook/internal/log"
	"github.com/mattjoyce/invoicehook/internal/obs"
	"github.com/mattjoyce/invoicehook/internal/scheduler"
	"github.com/mattjoyce/invoicehook/internal/webhook"
)

const hubCapacity = 256

func runSystemNoun(args []string) int {
	return runNoun("system", []string{"start"}, map[string]nounHandler{
		"start": func(a []string) int {
			if hasHelpFlag(a) {
				fmt.Println("Usage: invoicehook system start [--config PATH] [--env-file PATH]")
				return 0
			}
			return runStart(a)
		},
	}, args)
}

func runStart(args []string) int {
	var common commonFlags
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := common.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.SetupWriter(os.Stderr, cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("invoicehook starting", "version", version, "config", cfg.SourcePath, "state_driver", cfg.State.Driver)

	metrics := obs.New(nil)
	metrics.SetBuildInfo(version)
	hub := events.NewHub(hubCapacity)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openApp(ctx, cfg, metrics)
	if err != nil {
		logger.Error("failed to open state", "error", err)
		return 1
	}
	defer a.Close()

	webhookConfig, err := webhook.FromGlobalConfig(cfg.Webhooks)
	if err != nil {
		logger.Error("failed to configure webhooks", "error", err)
		return 1
	}
	verifier, err := webhook.VerifierFromConfig(cfg.Webhooks)
	if err != nil {
		logger.Error("failed to configure token verification", "error", err)
		return 1
	}
	deps := webhook.Deps{
		Subscriptions: a.subs,
		Events:        a.events,
		Queue:         a.queue,
		Observer:      hub,
		Hub:           hub,
		Metrics:       metrics,
	}
	if verifier != nil {
		deps.Verifier = verifier
	} else {
		logger.Warn("bearer token verification is disabled")
	}
	webhookServer := webhook.New(webhookConfig, deps, log.WithComponent("webhook"))

	disp := dispatch.New(a.queue, a.accounts, a.creds, a.client, a.events, a.sink, dispatch.Options{
		Workers:        cfg.Processor.Workers,
		MaxAttempts:    cfg.Processor.MaxAttempts,
		Backoff:        cfg.Processor.Backoff,
		AttemptTimeout: cfg.Processor.AttemptTimeout,
		PollInterval:   cfg.Processor.PollInterval,
	}).WithHub(hub).WithMetrics(metrics)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 3)
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := webhookServer.Start(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("webhook: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := disp.Start(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	manager := lifecycle.NewManager(a.subs, a.accounts, a.client, log.WithComponent("lifecycle")).
		WithHub(hub).
		WithMetrics(metrics)

	if cfg.API.Enabled {
		apiServer := api.New(api.FromGlobalConfig(cfg.API, cfg.Lifecycle), api.Deps{
			Accounts:    a.accounts,
			Events:      a.events,
			Reprocessor: dispatch.NewReprocessor(a.events, a.queue),
			Jobs:        a.queue,
			Renewals:    manager,
		}, log.WithComponent("api"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if cfg.Lifecycle.Enabled {
		sched := scheduler.New(cfg.Lifecycle, manager, hub, log.WithComponent("scheduler"))
		if err := sched.Start(ctx); err != nil {
			logger.Error("failed to start scheduler", "error", err)
			return 1
		}
		defer sched.Stop()
	}

	logger.Info("invoicehook running (press Ctrl+C to stop)", "listen", webhookConfig.Listen)

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}
	cancel()
	wg.Wait()

	logger.Info("invoicehook stopped")
	return code
}
