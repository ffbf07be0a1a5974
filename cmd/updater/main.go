// CTI Updater
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/oxbowsec/cti-updater

// Package main is the entry point for the CTI update engine.
//
// The engine initializes components in the following order:
//
//  1. Configuration: load settings from environment variables and an
//     optional config file (Koanf v2)
//  2. Logging: initialize the zerolog global logger
//  3. Publisher: NATS-backed if a broker URL is configured, otherwise a
//     no-op sink
//  4. On-demand registry: the process-wide topicName -> Handler map
//  5. Actions: one per configured topic, each binding a Scheduler, an
//     on-demand registration, and an Orchestrator
//  6. Supervisor tree: storage (KV store compaction), scheduling (one
//     service per Action), and API (on-demand HTTP + Prometheus metrics)
//
// # Signal Handling
//
// The process handles graceful shutdown on SIGINT and SIGTERM: the
// signal cancels the root context, the supervisor tree stops every
// service within its shutdown timeout, and each Action's endpoints are
// cleared before exit.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oxbowsec/cti-updater/internal/action"
	"github.com/oxbowsec/cti-updater/internal/config"
	"github.com/oxbowsec/cti-updater/internal/downloader"
	"github.com/oxbowsec/cti-updater/internal/kvstore"
	"github.com/oxbowsec/cti-updater/internal/logging"
	"github.com/oxbowsec/cti-updater/internal/ondemand"
	"github.com/oxbowsec/cti-updater/internal/publish"
	"github.com/oxbowsec/cti-updater/internal/supervisor"
	"github.com/oxbowsec/cti-updater/internal/supervisor/services"
	"github.com/oxbowsec/cti-updater/internal/updatectx"
)

// listenAddrEnvVar names the environment variable that overrides the
// on-demand + metrics HTTP listen address (default ":3857"). It is read
// directly since it is a deployment detail rather than a topic-level
// setting in ActionConfig.
const listenAddrEnvVar = "CTI_UPDATER_LISTEN_ADDR"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher, err := buildPublisher(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to build publisher")
	}
	defer publisher.Close()

	registry := ondemand.NewRegistry()

	actions, stores, err := buildActions(cfg, registry, publisher)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to build actions")
	}

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to build supervisor tree")
	}

	for _, a := range actions {
		tree.AddSchedulingService(action.NewService(a))
	}
	for _, store := range stores {
		loop := kvstore.NewCompactionLoop(store, time.Hour)
		tree.AddStorageService(services.NewCompactionService(loop))
	}

	mux := http.NewServeMux()
	mux.Handle("/ondemand/", registry.Router())
	mux.Handle("/metrics", promhttp.Handler())

	addr := os.Getenv(listenAddrEnvVar)
	if addr == "" {
		addr = ":3857"
	}
	server := &http.Server{Addr: addr, Handler: mux}
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	logging.Info().Int("actions", len(actions)).Msg("starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("service failed to stop")
		}
	}

	for _, a := range actions {
		if err := a.ClearEndpoints(); err != nil {
			logging.Error().Err(err).Str("topic", a.Topic()).Msg("failed to clear action endpoints")
		}
	}

	logging.Info().Msg("cti-updater stopped gracefully")
}

// buildPublisher returns a NATS-backed Publisher when a broker URL is
// configured, otherwise a no-op sink. A dial failure here is fatal since
// every Action shares the same publisher.
func buildPublisher(cfg *config.Config) (publish.Publisher, error) {
	if cfg.NATSURL == "" {
		return &publish.NoopPublisher{}, nil
	}
	pub, err := publish.NewNATSPublisher(publish.DefaultConfig(cfg.NATSURL), "cti-updater")
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATSURL, err)
	}
	return pub, nil
}

// buildActions constructs one Action per configured topic and registers
// it for on-demand dispatch if requested. stores collects every distinct
// KV store opened along the way so main can attach a compaction loop to
// each.
func buildActions(cfg *config.Config, registry *ondemand.Registry, publisher publish.Publisher) ([]*action.Action, []*kvstore.KVStore, error) {
	actions := make([]*action.Action, 0, len(cfg.Actions))
	stores := make([]*kvstore.KVStore, 0, len(cfg.Actions))

	for _, ac := range cfg.Actions {
		dl := downloader.New(downloader.DefaultConfig(ac.TopicName))

		a, err := action.New(action.Config{
			TopicName: ac.TopicName,
			Interval:  time.Duration(ac.Interval) * time.Second,
			OnDemand:  ac.OnDemand,
			Data: updatectx.ConfigData{
				URL:                     ac.URL,
				ContentSource:           ac.ContentSource,
				CompressionType:         ac.CompressionType,
				DataFormat:              ac.DataFormat,
				DeleteDownloadedContent: ac.DeleteDownloadedContent,
				OutputFolder:            ac.OutputFolder,
				ContentFileName:         ac.ContentFileName,
				DatabasePath:            ac.DatabasePath,
				TopicName:               ac.TopicName,
				Interval:                ac.Interval,
				ConsumerName:            ac.ConsumerName,
			},
		}, registry, dl, publisher)
		if err != nil {
			return nil, nil, fmt.Errorf("action %q: %w", ac.TopicName, err)
		}

		if ac.OnDemand {
			if err := a.RegisterOnDemand(); err != nil {
				return nil, nil, fmt.Errorf("action %q: register on-demand: %w", ac.TopicName, err)
			}
		}

		actions = append(actions, a)
		if store := a.Store(); store != nil {
			stores = append(stores, store)
		}
		logging.Info().Str("topic", ac.TopicName).Bool("ondemand", ac.OnDemand).Msg("action configured")
	}

	return actions, stores, nil
}
