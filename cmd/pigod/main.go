package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"pigo/pkg/catalog"
	"pigo/pkg/config"
	"pigo/pkg/failover"
	"pigo/pkg/log"
	"pigo/pkg/models"
	"pigo/pkg/platform"
	"pigo/pkg/poller"
	"pigo/pkg/probe"
	"pigo/pkg/race"
	"pigo/pkg/scheduler"
	"pigo/pkg/server"
	"pigo/pkg/store"
)

func main() {
	// Initialize logger
	_ = log.Logger

	configPath := flag.String("config", "", "YAML config file")
	profile := flag.String("profile", "", "Config profile when no file is given (production or development)")
	addr := flag.String("addr", "", "Control API listen address (overrides server.listen)")
	probeMethod := flag.String("probe-method", "", "Probe HTTP method, GET or HEAD (overrides probe.method)")
	probeTimeout := flag.Duration("probe-timeout", 0, "Probe timeout (overrides probe.timeout)")
	cadence := flag.Duration("cadence", 0, "Active poll cadence (overrides poll.cadence)")
	debug := flag.Bool("debug", false, "Enable debug logging")

	flag.Parse()

	cfg, err := loadConfig(*configPath, *profile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *addr != "" {
		cfg.Server.Listen = *addr
	}
	if *probeMethod != "" {
		cfg.Probe.Method = *probeMethod
	}
	if *probeTimeout > 0 {
		cfg.Probe.Timeout = *probeTimeout
	}
	if *cadence > 0 {
		cfg.Poll.Cadence = *cadence
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid log level")
	}
	log.SetLevel(level)
	if *debug {
		log.SetDebugMode()
		log.Debug().Msg("Debug mode enabled")
	}

	cat, err := catalog.Default()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load service catalog")
	}

	st := store.NewMemory()
	if err := seedDevices(st, cat, cfg.Devices); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed devices")
	}

	prober := probe.New(probe.Options{
		Method:             cfg.Probe.Method,
		RetryMax:           cfg.Probe.RetryMax,
		RetryWaitMin:       cfg.Probe.RetryWaitMin,
		RetryWaitMax:       cfg.Probe.RetryWaitMax,
		InsecureSkipVerify: cfg.Probe.InsecureSkipVerify,
		UserAgent:          cfg.Probe.UserAgent,
	})
	resolver := race.NewResolver(prober)

	poll := poller.New(resolver, st, poller.Options{
		Timeout:     cfg.Probe.Timeout,
		Parallelism: cfg.Poll.Parallelism,
	})
	signals := platform.New(nil, cfg.Platform.ConnectivityDebounce)
	sched := scheduler.New(poll, scheduler.Options{
		Cadence:          cfg.Poll.Cadence,
		BackoffCadence:   cfg.Poll.BackoffCadence,
		BackoffMaxCycles: cfg.Poll.BackoffMaxCycles,
	})
	detach := sched.Attach(signals, st)

	sessions := failover.New(resolver, st, failover.Options{
		StartTimeout:         cfg.Failover.StartTimeout,
		AlternateTimeout:     cfg.Failover.AlternateTimeout,
		MaxConsecutiveErrors: cfg.Failover.MaxConsecutiveErrors,
	})

	ctx, cancel := context.WithCancel(context.Background())
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Scheduler stopped")
		}
	}()

	log.Info().
		Str("profile", cfg.Profile).
		Str("probe_method", prober.Method()).
		Dur("probe_timeout", cfg.Probe.Timeout).
		Dur("cadence", cfg.Poll.Cadence).
		Dur("backoff_cadence", cfg.Poll.BackoffCadence).
		Int("devices", len(cfg.Devices)).
		Msg("Configured poller")

	srv := server.New(server.Deps{
		Store:           st,
		Scheduler:       sched,
		Signals:         signals,
		Sessions:        sessions,
		Resolver:        resolver,
		Catalog:         cat,
		ResolveTimeout:  cfg.Probe.Timeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	serveErr := srv.Start(cfg.Server.Listen)

	cancel()
	<-schedDone
	detach()
	if serveErr != nil {
		log.Error().Err(serveErr).Msg("Shutdown failed")
		os.Exit(1)
	}
	os.Exit(0)
}

func loadConfig(path, profile string) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.ForProfile(profile)
}

// seedDevices stores the configured devices and selects the one marked select.
func seedDevices(st store.Store, cat *catalog.Catalog, devices []config.DeviceConfig) error {
	for _, dc := range devices {
		device := models.Device{
			ID:        dc.ID,
			Name:      dc.Name,
			Addresses: dc.Addresses,
		}
		for _, sc := range dc.Services {
			var base models.Service
			if sc.CatalogID != "" {
				tmpl, ok := cat.Find(sc.CatalogID)
				if !ok {
					return fmt.Errorf("device %s: unknown catalog entry %q", dc.ID, sc.CatalogID)
				}
				base = tmpl
			}
			device.Services = append(device.Services, sc.Overlay(base))
		}

		stored, err := st.Upsert(device)
		if err != nil {
			return fmt.Errorf("device %s: %w", dc.ID, err)
		}
		log.Info().Str("device_id", stored.ID).Strs("addresses", stored.Addresses).Msg("Device seeded")

		if dc.Select {
			if _, err := st.Select(stored.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
