// Copyright 2019 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// lcmd is the lifecycle management daemon. It subscribes to the message
// bus, admits lifecycle requests against the concurrency tables and
// drives their workflows to completion, resuming any operations left
// incomplete by an earlier run.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/mgo/v3"
	"github.com/juju/worker/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/juju/lcm/client/remote"
	"github.com/juju/lcm/config"
	"github.com/juju/lcm/core/collaborator"
	"github.com/juju/lcm/msgbus/localbus"
	"github.com/juju/lcm/state"
	"github.com/juju/lcm/state/memstate"
	"github.com/juju/lcm/state/mongostate"
	"github.com/juju/lcm/worker/coordinator"
	"github.com/juju/lcm/worker/dispatcher"
	"github.com/juju/lcm/worker/engine"
	"github.com/juju/lcm/worker/pinger"
)

var logger = loggo.GetLogger("lcm.daemon")

var configSearchPath = []string{"./lcm.cfg", "/etc/osm/lcm.cfg"}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "lcmd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := gnuflag.NewFlagSet("lcmd", gnuflag.ContinueOnError)
	var configPath string
	flags.StringVar(&configPath, "c", "", "path to the configuration file")
	flags.StringVar(&configPath, "config", "", "")
	if err := flags.Parse(true, args); err != nil {
		return errors.Trace(err)
	}
	cfg, err := readConfig(configPath)
	if err != nil {
		return errors.Trace(err)
	}
	if err := setupLogging(cfg.Global); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(serve(cfg))
}

func readConfig(path string) (config.Config, error) {
	if path != "" {
		return config.Read(path)
	}
	for _, candidate := range configSearchPath {
		if _, err := os.Stat(candidate); err == nil {
			return config.Read(candidate)
		}
	}
	return config.Config{}, errors.NotFoundf("configuration file (searched %v)", configSearchPath)
}

func setupLogging(global config.Global) error {
	if global.LogFile != "" {
		f, err := os.OpenFile(global.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return errors.Annotate(err, "opening log file")
		}
		loggo.ReplaceDefaultWriter(loggo.NewSimpleWriter(f, loggo.DefaultFormatter))
	}
	cfg := config.Config{Global: global}
	return errors.Trace(loggo.ConfigureLoggers(cfg.LoggingConfig()))
}

func openStore(cfg config.Database, clk clock.Clock) (state.Store, func(), error) {
	switch cfg.Driver {
	case config.DatabaseMemory:
		return memstate.NewStore(clk), func() {}, nil
	case config.DatabaseMongo:
		session, err := mgo.Dial(cfg.URI)
		if err != nil {
			return nil, nil, errors.Annotate(err, "connecting to mongo")
		}
		st, err := mongostate.NewStore(mongostate.StoreParams{
			Database: session.DB(cfg.Name),
			Clock:    clk,
		})
		if err != nil {
			session.Close()
			return nil, nil, errors.Trace(err)
		}
		return st, session.Close, nil
	}
	return nil, nil, errors.NotValidf("database driver %q", cfg.Driver)
}

func collaborators(cfg config.Config) (collaborator.Registry, error) {
	registry := collaborator.Registry{}
	if cfg.RO.Host != "" {
		ro, err := remote.NewInvoker(remote.Config{
			Name:    collaborator.RO,
			BaseURL: fmt.Sprintf("http://%s:%d", cfg.RO.Host, cfg.RO.Port),
			Tenant:  cfg.RO.Tenant,
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		registry[collaborator.RO] = ro
	} else {
		logger.Warningf("no resource orchestrator configured; resource steps will fail")
	}
	if cfg.VCA.Host != "" {
		vca, err := remote.NewInvoker(remote.Config{
			Name:     collaborator.VCA,
			BaseURL:  fmt.Sprintf("http://%s:%d", cfg.VCA.Host, cfg.VCA.Port),
			Username: cfg.VCA.User,
			Secret:   cfg.VCA.Secret,
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		registry[collaborator.VCA] = vca
	} else {
		logger.Warningf("no configuration manager configured; application steps will fail")
	}
	return registry, nil
}

func serve(cfg config.Config) error {
	clk := clock.WallClock
	workflows, err := cfg.Workflows()
	if err != nil {
		return errors.Trace(err)
	}
	store, closeStore, err := openStore(cfg.Database, clk)
	if err != nil {
		return errors.Trace(err)
	}
	defer closeStore()

	bus := localbus.New()
	registry, err := collaborators(cfg)
	if err != nil {
		return errors.Trace(err)
	}

	metrics := prometheus.NewRegistry()
	if cfg.Global.MetricsPort != 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}))
		server := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Global.MetricsPort),
			Handler: mux,
		}
		go func() {
			if err := server.ListenAndServe(); err != http.ErrServerClosed {
				logger.Errorf("metrics server: %v", err)
			}
		}()
		defer server.Close()
	}

	coord, err := coordinator.New(coordinator.Config{
		Store:      store,
		Admissible: coordinator.DefaultAdmissible(),
		Registerer: metrics,
	})
	if err != nil {
		return errors.Trace(err)
	}
	eng, err := engine.New(engine.Config{
		Store:         store,
		Bus:           bus,
		Collaborators: registry,
		Releaser:      coord,
		Clock:         clk,
		Workflows:     workflows,
	})
	if err != nil {
		return errors.Trace(err)
	}
	disp, err := dispatcher.New(dispatcher.Config{
		Store:       store,
		Bus:         bus,
		Coordinator: coord,
		Engine:      eng,
		Clock:       clk,
		Workflows:   workflows,
	})
	if err != nil {
		return errors.Trace(err)
	}
	ping, err := pinger.New(pinger.Config{Bus: bus, Clock: clk})
	if err != nil {
		return errors.Trace(err)
	}

	// Any worker death is fatal. The process exits and the next run
	// resumes incomplete operations from the store.
	runner, err := worker.NewRunner(worker.RunnerParams{
		Name:    "lcmd",
		IsFatal: func(err error) bool { return true },
		Clock:   clk,
		Logger:  logger,
	})
	if err != nil {
		return errors.Trace(err)
	}
	workers := map[string]worker.Worker{
		"coordinator": coord,
		"engine":      eng,
		"dispatcher":  disp,
		"pinger":      ping,
	}
	for name, w := range workers {
		w := w
		if err := runner.StartWorker(context.Background(), name, func(context.Context) (worker.Worker, error) {
			return w, nil
		}); err != nil {
			return errors.Trace(err)
		}
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		logger.Infof("received %v, shutting down", sig)
		runner.Kill()
	}()

	logger.Infof("lifecycle daemon started")
	return errors.Trace(runner.Wait())
}
