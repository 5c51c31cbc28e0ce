// Copyright 2019 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config reads the daemon's configuration file and the
// OSMLCM_SECTION_KEY environment overrides. Configuration is read once
// at process start and is immutable afterwards.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/yaml.v2"

	"github.com/juju/lcm/core/operation"
	"github.com/juju/lcm/workflow"
)

// Drivers accepted by the backend sections.
const (
	DatabaseMongo  = "mongo"
	DatabaseMemory = "memory"

	StorageLocal = "local"
	StorageMongo = "mongo"

	MessageLocal = "local"
	MessageKafka = "kafka"
)

// envPrefix is the environment override prefix, kept for compatibility
// with existing deployments.
const envPrefix = "OSMLCM_"

// Global holds process-wide settings.
type Global struct {
	// LogLevel is a loggo level name.
	LogLevel string `yaml:"loglevel"`
	LogFile  string `yaml:"logfile"`

	// MetricsPort, when non-zero, serves Prometheus metrics on the
	// given port.
	MetricsPort int `yaml:"metricsport"`
}

// Database selects and locates the state store.
type Database struct {
	Driver string `yaml:"driver"`
	URI    string `yaml:"uri"`
	Name   string `yaml:"name"`
}

// Storage selects the artifact storage backend. The daemon validates
// the selection; artifact handling itself lives with the catalogue
// services.
type Storage struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// Message selects and locates the message bus.
type Message struct {
	Driver string `yaml:"driver"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
}

// RO locates the resource orchestrator.
type RO struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Tenant string `yaml:"tenant"`
}

// VCA locates the configuration/application manager.
type VCA struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	User   string `yaml:"user"`
	Secret string `yaml:"secret"`
}

// KindTimeouts bounds one operation kind, as duration strings.
type KindTimeouts struct {
	Step    string `yaml:"step"`
	Ceiling string `yaml:"ceiling"`
}

// Config is the daemon configuration.
type Config struct {
	Global   Global                  `yaml:"global"`
	Database Database                `yaml:"database"`
	Storage  Storage                 `yaml:"storage"`
	Message  Message                 `yaml:"message"`
	RO       RO                      `yaml:"ro"`
	VCA      VCA                     `yaml:"vca"`
	Timeouts map[string]KindTimeouts `yaml:"timeouts"`
}

// Default returns the configuration used when the file and environment
// are silent.
func Default() Config {
	return Config{
		Global:   Global{LogLevel: "INFO"},
		Database: Database{Driver: DatabaseMemory, Name: "lcm"},
		Storage:  Storage{Driver: StorageLocal, Path: "/app/storage"},
		Message:  Message{Driver: MessageLocal},
		Timeouts: map[string]KindTimeouts{},
	}
}

// Read loads the configuration file, applies environment overrides and
// validates the result.
func Read(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotatef(err, "reading configuration %q", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Annotatef(err, "parsing configuration %q", path)
	}
	cfg.applyEnvironment()
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// applyEnvironment overlays OSMLCM_SECTION_KEY variables. Ports are
// parsed as integers; a malformed port is ignored with a warning rather
// than rejected, matching the original daemon's tolerance.
func (c *Config) applyEnvironment() {
	stringKeys := map[string]*string{
		"GLOBAL_LOGLEVEL": &c.Global.LogLevel,
		"GLOBAL_LOGFILE":  &c.Global.LogFile,
		"DATABASE_DRIVER": &c.Database.Driver,
		"DATABASE_URI":    &c.Database.URI,
		"DATABASE_NAME":   &c.Database.Name,
		"STORAGE_DRIVER":  &c.Storage.Driver,
		"STORAGE_PATH":    &c.Storage.Path,
		"MESSAGE_DRIVER":  &c.Message.Driver,
		"MESSAGE_HOST":    &c.Message.Host,
		"RO_HOST":         &c.RO.Host,
		"RO_TENANT":       &c.RO.Tenant,
		"VCA_HOST":        &c.VCA.Host,
		"VCA_USER":        &c.VCA.User,
		"VCA_SECRET":      &c.VCA.Secret,
	}
	for key, target := range stringKeys {
		if value, ok := os.LookupEnv(envPrefix + key); ok {
			*target = value
		}
	}
	intKeys := map[string]*int{
		"GLOBAL_METRICSPORT": &c.Global.MetricsPort,
		"MESSAGE_PORT":       &c.Message.Port,
		"RO_PORT":            &c.RO.Port,
		"VCA_PORT":           &c.VCA.Port,
	}
	for key, target := range intKeys {
		value, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			continue
		}
		port, err := strconv.Atoi(value)
		if err != nil {
			logger.Warningf("ignoring %s%s=%q: %v", envPrefix, key, value, err)
			continue
		}
		*target = port
	}
}

var logger = loggo.GetLogger("lcm.config")

// Validate returns an error if the configuration is unusable.
func (c Config) Validate() error {
	if _, ok := loggo.ParseLevel(c.Global.LogLevel); !ok {
		return errors.NotValidf("log level %q", c.Global.LogLevel)
	}
	switch c.Database.Driver {
	case DatabaseMongo:
		if c.Database.URI == "" {
			return errors.NotValidf("mongo database without uri")
		}
	case DatabaseMemory:
	default:
		return errors.NotValidf("database driver %q", c.Database.Driver)
	}
	if !set.NewStrings(StorageLocal, StorageMongo).Contains(c.Storage.Driver) {
		return errors.NotValidf("storage driver %q", c.Storage.Driver)
	}
	switch c.Message.Driver {
	case MessageLocal:
	case MessageKafka:
		return errors.NotSupportedf("message driver %q", c.Message.Driver)
	default:
		return errors.NotValidf("message driver %q", c.Message.Driver)
	}
	if _, err := c.Workflows(); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Workflows renders the timeout sections as workflow configuration,
// filling defaults for absent kinds.
func (c Config) Workflows() (workflow.Config, error) {
	wf := workflow.DefaultConfig()
	for name, t := range c.Timeouts {
		kind := operation.Kind(name)
		if !kind.KnownKind() {
			return workflow.Config{}, errors.NotValidf("timeouts for kind %q", name)
		}
		bounds := wf.Timeouts[kind]
		if t.Step != "" {
			step, err := time.ParseDuration(t.Step)
			if err != nil {
				return workflow.Config{}, errors.Annotatef(err, "%s step timeout", name)
			}
			bounds.Step = step
		}
		if t.Ceiling != "" {
			ceiling, err := time.ParseDuration(t.Ceiling)
			if err != nil {
				return workflow.Config{}, errors.Annotatef(err, "%s ceiling", name)
			}
			bounds.Ceiling = ceiling
		}
		wf.Timeouts[kind] = bounds
	}
	if err := wf.Validate(); err != nil {
		return workflow.Config{}, errors.Trace(err)
	}
	return wf, nil
}

// LoggingConfig renders the global section as a loggo configuration
// string.
func (c Config) LoggingConfig() string {
	return "<root>=" + strings.ToUpper(c.Global.LogLevel)
}
