// Copyright 2019 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config_test

import (
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/lcm/config"
	"github.com/juju/lcm/core/operation"
)

type ConfigSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&ConfigSuite{})

func (s *ConfigSuite) writeFile(c *gc.C, content string) string {
	path := filepath.Join(c.MkDir(), "lcm.cfg")
	err := os.WriteFile(path, []byte(content), 0644)
	c.Assert(err, jc.ErrorIsNil)
	return path
}

func (s *ConfigSuite) TestDefaults(c *gc.C) {
	cfg, err := config.Read(s.writeFile(c, ""))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg.Global.LogLevel, gc.Equals, "INFO")
	c.Check(cfg.Database.Driver, gc.Equals, config.DatabaseMemory)
	c.Check(cfg.Database.Name, gc.Equals, "lcm")
	c.Check(cfg.Storage.Driver, gc.Equals, config.StorageLocal)
	c.Check(cfg.Storage.Path, gc.Equals, "/app/storage")
	c.Check(cfg.Message.Driver, gc.Equals, config.MessageLocal)
}

func (s *ConfigSuite) TestReadFile(c *gc.C) {
	cfg, err := config.Read(s.writeFile(c, `
global:
  loglevel: DEBUG
  metricsport: 9100
database:
  driver: mongo
  uri: mongodb://db/
  name: osm
ro:
  host: ro.example
  port: 9090
  tenant: osm
vca:
  host: vca.example
  port: 17070
  user: admin
  secret: sekrit
`))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg.Global.LogLevel, gc.Equals, "DEBUG")
	c.Check(cfg.Global.MetricsPort, gc.Equals, 9100)
	c.Check(cfg.Database.Driver, gc.Equals, config.DatabaseMongo)
	c.Check(cfg.Database.URI, gc.Equals, "mongodb://db/")
	c.Check(cfg.Database.Name, gc.Equals, "osm")
	c.Check(cfg.RO.Host, gc.Equals, "ro.example")
	c.Check(cfg.RO.Port, gc.Equals, 9090)
	c.Check(cfg.VCA.User, gc.Equals, "admin")
	c.Check(cfg.VCA.Secret, gc.Equals, "sekrit")
}

func (s *ConfigSuite) TestMissingFile(c *gc.C) {
	_, err := config.Read(filepath.Join(c.MkDir(), "absent.cfg"))
	c.Assert(err, gc.ErrorMatches, `reading configuration ".*absent.cfg": .*`)
}

func (s *ConfigSuite) TestMalformedFile(c *gc.C) {
	_, err := config.Read(s.writeFile(c, "{not yaml"))
	c.Assert(err, gc.ErrorMatches, `parsing configuration ".*": .*`)
}

func (s *ConfigSuite) TestEnvironmentOverrides(c *gc.C) {
	s.PatchEnvironment("OSMLCM_GLOBAL_LOGLEVEL", "WARNING")
	s.PatchEnvironment("OSMLCM_DATABASE_DRIVER", "mongo")
	s.PatchEnvironment("OSMLCM_DATABASE_URI", "mongodb://env/")
	s.PatchEnvironment("OSMLCM_RO_HOST", "ro.env")
	s.PatchEnvironment("OSMLCM_RO_PORT", "9191")
	cfg, err := config.Read(s.writeFile(c, `
database:
  uri: mongodb://file/
ro:
  host: ro.file
`))
	c.Assert(err, jc.ErrorIsNil)
	// Environment wins over the file.
	c.Check(cfg.Global.LogLevel, gc.Equals, "WARNING")
	c.Check(cfg.Database.Driver, gc.Equals, config.DatabaseMongo)
	c.Check(cfg.Database.URI, gc.Equals, "mongodb://env/")
	c.Check(cfg.RO.Host, gc.Equals, "ro.env")
	c.Check(cfg.RO.Port, gc.Equals, 9191)
}

func (s *ConfigSuite) TestMalformedPortIgnored(c *gc.C) {
	s.PatchEnvironment("OSMLCM_RO_PORT", "not-a-port")
	cfg, err := config.Read(s.writeFile(c, `
ro:
  port: 9090
`))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg.RO.Port, gc.Equals, 9090)
}

func (s *ConfigSuite) TestBadLogLevel(c *gc.C) {
	_, err := config.Read(s.writeFile(c, `
global:
  loglevel: CHATTY
`))
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
	c.Assert(err, gc.ErrorMatches, `log level "CHATTY" not valid`)
}

func (s *ConfigSuite) TestMongoWithoutURI(c *gc.C) {
	_, err := config.Read(s.writeFile(c, `
database:
  driver: mongo
`))
	c.Assert(err, gc.ErrorMatches, "mongo database without uri not valid")
}

func (s *ConfigSuite) TestUnknownDatabaseDriver(c *gc.C) {
	_, err := config.Read(s.writeFile(c, `
database:
  driver: etcd
`))
	c.Assert(err, gc.ErrorMatches, `database driver "etcd" not valid`)
}

func (s *ConfigSuite) TestUnknownStorageDriver(c *gc.C) {
	_, err := config.Read(s.writeFile(c, `
storage:
  driver: s3
`))
	c.Assert(err, gc.ErrorMatches, `storage driver "s3" not valid`)
}

func (s *ConfigSuite) TestKafkaNotSupported(c *gc.C) {
	_, err := config.Read(s.writeFile(c, `
message:
  driver: kafka
`))
	c.Assert(err, jc.Satisfies, errors.IsNotSupported)
}

func (s *ConfigSuite) TestUnknownMessageDriver(c *gc.C) {
	_, err := config.Read(s.writeFile(c, `
message:
  driver: carrier-pigeon
`))
	c.Assert(err, gc.ErrorMatches, `message driver "carrier-pigeon" not valid`)
}

func (s *ConfigSuite) TestWorkflowsDefaults(c *gc.C) {
	cfg, err := config.Read(s.writeFile(c, ""))
	c.Assert(err, jc.ErrorIsNil)
	wf, err := cfg.Workflows()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(wf.Timeouts[operation.Instantiate].Step, gc.Equals, 30*time.Minute)
	c.Check(wf.Timeouts[operation.Instantiate].Ceiling, gc.Equals, 2*time.Hour)
}

func (s *ConfigSuite) TestWorkflowsOverlay(c *gc.C) {
	cfg, err := config.Read(s.writeFile(c, `
timeouts:
  instantiate:
    step: 10m
    ceiling: 1h
  action:
    ceiling: 20m
`))
	c.Assert(err, jc.ErrorIsNil)
	wf, err := cfg.Workflows()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(wf.Timeouts[operation.Instantiate].Step, gc.Equals, 10*time.Minute)
	c.Check(wf.Timeouts[operation.Instantiate].Ceiling, gc.Equals, time.Hour)
	// A partial section keeps the default for the absent bound.
	c.Check(wf.Timeouts[operation.Action].Step, gc.Equals, 5*time.Minute)
	c.Check(wf.Timeouts[operation.Action].Ceiling, gc.Equals, 20*time.Minute)
	// Untouched kinds keep their defaults.
	c.Check(wf.Timeouts[operation.Terminate].Step, gc.Equals, 15*time.Minute)
}

func (s *ConfigSuite) TestWorkflowsUnknownKind(c *gc.C) {
	_, err := config.Read(s.writeFile(c, `
timeouts:
  reboot:
    step: 10m
`))
	c.Assert(err, gc.ErrorMatches, `timeouts for kind "reboot" not valid`)
}

func (s *ConfigSuite) TestWorkflowsBadDuration(c *gc.C) {
	_, err := config.Read(s.writeFile(c, `
timeouts:
  instantiate:
    step: buckets
`))
	c.Assert(err, gc.ErrorMatches, `instantiate step timeout: .*`)
}

func (s *ConfigSuite) TestWorkflowsCeilingBelowStep(c *gc.C) {
	_, err := config.Read(s.writeFile(c, `
timeouts:
  instantiate:
    ceiling: 1m
`))
	c.Assert(err, gc.NotNil)
}

func (s *ConfigSuite) TestLoggingConfig(c *gc.C) {
	cfg := config.Default()
	cfg.Global.LogLevel = "debug"
	c.Check(cfg.LoggingConfig(), gc.Equals, "<root>=DEBUG")
}
