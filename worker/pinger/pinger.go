// Copyright 2020 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package pinger implements bus self-health probing. The worker
// publishes pings on the admin topic and consumes its own echoes; a run
// of unanswered pings fails the worker, signalling the daemon to
// restart its bus plumbing.
package pinger

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/utils/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/lcm/core/message"
	"github.com/juju/lcm/msgbus"
)

var logger = loggo.GetLogger("lcm.pinger")

const (
	// maxMisses is how many consecutive unanswered pings are tolerated.
	maxMisses = 10

	// responseTimeout bounds the wait for one echo.
	responseTimeout = 10 * time.Second

	// shortInterval paces pings until the bus first answers;
	// longInterval paces them afterwards.
	shortInterval = 5 * time.Second
	longInterval  = 2 * time.Minute
)

// Config holds the dependencies of a Pinger.
type Config struct {
	Bus   msgbus.Bus
	Clock clock.Clock
}

// Validate returns an error if the config is not usable.
func (c Config) Validate() error {
	if c.Bus == nil {
		return errors.NotValidf("nil Bus")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Pinger is a worker probing bus round-trip health.
type Pinger struct {
	catacomb catacomb.Catacomb
	config   Config

	// id distinguishes this worker's pings from another process's.
	id string

	echoes chan struct{}
}

// New returns a started Pinger.
func New(config Config) (*Pinger, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	p := &Pinger{
		config: config,
		id:     utils.MustNewUUID().String(),
		echoes: make(chan struct{}, 1),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Name: "pinger",
		Site: &p.catacomb,
		Work: p.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return p, nil
}

// Kill is part of the worker.Worker interface.
func (p *Pinger) Kill() {
	p.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (p *Pinger) Wait() error {
	return p.catacomb.Wait()
}

func (p *Pinger) loop() error {
	unsubscribe, err := p.config.Bus.Subscribe(
		[]string{message.AdminTopic},
		func(topic, command string, payload map[string]interface{}) {
			if command != message.PingCommand {
				return
			}
			if id, _ := payload["worker-id"].(string); id != p.id {
				return
			}
			select {
			case p.echoes <- struct{}{}:
			default:
			}
		},
	)
	if err != nil {
		return errors.Trace(err)
	}
	defer unsubscribe()

	interval := shortInterval
	misses := 0
	for {
		err := p.config.Bus.Publish(message.AdminTopic, message.PingCommand, map[string]interface{}{
			"from":      "lcm",
			"to":        "lcm",
			"worker-id": p.id,
		})
		if err != nil {
			return errors.Annotate(err, "publishing ping")
		}
		select {
		case <-p.catacomb.Dying():
			return p.catacomb.ErrDying()
		case <-p.echoes:
			misses = 0
			interval = longInterval
		case <-p.config.Clock.After(responseTimeout):
			misses++
			logger.Warningf("ping unanswered (%d consecutive)", misses)
			if misses >= maxMisses {
				return errors.Errorf("message bus unresponsive after %d pings", misses)
			}
		}
		select {
		case <-p.catacomb.Dying():
			return p.catacomb.ErrDying()
		case <-p.config.Clock.After(interval):
		}
	}
}
