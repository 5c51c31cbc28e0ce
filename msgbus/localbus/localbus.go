// Copyright 2019 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package localbus implements the message bus on an in-process hub. It
// serves single-process deployments and tests; topics never cross the
// process boundary.
package localbus

import (
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"

	"github.com/juju/lcm/msgbus"
)

var logger = loggo.GetLogger("lcm.msgbus.local")

// envelope is the hub payload. The hub itself only routes on topic, so
// the command rides alongside the body.
type envelope struct {
	command string
	payload map[string]interface{}
}

// Bus is an in-process msgbus.Bus. The hub delivers to each subscriber
// from a dedicated queue, so per-topic publication order is preserved.
type Bus struct {
	hub *pubsub.SimpleHub
}

// New returns an in-process bus.
func New() *Bus {
	return &Bus{
		hub: pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
			Logger: loggo.GetLogger("lcm.msgbus.local.hub"),
		}),
	}
}

// Publish is part of msgbus.Bus.
func (b *Bus) Publish(topic, command string, payload map[string]interface{}) error {
	if topic == "" {
		return errors.NotValidf("empty topic")
	}
	if command == "" {
		return errors.NotValidf("empty command")
	}
	logger.Tracef("publish %s/%s", topic, command)
	b.hub.Publish(topic, envelope{command: command, payload: payload})
	return nil
}

// Subscribe is part of msgbus.Bus.
func (b *Bus) Subscribe(topics []string, handler msgbus.Handler) (func(), error) {
	if len(topics) == 0 {
		return nil, errors.NotValidf("no topics")
	}
	if handler == nil {
		return nil, errors.NotValidf("nil handler")
	}
	unsubs := make([]func(), 0, len(topics))
	for _, topic := range topics {
		unsubs = append(unsubs, b.hub.Subscribe(topic, func(topic string, data interface{}) {
			env, ok := data.(envelope)
			if !ok {
				logger.Warningf("unexpected payload type %T on topic %q", data, topic)
				return
			}
			handler(topic, env.command, env.payload)
		}))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}, nil
}
