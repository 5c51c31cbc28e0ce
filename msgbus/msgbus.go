// Copyright 2019 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package msgbus defines the message bus through which lifecycle requests
// arrive and status events leave. Implementations are selected by
// configuration; localbus provides the in-process driver.
package msgbus

// Handler receives messages delivered for a subscription. Delivery for a
// given topic preserves publication order; handlers for different topics
// may run concurrently.
type Handler func(topic, command string, payload map[string]interface{})

// Bus publishes and consumes commands on named topics.
type Bus interface {
	// Publish sends a command with its payload on a topic.
	Publish(topic, command string, payload map[string]interface{}) error

	// Subscribe registers a handler for the named topics, returning an
	// unsubscribe function. Messages published before the subscription
	// are not delivered.
	Subscribe(topics []string, handler Handler) (func(), error)
}
