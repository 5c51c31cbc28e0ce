// Copyright 2020 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package remote implements the collaborator contract over JSON HTTP,
// for resource orchestrator and configuration manager endpoints. The
// engine supplies the deadline through the call context; the client
// never waits beyond it.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/lcm/core/collaborator"
)

var logger = loggo.GetLogger("lcm.client.remote")

// Config holds a remote collaborator endpoint.
type Config struct {
	// Name labels the collaborator in logs, typically "ro" or "vca".
	Name string

	// BaseURL is the endpoint root, for example "http://ro:9090".
	BaseURL string

	// Username and Secret, when set, are sent as basic auth.
	Username string
	Secret   string

	// Tenant, when set, scopes requests to one tenancy.
	Tenant string

	// Client optionally overrides the HTTP client.
	Client *http.Client
}

// Validate returns an error if the config is not usable.
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.NotValidf("empty Name")
	}
	if c.BaseURL == "" {
		return errors.NotValidf("empty BaseURL")
	}
	return nil
}

// Invoker is a collaborator.Collaborator talking JSON to one endpoint.
type Invoker struct {
	config Config
	client *http.Client
}

// NewInvoker returns an Invoker for the endpoint.
func NewInvoker(config Config) (*Invoker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	client := config.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &Invoker{config: config, client: client}, nil
}

// actionResponse is the wire shape of a collaborator reply.
type actionResponse struct {
	Result string                 `json:"result"`
	Data   map[string]interface{} `json:"data,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// Invoke is part of collaborator.Collaborator.
func (i *Invoker) Invoke(ctx context.Context, action string, params map[string]interface{}) (collaborator.Result, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return collaborator.Result{}, errors.Trace(err)
	}
	url := fmt.Sprintf("%s/actions/%s", i.config.BaseURL, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return collaborator.Result{}, errors.Trace(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if i.config.Username != "" {
		req.SetBasicAuth(i.config.Username, i.config.Secret)
	}
	if i.config.Tenant != "" {
		req.Header.Set("X-Tenant", i.config.Tenant)
	}

	logger.Tracef("%s: POST %s", i.config.Name, url)
	resp, err := i.client.Do(req)
	if err != nil {
		return collaborator.Result{}, errors.Annotatef(err, "%s %q", i.config.Name, action)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return collaborator.Result{}, errors.Annotatef(err, "%s %q response", i.config.Name, action)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return collaborator.Result{
			Outcome:     collaborator.Failure,
			ErrorDetail: fmt.Sprintf("%s returned %s: %s", i.config.Name, resp.Status, payload),
		}, nil
	}
	var decoded actionResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return collaborator.Result{}, errors.Annotatef(err, "%s %q response", i.config.Name, action)
	}
	switch decoded.Result {
	case string(collaborator.Success), "":
		return collaborator.Result{Outcome: collaborator.Success, Data: decoded.Data}, nil
	case string(collaborator.Timeout):
		return collaborator.Result{Outcome: collaborator.Timeout}, nil
	default:
		return collaborator.Result{
			Outcome:     collaborator.Failure,
			Data:        decoded.Data,
			ErrorDetail: decoded.Error,
		}, nil
	}
}
