// Copyright 2020 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package workflow builds the named step sequences the engine runs, one
// per operation kind, and owns the status mapping each kind implies for
// its entity.
package workflow

import (
	"time"

	"github.com/juju/errors"

	"github.com/juju/lcm/core/collaborator"
	"github.com/juju/lcm/core/entity"
	"github.com/juju/lcm/core/operation"
)

// Timeouts bound the steps of one operation kind. Step is the default
// per-step deadline; Ceiling bounds the whole operation even mid-retry.
type Timeouts struct {
	Step    time.Duration
	Ceiling time.Duration
}

// Validate returns an error if the timeouts are not usable.
func (t Timeouts) Validate() error {
	if t.Step <= 0 {
		return errors.NotValidf("non-positive step timeout")
	}
	if t.Ceiling < t.Step {
		return errors.NotValidf("ceiling below step timeout")
	}
	return nil
}

// Config parameterises workflow construction.
type Config struct {
	// Timeouts supplies bounds per operation kind. Every known kind
	// must be present.
	Timeouts map[operation.Kind]Timeouts

	// Retry is the default per-step retry policy.
	Retry operation.RetryPolicy
}

// Validate returns an error if the config is not usable.
func (c Config) Validate() error {
	for _, kind := range operation.Kinds() {
		t, ok := c.Timeouts[kind]
		if !ok {
			return errors.NotValidf("missing timeouts for kind %q", kind)
		}
		if err := t.Validate(); err != nil {
			return errors.Annotatef(err, "kind %q", kind)
		}
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.NotValidf("retry policy allowing no attempts")
	}
	return nil
}

// DefaultConfig returns the timeouts used when configuration does not
// override them. The instantiate ceiling is deliberately generous; image
// transfer and charm deployment dominate it.
func DefaultConfig() Config {
	return Config{
		Timeouts: map[operation.Kind]Timeouts{
			operation.Instantiate: {Step: 30 * time.Minute, Ceiling: 2 * time.Hour},
			operation.Terminate:   {Step: 15 * time.Minute, Ceiling: time.Hour},
			operation.Scale:       {Step: 15 * time.Minute, Ceiling: time.Hour},
			operation.Action:      {Step: 5 * time.Minute, Ceiling: 10 * time.Minute},
			operation.Heal:        {Step: 15 * time.Minute, Ceiling: time.Hour},
		},
		Retry: operation.RetryPolicy{
			MaxAttempts: 3,
			Backoff:     10 * time.Second,
		},
	}
}

// Ceiling returns the whole-operation bound for a kind.
func (c Config) Ceiling(kind operation.Kind) time.Duration {
	return c.Timeouts[kind].Ceiling
}

// configureGroup marks per-member configuration steps that run as one
// awaited fan-out group.
const configureGroup = "configure"

// Steps builds the step sequence for an operation against an entity. The
// entity supplies member names when the params do not carry them.
func (c Config) Steps(kind operation.Kind, e *entity.Entity, params operation.Params) ([]operation.Step, error) {
	if err := c.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if params != nil && params.ParamsKind() != kind {
		return nil, errors.NotValidf("%s params on %s operation", params.ParamsKind(), kind)
	}
	var steps []operation.Step
	var err error
	switch kind {
	case operation.Instantiate:
		steps, err = c.instantiateSteps(e, params)
	case operation.Terminate:
		steps, err = c.terminateSteps(e)
	case operation.Scale:
		steps, err = c.scaleSteps(e, params)
	case operation.Action:
		steps, err = c.actionSteps(params)
	case operation.Heal:
		steps, err = c.healSteps(e, params)
	default:
		return nil, errors.NotValidf("operation kind %q", kind)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	for i := range steps {
		steps[i].Status = operation.StepPending
	}
	return steps, nil
}

func (c Config) instantiateSteps(e *entity.Entity, params operation.Params) ([]operation.Step, error) {
	t := c.Timeouts[operation.Instantiate]
	var vimAccount string
	var members []string
	if p, ok := params.(operation.InstantiateParams); ok {
		vimAccount = p.VIMAccount
		members = p.Members
	}
	if len(members) == 0 {
		members = entityMembers(e)
	}
	steps := []operation.Step{{
		Name:   "allocate-resources",
		Target: collaborator.RO,
		Action: "allocate",
		Parameters: map[string]interface{}{
			"entity-id":   e.ID,
			"vim-account": vimAccount,
			"config":      e.Config,
		},
		Timeout: t.Step,
		Retry:   c.Retry,
		Rollback: &operation.Rollback{
			Action:     "deallocate",
			Parameters: map[string]interface{}{"entity-id": e.ID},
			Timeout:    t.Step,
		},
	}}
	steps = append(steps, c.configureSteps(e, members, t)...)
	return steps, nil
}

// configureSteps builds one configure-application step per member. With
// more than one member the steps share a group and run concurrently.
func (c Config) configureSteps(e *entity.Entity, members []string, t Timeouts) []operation.Step {
	if len(members) == 0 {
		members = []string{e.ID}
	}
	group := ""
	if len(members) > 1 {
		group = configureGroup
	}
	steps := make([]operation.Step, 0, len(members))
	for _, member := range members {
		steps = append(steps, operation.Step{
			Name:   "configure-application",
			Target: collaborator.VCA,
			Action: "configure",
			Parameters: map[string]interface{}{
				"entity-id": e.ID,
				"member":    member,
			},
			Timeout: t.Step,
			Retry:   c.Retry,
			Group:   group,
			Rollback: &operation.Rollback{
				Action: "release",
				Parameters: map[string]interface{}{
					"entity-id": e.ID,
					"member":    member,
				},
				Timeout: t.Step,
			},
		})
	}
	return steps
}

func (c Config) terminateSteps(e *entity.Entity) ([]operation.Step, error) {
	t := c.Timeouts[operation.Terminate]
	members := deployedMembers(e)
	group := ""
	if len(members) > 1 {
		group = configureGroup
	}
	var steps []operation.Step
	for _, member := range members {
		steps = append(steps, operation.Step{
			Name:   "release-configuration",
			Target: collaborator.VCA,
			Action: "release",
			Parameters: map[string]interface{}{
				"entity-id": e.ID,
				"member":    member,
			},
			Timeout: t.Step,
			Retry:   c.Retry,
			Group:   group,
		})
	}
	steps = append(steps, operation.Step{
		Name:       "deallocate-resources",
		Target:     collaborator.RO,
		Action:     "deallocate",
		Parameters: map[string]interface{}{"entity-id": e.ID},
		Timeout:    t.Step,
		Retry:      c.Retry,
	})
	return steps, nil
}

func (c Config) scaleSteps(e *entity.Entity, params operation.Params) ([]operation.Step, error) {
	p, ok := params.(operation.ScaleParams)
	if !ok {
		return nil, errors.NotValidf("scale operation without scale params")
	}
	t := c.Timeouts[operation.Scale]
	return []operation.Step{{
		Name:   "scale-resources",
		Target: collaborator.RO,
		Action: "scale",
		Parameters: map[string]interface{}{
			"entity-id":     e.ID,
			"scaling-group": p.Group,
			"direction":     p.Direction,
			"steps":         p.Steps,
		},
		Timeout: t.Step,
		Retry:   c.Retry,
		Rollback: &operation.Rollback{
			Action: "scale",
			Parameters: map[string]interface{}{
				"entity-id":     e.ID,
				"scaling-group": p.Group,
				"direction":     inverseDirection(p.Direction),
				"steps":         p.Steps,
			},
			Timeout: t.Step,
		},
	}, {
		Name:   "configure-application",
		Target: collaborator.VCA,
		Action: "configure",
		Parameters: map[string]interface{}{
			"entity-id":     e.ID,
			"scaling-group": p.Group,
		},
		Timeout: t.Step,
		Retry:   c.Retry,
	}}, nil
}

func (c Config) actionSteps(params operation.Params) ([]operation.Step, error) {
	p, ok := params.(operation.ActionParams)
	if !ok {
		return nil, errors.NotValidf("action operation without action params")
	}
	t := c.Timeouts[operation.Action]
	return []operation.Step{{
		Name:   "run-primitive",
		Target: collaborator.VCA,
		Action: "run-primitive",
		Parameters: map[string]interface{}{
			"member":           p.Member,
			"primitive":        p.Primitive,
			"primitive-params": p.PrimitiveParams,
		},
		Timeout: t.Step,
		// Primitives are not idempotent. A timeout with unknown
		// outcome must fail rather than retry.
		Retry:      operation.RetryPolicy{MaxAttempts: 1},
		AtMostOnce: true,
	}}, nil
}

func (c Config) healSteps(e *entity.Entity, params operation.Params) ([]operation.Step, error) {
	p, ok := params.(operation.HealParams)
	if !ok {
		return nil, errors.NotValidf("heal operation without heal params")
	}
	t := c.Timeouts[operation.Heal]
	return []operation.Step{{
		Name:   "heal-resources",
		Target: collaborator.RO,
		Action: "heal",
		Parameters: map[string]interface{}{
			"entity-id": e.ID,
			"member":    p.Member,
		},
		Timeout: t.Step,
		Retry:   c.Retry,
	}, {
		Name:   "configure-application",
		Target: collaborator.VCA,
		Action: "configure",
		Parameters: map[string]interface{}{
			"entity-id": e.ID,
			"member":    p.Member,
		},
		Timeout: t.Step,
		Retry:   c.Retry,
	}}, nil
}

// inverseDirection gives the rollback direction for a scale step.
func inverseDirection(direction string) string {
	if direction == "out" {
		return "in"
	}
	return "out"
}

// entityMembers reads the member list out of the entity's configuration.
func entityMembers(e *entity.Entity) []string {
	raw, ok := e.Config["members"]
	if !ok {
		return nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	var members []string
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			members = append(members, s)
		}
	}
	return members
}

// deployedMembers prefers the entity's recorded resource bookkeeping over
// its declared configuration; on terminate only what was deployed needs
// releasing.
func deployedMembers(e *entity.Entity) []string {
	var members []string
	for _, r := range e.Resources {
		if r.Target == collaborator.VCA && r.Member != "" {
			members = append(members, r.Member)
		}
	}
	if len(members) > 0 {
		return members
	}
	if members = entityMembers(e); len(members) > 0 {
		return members
	}
	return []string{e.ID}
}

// TransitionalStatus returns the entity status set when an operation of
// the kind starts, or the zero status when the kind leaves it unchanged.
func TransitionalStatus(kind operation.Kind) entity.Status {
	switch kind {
	case operation.Instantiate:
		return entity.Instantiating
	case operation.Terminate:
		return entity.Terminating
	}
	return ""
}

// TerminalStatus returns the entity status set when an operation of the
// kind succeeds, or the zero status when the kind leaves it unchanged.
func TerminalStatus(kind operation.Kind) entity.Status {
	switch kind {
	case operation.Instantiate, operation.Scale, operation.Heal:
		return entity.Running
	case operation.Terminate:
		return entity.Terminated
	}
	return ""
}

// FailureStatus returns the entity status set when an operation of the
// kind fails. Instantiate and terminate leave nothing to fall back to;
// the rest leave a service that still runs, however unwell.
func FailureStatus(kind operation.Kind) entity.Status {
	switch kind {
	case operation.Instantiate, operation.Terminate:
		return entity.Failed
	}
	return entity.Degraded
}
