// Copyright 2018 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package operation

import (
	"github.com/juju/errors"
)

// Params is the tagged variant of per-kind request parameters. Each
// supported workflow has one concrete case, validated at the boundary
// before admission.
type Params interface {
	// ParamsKind reports which workflow the parameters belong to.
	ParamsKind() Kind

	// Validate returns an error if the parameters are malformed.
	Validate() error

	// Map renders the parameters for persistence and for deriving step
	// inputs.
	Map() map[string]interface{}
}

// InstantiateParams are the parameters of an instantiate request.
type InstantiateParams struct {
	// VIMAccount selects the infrastructure account resources are
	// allocated against.
	VIMAccount string

	// SSHAuthorizedKeys are injected into allocated compute resources.
	SSHAuthorizedKeys []string

	// Members lists the constituent members to configure; each member
	// yields one configure-application sub-step.
	Members []string
}

// ParamsKind is part of Params.
func (p InstantiateParams) ParamsKind() Kind { return Instantiate }

// Validate is part of Params.
func (p InstantiateParams) Validate() error {
	if p.VIMAccount == "" {
		return errors.NotValidf("instantiate without vim account")
	}
	return nil
}

// Map is part of Params.
func (p InstantiateParams) Map() map[string]interface{} {
	m := map[string]interface{}{"vim-account": p.VIMAccount}
	if len(p.SSHAuthorizedKeys) > 0 {
		m["ssh-authorized-keys"] = stringsToInterface(p.SSHAuthorizedKeys)
	}
	if len(p.Members) > 0 {
		m["members"] = stringsToInterface(p.Members)
	}
	return m
}

// ScaleParams are the parameters of a scale request.
type ScaleParams struct {
	// Group names the scaling group defined in the entity's
	// configuration.
	Group string

	// Direction is "out" or "in".
	Direction string

	// Steps is the number of scaling steps to apply; at least one.
	Steps int
}

// ParamsKind is part of Params.
func (p ScaleParams) ParamsKind() Kind { return Scale }

// Validate is part of Params.
func (p ScaleParams) Validate() error {
	if p.Group == "" {
		return errors.NotValidf("scale without scaling group")
	}
	if p.Direction != "out" && p.Direction != "in" {
		return errors.NotValidf("scale direction %q", p.Direction)
	}
	if p.Steps < 1 {
		return errors.NotValidf("scale steps %d", p.Steps)
	}
	return nil
}

// Map is part of Params.
func (p ScaleParams) Map() map[string]interface{} {
	return map[string]interface{}{
		"scaling-group": p.Group,
		"direction":     p.Direction,
		"steps":         p.Steps,
	}
}

// TerminateParams are the parameters of a terminate request.
type TerminateParams struct {
	// Autoremove requests deletion of the entity record and its
	// operation history once termination fully succeeds.
	Autoremove bool
}

// ParamsKind is part of Params.
func (p TerminateParams) ParamsKind() Kind { return Terminate }

// Validate is part of Params.
func (p TerminateParams) Validate() error { return nil }

// Map is part of Params.
func (p TerminateParams) Map() map[string]interface{} {
	return map[string]interface{}{"autoremove": p.Autoremove}
}

// ActionParams are the parameters of a run-action request.
type ActionParams struct {
	// Member selects the constituent member the primitive runs on.
	Member string

	// Primitive names the configuration primitive to execute.
	Primitive string

	// PrimitiveParams are passed through to the primitive.
	PrimitiveParams map[string]interface{}
}

// ParamsKind is part of Params.
func (p ActionParams) ParamsKind() Kind { return Action }

// Validate is part of Params.
func (p ActionParams) Validate() error {
	if p.Member == "" {
		return errors.NotValidf("action without member")
	}
	if p.Primitive == "" {
		return errors.NotValidf("action without primitive")
	}
	return nil
}

// Map is part of Params.
func (p ActionParams) Map() map[string]interface{} {
	m := map[string]interface{}{
		"member":    p.Member,
		"primitive": p.Primitive,
	}
	if len(p.PrimitiveParams) > 0 {
		m["primitive-params"] = p.PrimitiveParams
	}
	return m
}

// HealParams are the parameters of a heal request.
type HealParams struct {
	// Member selects the constituent member to heal; empty means the
	// whole entity.
	Member string
}

// ParamsKind is part of Params.
func (p HealParams) ParamsKind() Kind { return Heal }

// Validate is part of Params.
func (p HealParams) Validate() error { return nil }

// Map is part of Params.
func (p HealParams) Map() map[string]interface{} {
	m := map[string]interface{}{}
	if p.Member != "" {
		m["member"] = p.Member
	}
	return m
}

// ParseParams decodes and validates raw request parameters for the given
// kind. Unknown kinds and malformed values yield a NotValid error, which
// the boundary reports as a bad request.
func ParseParams(kind Kind, raw map[string]interface{}) (Params, error) {
	var params Params
	switch kind {
	case Instantiate:
		params = InstantiateParams{
			VIMAccount:        stringValue(raw, "vim-account"),
			SSHAuthorizedKeys: stringSlice(raw, "ssh-authorized-keys"),
			Members:           stringSlice(raw, "members"),
		}
	case Scale:
		params = ScaleParams{
			Group:     stringValue(raw, "scaling-group"),
			Direction: stringValue(raw, "direction"),
			Steps:     intValue(raw, "steps"),
		}
	case Terminate:
		params = TerminateParams{
			Autoremove: boolValue(raw, "autoremove"),
		}
	case Action:
		params = ActionParams{
			Member:          stringValue(raw, "member"),
			Primitive:       stringValue(raw, "primitive"),
			PrimitiveParams: mapValue(raw, "primitive-params"),
		}
	case Heal:
		params = HealParams{
			Member: stringValue(raw, "member"),
		}
	default:
		return nil, errors.NotValidf("operation kind %q", kind)
	}
	if err := params.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return params, nil
}

func stringValue(raw map[string]interface{}, key string) string {
	s, _ := raw[key].(string)
	return s
}

func intValue(raw map[string]interface{}, key string) int {
	switch v := raw[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func boolValue(raw map[string]interface{}, key string) bool {
	b, _ := raw[key].(bool)
	return b
}

func mapValue(raw map[string]interface{}, key string) map[string]interface{} {
	m, _ := raw[key].(map[string]interface{})
	return m
}

func stringSlice(raw map[string]interface{}, key string) []string {
	switch v := raw[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func stringsToInterface(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
