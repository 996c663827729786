package plexus

import (
	"context"
	"fmt"
)

// Scope is the named-binding environment handed to an Executor invocation.
// Binding names are part of the user-facing script contract.
type Scope map[string]any

// Executor evaluates a user-supplied script against a scope and returns its
// result. Implementations must isolate invocations: no state crosses
// channels or messages except through the named maps. script/exprlang
// provides the production implementation; tests substitute deterministic
// stubs.
type Executor interface {
	Execute(ctx context.Context, script string, scope Scope) (any, error)
}

// connectorScope builds the standard bindings for scripts running against cm.
func connectorScope(cm *ConnectorMessage, msg string, dset *DestinationSet) Scope {
	scope := Scope{
		"msg":              msg,
		"sourceMap":        cm.SourceMap(),
		"channelMap":       cm.ChannelMap(),
		"connectorMap":     cm.ConnectorMap(),
		"responseMap":      cm.ResponseMap(),
		"globalMap":        Globals().Global(),
		"globalChannelMap": Globals().Channel(cm.ChannelID),
		"configurationMap": Globals().Configuration(),
		"channelId":        cm.ChannelID,
		"channelName":      cm.ChannelName,
		"messageId":        cm.MessageID,
		"metaDataId":       cm.MetaDataID,
		"connectorName":    cm.ConnectorName,
	}
	if dset != nil {
		scope["destinationSet"] = dset
	}
	return scope
}

// --- Filter ---

// Op joins a filter rule to the accumulated result of the rules before it.
type Op string

const (
	OpAnd Op = "AND"
	OpOr  Op = "OR"
)

// Rule is one boolean expression in a filter. Operator relates the rule to
// the accumulated result of the preceding rules; the first rule's operator is
// ignored.
type Rule struct {
	Name     string
	Operator Op
	Script   string
}

// Filter is an ordered rule sequence. Rules evaluate left to right with
// short-circuiting: an AND rule is skipped when the accumulator is already
// false, an OR rule when it is already true. An empty filter accepts.
type Filter struct {
	Rules []Rule
}

// Accept evaluates the filter against scope. A rule script must return a
// bool; anything else is a script error.
func (f *Filter) Accept(ctx context.Context, exec Executor, scope Scope) (bool, error) {
	if f == nil || len(f.Rules) == 0 {
		return true, nil
	}
	var accepted bool
	for i, rule := range f.Rules {
		if i > 0 {
			if rule.Operator == OpAnd && !accepted {
				continue
			}
			if rule.Operator == OpOr && accepted {
				continue
			}
		}
		v, err := exec.Execute(ctx, rule.Script, scope)
		if err != nil {
			return false, &ErrScript{Stage: "filter", Err: err}
		}
		b, ok := v.(bool)
		if !ok {
			return false, &ErrScript{Stage: "filter", Err: fmt.Errorf("rule %q returned %T, want bool", rule.Name, v)}
		}
		if i == 0 {
			accepted = b
			continue
		}
		switch rule.Operator {
		case OpOr:
			accepted = accepted || b
		default:
			accepted = accepted && b
		}
	}
	return accepted, nil
}

// --- Transformer ---

// Step is one transformer step. A step script may read and mutate the maps
// through their bindings; a step that evaluates to a string replaces msg, any
// other result leaves msg unchanged.
type Step struct {
	Name   string
	Script string
}

// Transformer is an ordered step sequence plus an optional outbound template.
// When the template is set it runs as a final script whose string result
// becomes the transformed document handed to the outbound data type.
type Transformer struct {
	Steps            []Step
	OutboundTemplate string
}

// Run applies the steps to msg and returns the transformed document.
func (t *Transformer) Run(ctx context.Context, exec Executor, scope Scope, msg string) (string, error) {
	if t == nil {
		return msg, nil
	}
	for _, step := range t.Steps {
		scope["msg"] = msg
		v, err := exec.Execute(ctx, step.Script, scope)
		if err != nil {
			return "", &ErrScript{Stage: "transformer", Err: err}
		}
		if s, ok := v.(string); ok {
			msg = s
		}
	}
	if t.OutboundTemplate != "" {
		scope["msg"] = msg
		v, err := exec.Execute(ctx, t.OutboundTemplate, scope)
		if err != nil {
			return "", &ErrScript{Stage: "transformer", Err: err}
		}
		if s, ok := v.(string); ok {
			msg = s
		}
	}
	return msg, nil
}

// FilterTransformer pairs a connector's filter and transformer.
type FilterTransformer struct {
	Filter      *Filter
	Transformer *Transformer
}

// Empty reports whether neither a filter nor a transformer is configured.
func (ft *FilterTransformer) Empty() bool {
	if ft == nil {
		return true
	}
	noFilter := ft.Filter == nil || len(ft.Filter.Rules) == 0
	noTransformer := ft.Transformer == nil ||
		(len(ft.Transformer.Steps) == 0 && ft.Transformer.OutboundTemplate == "")
	return noFilter && noTransformer
}
