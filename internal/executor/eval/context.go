// Package eval implements the safe, side-effect-free expression language
// used by condition/switch/assign/script/loop nodes (C9, §4.10).
package eval

import "strings"

// Context is the value namespace an expression is evaluated against.
type Context struct {
	Outputs    map[string]interface{}
	Variables  map[string]interface{}
	Inputs     map[string]interface{}
	NodeStates map[string]interface{}
	// Loop context, present only while evaluating inside a loop/foreach
	// body.
	Index interface{}
	Item  interface{}
	Total interface{}
}

// NewContext builds a Context, defaulting nil maps to empty ones so
// lookups never nil-panic.
func NewContext(outputs, variables, inputs, nodeStates map[string]interface{}) *Context {
	if outputs == nil {
		outputs = map[string]interface{}{}
	}
	if variables == nil {
		variables = map[string]interface{}{}
	}
	if inputs == nil {
		inputs = map[string]interface{}{}
	}
	if nodeStates == nil {
		nodeStates = map[string]interface{}{}
	}
	return &Context{Outputs: outputs, Variables: variables, Inputs: inputs, NodeStates: nodeStates}
}

// escapeNodeID turns a hyphenated node id into the underscored form the
// evaluator's identifier grammar accepts (identifiers cannot contain
// hyphens) — e.g. "verify-consistency" -> "verify_consistency" (§4.10
// preprocessor rule).
func escapeNodeID(id string) string {
	return strings.ReplaceAll(id, "-", "_")
}

// lookupRoot resolves the first path segment when it is one of the
// loop-context identifiers index/item/total; the four namespaces are
// resolved by resolvePath.
func (c *Context) lookupRoot(name string) (interface{}, bool) {
	switch name {
	case "index":
		return c.Index, c.Index != nil
	case "item":
		return c.Item, c.Item != nil
	case "total":
		return c.Total, c.Total != nil
	}
	return nil, false
}

// rawOutput returns outputs[nodeId], defaulting to {_raw:""} when absent
// so expressions referencing not-yet-run nodes fail soft instead of
// throwing (§4.10 preprocessor rule, §8 property 9). A node's recorded
// output is stored as a bare value (string/bool/number), not a map, so a
// bare value is wrapped as {_raw: value} here — this is the only place
// that needs to know about the wrapping; the stored instance output stays
// a plain value for every other reader (edge-condition matching, the API
// layer, etc).
func (c *Context) rawOutput(nodeID string) interface{} {
	for k, v := range c.Outputs {
		if escapeNodeID(k) == nodeID {
			if m, ok := v.(map[string]interface{}); ok {
				return m
			}
			return map[string]interface{}{"_raw": v}
		}
	}
	return map[string]interface{}{"_raw": ""}
}
