// Package routing provides an optional JavaScript-scripted contract
// resolver: a per-event hook that picks which producer group an event
// belongs to, for deployments with more than one contract in play. Most
// deployments never need this and use capability.Default's single
// constant contract instead.
package routing

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/psdaq-go/ebcore/internal/wire"
)

// Groups maps a routing-group name to the bitmask of producer ids that
// group's events require.
type Groups map[string]uint64

// Script wraps a compiled JavaScript module exporting a single function:
//
//	function contract(pulseId, serviceCode) { return "groupName"; }
//
// Resolve runs that function on an isolated goja runtime confined to one
// goroutine, then looks the returned group name up in Groups.
type Script struct {
	groups Groups

	mu      sync.Mutex
	rt      *goja.Runtime
	exports *goja.Object
	fn      goja.Callable
}

// Compile parses source (the body of a JavaScript module exporting a
// contract function) and binds it to groups. source must assign its export
// via `exports.contract = function(pulseId, serviceCode) {...}`.
func Compile(source string, groups Groups) (*Script, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("routing: at least one group required")
	}

	rt := goja.New()
	exports := rt.NewObject()
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("routing: init exports: %w", err)
	}
	if err := rt.Set("console", buildConsole(rt)); err != nil {
		return nil, fmt.Errorf("routing: init console: %w", err)
	}

	program, err := goja.Compile("routing.js", source, true)
	if err != nil {
		return nil, fmt.Errorf("routing: compile: %w", err)
	}
	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("routing: execute: %w", err)
	}

	raw := exports.Get("contract")
	if raw == nil || goja.IsUndefined(raw) || goja.IsNull(raw) {
		return nil, fmt.Errorf("routing: script must export a contract function")
	}
	fn, ok := goja.AssertFunction(raw)
	if !ok {
		return nil, fmt.Errorf("routing: exports.contract is not callable")
	}

	return &Script{groups: groups, rt: rt, exports: exports, fn: fn}, nil
}

// Resolve evaluates the script for the creator fragment's (pulseId,
// serviceCode) pair and returns the resolved group's contract bitmask. A
// group name the script returns that isn't in Groups is an error: a
// misconfigured routing table should fail loud rather than silently force
// every event to time out against a zero contract.
func (s *Script) Resolve(creator wire.Fragment) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.fn(goja.Undefined(), s.rt.ToValue(creator.Header.PulseID), s.rt.ToValue(creator.Header.Service))
	if err != nil {
		return 0, fmt.Errorf("routing: evaluate contract(%d, %d): %w", creator.Header.PulseID, creator.Header.Service, err)
	}

	group := result.String()
	mask, ok := s.groups[group]
	if !ok {
		return 0, fmt.Errorf("routing: script returned unknown group %q", group)
	}
	return mask, nil
}

// ContractFunc adapts Resolve to the signature capability.Capabilities.Contract
// expects, falling back to fallback on a script error so one bad script
// invocation force-completes an event with damage instead of wedging the
// builder loop.
func (s *Script) ContractFunc(onError func(creator wire.Fragment, err error), fallback uint64) func(wire.Fragment) uint64 {
	return func(creator wire.Fragment) uint64 {
		mask, err := s.Resolve(creator)
		if err != nil {
			if onError != nil {
				onError(creator, err)
			}
			return fallback
		}
		return mask
	}
}

func buildConsole(rt *goja.Runtime) *goja.Object {
	console := rt.NewObject()
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	_ = console.Set("log", noop)
	_ = console.Set("error", noop)
	_ = console.Set("warn", noop)
	return console
}
