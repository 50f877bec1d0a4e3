// Package tools implements the proxy's tool layer: the built-in file,
// search, and VCS operations bound to a per-request project root, the
// registry that merges built-ins with external server tools, the dispatcher
// that routes and orders tool calls, and the output cache and optimizer.
package tools

import (
	"context"
	"fmt"
	"time"
)

// BuiltinServerID identifies the in-process tool set in the registry.
const BuiltinServerID = "builtin"

// Handler executes one built-in tool call. Handlers communicate failures
// through the returned string with an "Error:" prefix and never panic; a
// handler error must not unwind the request loop.
type Handler func(ctx context.Context, env *Env, args map[string]interface{}) string

// Definition is one registered tool: its advertised declaration plus the
// routing and caching attributes the dispatcher consults.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
	ServerID    string

	// Mutating tools force their batch sequential and are never cached.
	Mutating  bool
	Cacheable bool

	handler Handler
}

// IsBuiltin reports whether calls route to an in-process handler.
func (d Definition) IsBuiltin() bool {
	return d.ServerID == BuiltinServerID
}

// Env is the per-request execution context for built-in tools: the project
// root every path argument is confined to, the optional global allow-list,
// and the command timeout.
type Env struct {
	Root           string
	AllowedRoots   []string
	CommandTimeout time.Duration
}

// DefaultCommandTimeout bounds execute_command when the Env does not set one.
const DefaultCommandTimeout = 60 * time.Second

func (e *Env) commandTimeout() time.Duration {
	if e != nil && e.CommandTimeout > 0 {
		return e.CommandTimeout
	}
	return DefaultCommandTimeout
}

// errorf formats a tool failure in the shape models are told to expect.
func errorf(format string, args ...interface{}) string {
	return "Error: " + fmt.Sprintf(format, args...)
}

// IsErrorResult reports whether a tool result string is a failure marker.
func IsErrorResult(s string) bool {
	return len(s) >= 6 && s[:6] == "Error:"
}
