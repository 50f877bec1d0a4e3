// Package opengemini is a translating reverse proxy: it exposes an
// OpenAI-compatible streaming chat-completions API in front of a
// Gemini-style upstream and runs the tool-call loop server-side.
//
// Clients speak the OpenAI wire format they already know; the proxy
// translates each request to the upstream's contents/parts form, streams the
// answer back as SSE chunks, and when the model asks for tools it executes
// them (built-in sandboxed file, search and command tools, or external
// JSON-RPC tool servers) and feeds the results back into the conversation
// until the model produces a final answer.
//
// # Quick Start
//
// Install:
//
//	go install github.com/zyr3x/opengemini/cmd/opengemini@latest
//
// Point it at an upstream and start it:
//
//	export UPSTREAM_URL=https://generativelanguage.googleapis.com
//	opengemini serve --config-dir config
//
// Store a credential and chat:
//
//	curl -X POST localhost:8000/v1/admin/keys -d '{"id":"default","key":"..."}'
//	curl -N localhost:8000/v1/chat/completions \
//	  -d '{"model":"gemini-2.5-pro","stream":true,"messages":[{"role":"user","content":"hello"}]}'
//
// # Packages
//
// The root package carries version information only. The implementation
// lives under pkg/:
//
//	import (
//	    "github.com/zyr3x/opengemini/pkg/openai"     // client wire format + SSE sinks
//	    "github.com/zyr3x/opengemini/pkg/upstream"   // Gemini-style wire client
//	    "github.com/zyr3x/opengemini/pkg/orchestrator" // the tool-call loop
//	    "github.com/zyr3x/opengemini/pkg/tools"      // built-in tools, registry, dispatcher
//	    "github.com/zyr3x/opengemini/pkg/mcp"        // external JSON-RPC tool servers
//	)
package opengemini
