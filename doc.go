// Package tern is the runtime core of a persistent agent execution platform.
//
// It coordinates LLM-driven conversational agents that invoke tools
// (filesystem, shell, web) inside isolated compute environments and streams
// partial results back to interactive clients. The engine is organized as
// four cooperating subsystems:
//
//   - A middleware stack that intercepts model calls and tool calls
//     (schema injection, policy enforcement, prompt caching, sub-agents).
//   - A queue-mode run scheduler that accepts messages while a run is in
//     progress and routes them into five priority queues.
//   - A durable sandbox session layer (ChatSession → AbstractTerminal →
//     SandboxLease) that decouples terminal state from ephemeral compute
//     instances, so sessions survive restarts, pauses, and provider failures.
//   - A memory manager that prunes stale tool output and compacts old
//     conversation history into durable summaries.
//
// # Quick Start
//
//	store := sqlite.New("tern.db")
//	model := anthropic.New(apiKey, "claude-sonnet-4-5")
//
//	engine := tern.New(model,
//		tern.WithStore(store),
//		tern.WithMiddlewares(
//			promptcache.New(),
//			fsys.New("/workspace", fsys.LocalBackend{}),
//			command.New(commandBackend),
//		),
//	)
//
//	run, _, err := engine.Submit(ctx, threadID, "run the tests")
//	for ev := range run.Subscribe(ctx, 0) {
//		fmt.Println(ev.Type, ev.Delta)
//	}
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [ModelProvider] — LLM backend (chat, tool calling, streaming)
//   - Middleware capability set — [ModelInterceptor], [ToolInterceptor],
//     [RunStarter], [RunFinisher]
//   - [Store] — durable persistence for threads, sessions, terminals,
//     leases, summaries, and run events
//   - [SandboxProvider] — remote compute (create/pause/resume/destroy,
//     exec, file operations, metrics)
//
// # Included Implementations
//
// Providers: provider/anthropic, provider/openaicompat.
// Storage: store/sqlite (embedded), store/postgres (server).
// Sandboxes: sandbox/localbox, sandbox/dockerbox, sandbox/httpbox.
// Middlewares: middleware/promptcache, fsys, command, web, skill, task,
// todo, queuenotes, monitor, mcptool.
//
// See cmd/tern for the server binary and cmd/sandboxd for the standalone
// sandbox daemon.
package tern
