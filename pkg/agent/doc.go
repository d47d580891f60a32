// Package agent runs the per-session model/tool cycle.
//
// Invariants:
// - Iterations are serialized per session lane through commandqueue.
// - Every produced turn is persisted through the session manager as it is produced.
// - A gated tool call executes only after an Approved confirmation outcome;
//   denial, expiry and cancellation become refusal tool results.
//
// Usage:
//
//	loop, _ := agent.NewLoop(agent.Config{...})
//	out, _ := loop.Handle(ctx, agent.Inbound{
//		Channel:    "telegram",
//		SessionKey: "telegram:42",
//		Content:    "book me a flight to NYC",
//	})
//	_ = out
package agent
