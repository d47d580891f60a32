// Package session owns durable conversation history.
//
// Invariants:
//   - A session key maps to at most one Session; sessions are never destroyed
//     except by an explicit Delete or the idle Janitor.
//   - Turns are append-only. AppendTurn for one key is serialized and either
//     persists the new turn or leaves the prior state intact.
//   - Records round-trip losslessly through every Store backend.
//
// Usage:
//
//	store, _ := session.OpenStore(session.BackendFile, "/var/lib/convoy/sessions")
//	mgr := session.NewManager(store, session.ManagerOptions{})
//	_, _ = mgr.AppendTurn(ctx, "cli:local", session.Message{Role: session.RoleUser, Content: "hello"})
//	sess, ok, _ := mgr.Load(ctx, "cli:local")
package session
