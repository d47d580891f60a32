// Package confirmation gates actions behind an explicit approve or deny
// decision.
//
// A request moves from Pending to exactly one terminal state: Approved,
// Denied, Expired or Cancelled. The first resolution wins; later ones fail
// with ErrNotPending. The Manager dispatches every new request to a Handler
// (auto, cli or chat). A chat handler only forwards the request; the decision
// arrives later through Manager.Respond, typically from a channel command
// such as "/approve <id>".
//
// Usage:
//
//	mgr := confirmation.NewManager(confirmation.NewAutoHandler(), confirmation.Options{})
//	id, _ := mgr.Request(ctx, confirmation.Request{Description: "Run exec", SessionKey: "cli:local"})
//	outcome, _ := mgr.Await(ctx, id, time.Now().Add(time.Minute))
//	if outcome.Approved() { ... }
package confirmation
