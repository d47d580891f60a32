// Package skills holds the tools the agent may call.
//
// Tools are registered on a Builder during startup; Build validates every
// definition, compiles its argument schema and returns an immutable Registry
// that is safe for concurrent use.
//
// Usage:
//
//	b := skills.NewBuilder()
//	_ = b.Register(skills.Definition{Name: "current_time", Description: "...", Handler: h})
//	reg, _ := b.Build()
//	res, err := reg.Execute(ctx, "current_time", nil)
package skills
