// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order, one at a time unless the
//   lane's concurrency was raised.
// - Tasks in different lanes may execute concurrently.
// - A lane with nothing queued or running is forgotten.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Options{})
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, "session:abc", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	})
package commandqueue
