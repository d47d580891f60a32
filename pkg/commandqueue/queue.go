package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/convoy/internal/observability"
	"github.com/harun/convoy/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ErrClosed is returned for tasks enqueued after, or still waiting at, Close.
var ErrClosed = errors.New("command queue closed")

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// Options configures a CommandQueue.
type Options struct {
	// WarnAfter logs tasks that waited longer than this before starting.
	WarnAfter time.Duration
	// DedupTTL bounds how long EnqueueOnce remembers a request id.
	DedupTTL time.Duration
}

type taskRecord struct {
	id         string
	lane       string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	started    bool
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	concurrency int
	running     int
	queue       []*taskRecord
}

func (l *laneState) size() int { return l.running + len(l.queue) }

// CommandQueue provides lane-based task serialization with concurrency control
type CommandQueue struct {
	mu        sync.Mutex
	lanes     map[string]*laneState
	limits    map[string]int
	taskIDSeq uint64
	closed    bool
	warnAfter time.Duration
	dedup     *dedupCache
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates an empty CommandQueue.
func New(opts Options) *CommandQueue {
	observability.EnsureRegistered()

	if opts.WarnAfter <= 0 {
		opts.WarnAfter = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:     make(map[string]*laneState),
		limits:    make(map[string]int),
		warnAfter: opts.WarnAfter,
		dedup:     newDedupCache(opts.DedupTTL),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetConcurrency sets how many tasks of lane may run at once. Values below
// one are treated as one.
func (cq *CommandQueue) SetConcurrency(lane string, n int) {
	if n < 1 {
		n = 1
	}
	cq.mu.Lock()
	defer cq.mu.Unlock()

	cq.limits[lane] = n
	if state, ok := cq.lanes[lane]; ok {
		state.concurrency = n
		cq.pumpLocked(lane, state)
	}
}

// Enqueue adds task to lane and blocks until it has run. If ctx ends while
// the task is still queued it is withdrawn; if it ends while running, the
// task sees the cancellation and Enqueue waits for it to return.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, "convoy.commandqueue", "commandqueue.enqueue",
		attribute.String("lane", lane))
	defer span.End()

	if tracing.GetSessionKey(ctx) == "" {
		ctx = tracing.WithSessionKey(ctx, lane)
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", lane).Logger()

	record, err := cq.push(ctx, lane, task)
	if err != nil {
		tracing.FailSpan(span, err, "enqueue failed")
		return nil, err
	}
	logger.Debug().Str("task_id", record.id).Msg("Task enqueued")

	select {
	case res := <-record.result:
		if res.err != nil {
			tracing.FailSpan(span, res.err, "task failed")
		}
		return res.value, res.err
	case <-ctx.Done():
	}

	if cq.withdraw(record) {
		logger.Debug().Str("task_id", record.id).Msg("Task withdrawn before start")
		return nil, ctx.Err()
	}
	res := <-record.result
	if res.err != nil {
		tracing.FailSpan(span, res.err, "task failed")
	}
	return res.value, res.err
}

// EnqueueOnce is Enqueue keyed by requestID: a request seen recently
// returns the remembered result instead of running again, and concurrent
// duplicates wait for the first.
func (cq *CommandQueue) EnqueueOnce(ctx context.Context, lane, requestID string, task Task) (interface{}, error) {
	if requestID == "" {
		return cq.Enqueue(ctx, lane, task)
	}
	res := cq.dedup.Do(lane+"/"+requestID, func() taskResult {
		value, err := cq.Enqueue(ctx, lane, task)
		return taskResult{value: value, err: err}
	})
	return res.value, res.err
}

// Size returns the number of queued plus running tasks in lane.
func (cq *CommandQueue) Size(lane string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if state, ok := cq.lanes[lane]; ok {
		return state.size()
	}
	return 0
}

// Lanes returns the number of lanes currently holding work.
func (cq *CommandQueue) Lanes() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return len(cq.lanes)
}

// Close rejects queued tasks, cancels running ones and waits for them.
func (cq *CommandQueue) Close() {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return
	}
	cq.closed = true
	for name, state := range cq.lanes {
		for _, record := range state.queue {
			record.result <- taskResult{err: ErrClosed}
		}
		state.queue = nil
		if state.running == 0 {
			delete(cq.lanes, name)
		}
	}
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()
	log.Debug().Msg("Command queue closed")
}

func (cq *CommandQueue) push(ctx context.Context, lane string, task Task) (*taskRecord, error) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if cq.closed {
		return nil, ErrClosed
	}
	state, ok := cq.lanes[lane]
	if !ok {
		concurrency := cq.limits[lane]
		if concurrency < 1 {
			concurrency = 1
		}
		state = &laneState{concurrency: concurrency}
		cq.lanes[lane] = state
	}

	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		lane:       lane,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}
	state.queue = append(state.queue, record)
	observability.RecordQueueEnqueue(lane, state.size())
	cq.pumpLocked(lane, state)
	return record, nil
}

// withdraw removes a record that has not started. It reports false when
// the record is already running or finished.
func (cq *CommandQueue) withdraw(record *taskRecord) bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if record.started {
		return false
	}
	state, ok := cq.lanes[record.lane]
	if !ok {
		return false
	}
	for i, r := range state.queue {
		if r == record {
			state.queue = append(state.queue[:i], state.queue[i+1:]...)
			if state.size() == 0 {
				delete(cq.lanes, record.lane)
			}
			return true
		}
	}
	return false
}

func (cq *CommandQueue) pumpLocked(lane string, state *laneState) {
	for state.running < state.concurrency && len(state.queue) > 0 {
		record := state.queue[0]
		state.queue = state.queue[1:]
		record.started = true
		state.running++

		if wait := time.Since(record.enqueuedAt); wait > cq.warnAfter {
			log.Warn().Str("lane", lane).Str("task_id", record.id).Dur("wait", wait).Msg("Task waited long in queue")
		}

		cq.wg.Add(1)
		go cq.run(state, record)
	}
}

func (cq *CommandQueue) run(state *laneState, record *taskRecord) {
	defer cq.wg.Done()

	runCtx, cancel := context.WithCancel(record.ctx)
	stop := context.AfterFunc(cq.ctx, cancel)
	start := time.Now()

	res := execute(runCtx, record)

	stop()
	cancel()
	duration := time.Since(start)

	cq.mu.Lock()
	state.running--
	observability.RecordQueueCompletion(record.lane, duration, res.err == nil, state.size())
	if !cq.closed {
		cq.pumpLocked(record.lane, state)
	}
	if state.size() == 0 && cq.lanes[record.lane] == state {
		delete(cq.lanes, record.lane)
	}
	cq.mu.Unlock()

	record.result <- res
}

func execute(ctx context.Context, record *taskRecord) (res taskResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("task_id", record.id).Interface("panic", r).Msg("Task panicked")
			res = taskResult{err: fmt.Errorf("task panicked: %v", r)}
		}
	}()
	value, err := record.task(ctx)
	return taskResult{value: value, err: err}
}
