package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultMinDelay is the default minimum delay between the start of
	// consecutive tasks.
	DefaultMinDelay = time.Second * 12
)

// Task represents a unit of work executed by the queue.
type Task func(ctx context.Context) (any, error)

// Result represents the outcome of an executed task.
type Result struct {
	Value any
	Err   error
}

// Config represents the configuration for the request queue.
type Config struct {
	// MinDelay is the minimum delay between the start of consecutive tasks.
	MinDelay time.Duration
	// Logger represents the queue logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *Config) Validate() error {
	var errs error

	if cfg.MinDelay < 0 {
		errs = errors.Join(errs, fmt.Errorf("min delay cannot be negative, got %v", cfg.MinDelay))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// request represents a pending task and the channel its result is delivered on.
type request struct {
	ctx      context.Context
	task     Task
	response chan Result
}

// Queue serializes tasks so that no two overlap and consecutive starts are
// spaced by at least the configured minimum delay.
type Queue struct {
	cfg       *Config
	pending   []*request
	running   bool
	lastStart time.Time
	mtx       sync.Mutex
}

// New initializes a new request queue.
func New(cfg *Config) (*Queue, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating queue config: %w", err)
	}

	return &Queue{cfg: cfg}, nil
}

// Add enqueues the provided task and returns the channel its result will be
// delivered on. The channel is buffered so the queue never blocks on an
// abandoned result.
func (q *Queue) Add(ctx context.Context, task Task) <-chan Result {
	req := &request{
		ctx:      ctx,
		task:     task,
		response: make(chan Result, 1),
	}

	q.mtx.Lock()
	q.pending = append(q.pending, req)
	if !q.running {
		q.running = true
		go q.process()
	}
	q.mtx.Unlock()

	return req.response
}

// Len returns the number of tasks waiting to be executed.
func (q *Queue) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	return len(q.pending)
}

// process executes pending tasks in order until the queue drains.
func (q *Queue) process() {
	for {
		q.mtx.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mtx.Unlock()
			return
		}
		wait := q.cfg.MinDelay - time.Since(q.lastStart)
		q.mtx.Unlock()

		if wait > 0 {
			q.cfg.Logger.Debug().Msgf("waiting %v before next queued request", wait)
			time.Sleep(wait)
		}

		q.mtx.Lock()
		req := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mtx.Unlock()

		// Skip tasks whose callers are no longer waiting without consuming a slot.
		if err := req.ctx.Err(); err != nil {
			req.response <- Result{Err: err}
			continue
		}

		q.mtx.Lock()
		q.lastStart = time.Now()
		q.mtx.Unlock()

		req.response <- q.execute(req)
	}
}

// execute runs the provided request's task, converting a panic into an error.
func (q *Queue) execute(req *request) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			q.cfg.Logger.Error().Msgf("queued task panicked: %v", r)
			res = Result{Err: fmt.Errorf("queued task panicked: %v", r)}
		}
	}()

	value, err := req.task(req.ctx)
	return Result{Value: value, Err: err}
}

// Do enqueues the provided function and blocks until it has executed or the
// context is done.
func Do[T any](ctx context.Context, q *Queue, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	resp := q.Add(ctx, func(ctx context.Context) (any, error) {
		value, err := fn(ctx)
		return value, err
	})

	select {
	case res := <-resp:
		if res.Err != nil {
			return zero, res.Err
		}
		value, ok := res.Value.(T)
		if !ok {
			return zero, nil
		}
		return value, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
