package pipeline

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Handler processes one job. It runs on the job's shard worker.
type Handler[T any] func(ctx context.Context, job T)

// Option configures a Dispatcher.
type Option[T any] func(*Dispatcher[T])

// WithDropHook is called for every job dropped because its shard was full
// or the dispatcher was stopped.
func WithDropHook[T any](hook func(name string, job T)) Option[T] {
	return func(d *Dispatcher[T]) { d.onDrop = hook }
}

// Dispatcher runs jobs on a fixed set of workers. Jobs with the same key
// always land on the same worker, so they are handled in submit order.
type Dispatcher[T any] struct {
	name   string
	shards []chan T
	keyOf  func(T) string
	handle Handler[T]
	onDrop func(name string, job T)
	logger *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	stopped atomic.Bool
}

// NewDispatcher creates a dispatcher with workers shards of queueSize each.
func NewDispatcher[T any](name string, workers, queueSize int, keyOf func(T) string, handle Handler[T], logger *zap.Logger, opts ...Option[T]) *Dispatcher[T] {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	d := &Dispatcher[T]{
		name:   name,
		shards: make([]chan T, workers),
		keyOf:  keyOf,
		handle: handle,
		logger: logger,
	}
	for i := range d.shards {
		d.shards[i] = make(chan T, queueSize)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name identifies the dispatcher in logs and metrics.
func (d *Dispatcher[T]) Name() string { return d.name }

// Start launches one worker per shard. Workers exit when ctx is cancelled
// or Stop is called.
func (d *Dispatcher[T]) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.running = true
	d.stopped.Store(false)

	for i, shard := range d.shards {
		d.wg.Add(1)
		go d.work(ctx, i, shard)
	}

	d.logger.Info("Dispatcher started",
		zap.String("dispatcher", d.name),
		zap.Int("workers", len(d.shards)),
	)
}

// Stop cancels the workers and waits for in-flight jobs. Jobs still queued
// are discarded.
func (d *Dispatcher[T]) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.stopped.Store(true)
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("Dispatcher stopped", zap.String("dispatcher", d.name))
}

// Submit queues job without blocking. It returns false when the job was
// dropped: its shard is full, or the dispatcher has been stopped. Jobs
// submitted before Start wait in their shard.
func (d *Dispatcher[T]) Submit(job T) bool {
	if d.stopped.Load() {
		d.drop(job, "Dispatcher stopped, dropping job")
		return false
	}

	shard := d.shards[d.shardFor(d.keyOf(job))]
	select {
	case shard <- job:
		return true
	default:
	}

	d.drop(job, "Dispatcher queue full, dropping job")
	return false
}

func (d *Dispatcher[T]) drop(job T, msg string) {
	d.logger.Warn(msg,
		zap.String("dispatcher", d.name),
		zap.String("key", d.keyOf(job)),
	)
	if d.onDrop != nil {
		d.onDrop(d.name, job)
	}
}

// Pending returns the number of queued jobs across all shards.
func (d *Dispatcher[T]) Pending() int {
	n := 0
	for _, shard := range d.shards {
		n += len(shard)
	}
	return n
}

func (d *Dispatcher[T]) shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.shards)))
}

func (d *Dispatcher[T]) work(ctx context.Context, idx int, shard <-chan T) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-shard:
			d.run(ctx, idx, job)
		}
	}
}

// run isolates a panicking handler to the job that caused it.
func (d *Dispatcher[T]) run(ctx context.Context, idx int, job T) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Dispatcher job panicked",
				zap.String("dispatcher", d.name),
				zap.Int("shard", idx),
				zap.Any("panic", r),
			)
		}
	}()
	d.handle(ctx, job)
}
