package actions

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog/log"
)

// Default pool sizing
const (
	DefaultWorkerCount = 4
	DefaultQueueSize   = 32
)

// Job is a unit of work run on a dispatcher worker
type Job func(ctx context.Context)

// Dispatcher is a bounded worker pool. Jobs with the same key always land on
// the same worker, so they run in submission order.
type Dispatcher struct {
	queues []chan Job
	wg     sync.WaitGroup

	// Cancelled when Close gives up waiting, so in-flight handler calls abort
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts workerCount workers, each with its own queue of queueSize.
func NewDispatcher(workerCount, queueSize int) *Dispatcher {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		queues: make([]chan Job, workerCount),
		ctx:    ctx,
		cancel: cancel,
	}

	for i := range d.queues {
		d.queues[i] = make(chan Job, queueSize)
		d.wg.Add(1)
		go d.worker(i, d.queues[i])
	}

	log.Debug().Int("workers", workerCount).Int("queue_size", queueSize).Msg("Action dispatcher started")
	return d
}

func (d *Dispatcher) worker(id int, queue <-chan Job) {
	defer d.wg.Done()

	for job := range queue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Int("worker", id).
						Msg("Dispatcher job panicked")
				}
			}()
			job(d.ctx)
		}()
	}
}

// Submit queues job on the worker owning key. It never blocks: false means
// the queue was full or the dispatcher is closed.
func (d *Dispatcher) Submit(key string, job Job) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		log.Warn().Str("key", key).Msg("Dispatcher closed, dropping job")
		return false
	}

	select {
	case d.queues[d.shard(key)] <- job:
		return true
	default:
		log.Warn().Str("key", key).Msg("Dispatcher queue full, dropping job")
		return false
	}
}

func (d *Dispatcher) shard(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.queues)))
}

// Close stops accepting jobs and waits for queued ones until ctx is done.
func (d *Dispatcher) Close(ctx context.Context) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Action dispatcher stopped gracefully")
	case <-ctx.Done():
		log.Warn().Msg("Action dispatcher shutdown timed out, cancelling in-flight calls")
	}
	d.cancel()
}
