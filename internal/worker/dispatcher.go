package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	// ErrDispatcherBusy is returned when the pending job limit is reached.
	ErrDispatcherBusy = errors.New("dispatcher busy")
	// ErrDispatcherClosed is returned for jobs submitted or still queued after Close.
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

type DispatcherConfig struct {
	// Workers is the number of jobs that may run at once.
	Workers int
	// QueueSize is how many further jobs may wait for a worker.
	QueueSize int
}

type keyQueue struct {
	jobs     []Job
	enqueued bool
}

type Dispatcher struct {
	workerPool chan chan Job
	jobQueue   chan Job
	slots      chan struct{}
	quit       chan struct{}
	wg         sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	queues    map[int64]*keyQueue
	ready     *list.List // keys with pending jobs, served front to back
	positions map[int64]*list.Element
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	capacity := cfg.Workers + cfg.QueueSize
	d := &Dispatcher{
		workerPool: make(chan chan Job, cfg.Workers),
		jobQueue:   make(chan Job, capacity),
		slots:      make(chan struct{}, capacity),
		quit:       make(chan struct{}),
		queues:     make(map[int64]*keyQueue),
		ready:      list.New(),
		positions:  make(map[int64]*list.Element),
	}
	for i := 0; i < cfg.Workers; i++ {
		NewWorker(i+1, d).Start()
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Do runs fn on a worker and blocks until it has finished. fn is skipped if
// ctx ends before a worker picks it up. Do fails fast with ErrDispatcherBusy
// when the queue is full.
func (d *Dispatcher) Do(ctx context.Context, key int64, fn func(context.Context)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case d.slots <- struct{}{}:
	default:
		return ErrDispatcherBusy
	}

	job := Job{Key: key, ctx: ctx, fn: fn, done: make(chan error, 1)}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.release()
		return ErrDispatcherClosed
	}
	// never blocks: slots bounds the number of admitted jobs to the buffer size
	d.jobQueue <- job
	d.mu.Unlock()

	return <-job.done
}

// Close stops the workers after their current job. Jobs still waiting fail
// with ErrDispatcherClosed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.quit)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) release() {
	<-d.slots
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	defer d.failPending()
	for {
		// dispatch one job of the key at the front of the ready list
		if !d.dispatchOne() {
			select {
			case job := <-d.jobQueue:
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
			continue
		}
		select {
		case <-d.quit:
			return
		default:
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.Key]
	if q == nil {
		q = &keyQueue{}
		d.queues[job.Key] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.Key] = d.ready.PushBack(job.Key)
}

// drainIncoming moves everything already submitted into the key queues.
func (d *Dispatcher) drainIncoming() {
	for {
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		default:
			return
		}
	}
}

// dispatchOne hands the next job to an idle worker. It reports false when
// nothing is pending.
func (d *Dispatcher) dispatchOne() bool {
	d.drainIncoming()

	var workerChan chan Job
	select {
	case workerChan = <-d.workerPool:
	case <-d.quit:
		return false
	}

	// pick the job only once a worker is free, so late arrivals get their turn
	d.drainIncoming()
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		// nothing to do: hand the worker back
		d.workerPool <- workerChan
		return false
	}
	key := elem.Value.(int64)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, key)
		delete(d.queues, key)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	log.Debug().Int64("key", key).Msg("dispatching job")
	select {
	case workerChan <- job:
	case <-d.quit:
		d.release()
		job.done <- ErrDispatcherClosed
	}
	return true
}

func (d *Dispatcher) failPending() {
	d.drainIncoming()
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, q := range d.queues {
		for _, job := range q.jobs {
			d.release()
			job.done <- ErrDispatcherClosed
		}
		delete(d.queues, key)
	}
	d.ready.Init()
	d.positions = make(map[int64]*list.Element)
}
