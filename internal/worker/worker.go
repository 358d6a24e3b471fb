package worker

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Job is one unit of work bound to a key. Jobs sharing a key are served in
// submission order; different keys take turns.
type Job struct {
	Key  int64
	ctx  context.Context
	fn   func(context.Context)
	done chan error
}

// run executes the job unless its context has already ended.
func (j Job) run() error {
	if err := j.ctx.Err(); err != nil {
		return err
	}
	j.fn(j.ctx)
	return nil
}

type Worker struct {
	id         int
	dispatcher *Dispatcher
	jobChannel chan Job
}

func NewWorker(id int, d *Dispatcher) *Worker {
	return &Worker{
		id:         id,
		dispatcher: d,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	w.dispatcher.wg.Add(1)
	go func() {
		defer w.dispatcher.wg.Done()
		for {
			// register as idle
			select {
			case w.dispatcher.workerPool <- w.jobChannel:
			case <-w.dispatcher.quit:
				return
			}
			select {
			case job := <-w.jobChannel:
				err := job.run()
				log.Debug().Int("worker", w.id).Int64("key", job.Key).Err(err).Msg("job finished")
				w.dispatcher.release()
				job.done <- err
			case <-w.dispatcher.quit:
				return
			}
		}
	}()
}
