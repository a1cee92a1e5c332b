package live

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DispatchSettings size the pool that sends a view's mutations. A single
// worker keeps them in submission order.
type DispatchSettings struct {
	Workers int
	Buffer  int
	Handoff time.Duration
	Timeout time.Duration
}

func DefaultDispatchSettings() DispatchSettings {
	return DispatchSettings{
		Workers: 1,
		Buffer:  64,
		Handoff: 15 * time.Millisecond,
		Timeout: 30 * time.Second,
	}
}

type mutationJob struct {
	op  string
	id  string
	run func(ctx context.Context) error
}

type dispatcher struct {
	jobs     chan mutationJob
	handoff  time.Duration
	timeout  time.Duration
	logger   *log.Entry
	finished func(job mutationJob, err error)

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newDispatcher(settings DispatchSettings, logger *log.Entry, finished func(mutationJob, error)) *dispatcher {
	if settings.Workers <= 0 {
		settings.Workers = 1
	}
	if settings.Buffer < 0 {
		settings.Buffer = 0
	}
	if settings.Timeout <= 0 {
		settings.Timeout = DefaultDispatchSettings().Timeout
	}
	d := &dispatcher{
		jobs:     make(chan mutationJob, settings.Buffer),
		handoff:  settings.Handoff,
		timeout:  settings.Timeout,
		logger:   logger,
		finished: finished,
	}
	for i := 0; i < settings.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	return d
}

func (d *dispatcher) worker(id int) {
	defer d.wg.Done()
	for job := range d.jobs {
		d.execute(job, id)
	}
}

// execute runs a job detached from any view context so that closing the
// view does not abort a mutation already accepted.
func (d *dispatcher) execute(job mutationJob, worker int) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	err := job.run(ctx)
	cancel()
	if err != nil {
		d.logger.WithError(err).WithFields(log.Fields{
			"op":     job.op,
			"entity": job.id,
			"worker": worker,
		}).Warn("mutation failed")
	}
	if d.finished != nil {
		d.finished(job, err)
	}
}

// submit hands the job to a worker, waiting up to the handoff timeout for
// capacity. A pool still saturated after that rejects the job with ErrBusy
// so it never overtakes queued ones. A closed pool runs it inline.
func (d *dispatcher) submit(job mutationJob) error {
	ok, closed := d.tryEnqueue(job)
	if ok {
		return nil
	}
	entry := d.logger.WithFields(log.Fields{"op": job.op, "entity": job.id})
	if closed {
		entry.Debug("mutation pool closed, running inline")
		d.execute(job, -1)
		return nil
	}
	entry.Warn("mutation pool saturated, rejecting")
	return ErrBusy
}

func (d *dispatcher) tryEnqueue(job mutationJob) (ok bool, closed bool) {
	if ok, closed = trySendNonBlocking(d.jobs, job); ok || closed {
		return ok, closed
	}
	if d.handoff <= 0 {
		return false, false
	}

	timer := time.NewTimer(d.handoff)
	defer timer.Stop()

	return sendWithTimer(d.jobs, job, timer.C)
}

// close stops accepting work and waits for queued jobs to finish. It must
// not be called from a job.
func (d *dispatcher) close() {
	d.closeOnce.Do(func() {
		close(d.jobs)
	})
	d.wg.Wait()
}

func trySendNonBlocking(ch chan mutationJob, job mutationJob) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	default:
		return false, false
	}
}

func sendWithTimer(ch chan mutationJob, job mutationJob, timer <-chan time.Time) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	case <-timer:
		return false, false
	}
}
