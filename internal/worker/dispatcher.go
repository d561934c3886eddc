package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

// ErrDispatcherBusy is returned by Submit when the inbound queue is full.
// Callers translate it into backpressure toward the client.
var ErrDispatcherBusy = errors.New("dispatcher queue is full")

type keyQueue struct {
	jobs     []Job
	enqueued bool // key present in the ready list
	running  bool // a job for this key is executing on a worker
}

// Dispatcher fans jobs out to a bounded worker pool while keeping two
// guarantees: jobs with the same key run strictly one at a time in FIFO
// order, and keys take turns through an LRU ready list so one busy
// conversation cannot starve the rest.
type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job
	wake     chan struct{}

	mu        sync.Mutex
	queues    map[int64]*keyQueue // pending jobs for each key
	ready     *list.List          // LRU queue storing keys with runnable jobs
	positions map[int64]*list.Element
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, idleTimeout time.Duration) *Dispatcher {
	d := &Dispatcher{
		jobQueue:  make(chan Job, queueSize),
		wake:      make(chan struct{}, 1),
		queues:    make(map[int64]*keyQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
	}
	d.pool = newJobChannelPool(minWorkers, maxWorkers, idleTimeout, d)

	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit hands a job to the dispatcher without blocking.
func (d *Dispatcher) Submit(job Job) error {
	if job.Run == nil {
		return errors.New("job has no body")
	}
	select {
	case d.jobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job for the key in the front of the LRU queue
		if !d.dispatchOne() {
			select {
			case job := <-d.jobQueue: // force congestion
				d.enqueueJob(job)
			case <-d.wake: // a key finished its running job
			}
			continue
		}
		// drain one new job if present, then try to dispatch again
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		case <-d.wake:
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
	d.markReadyLocked(job.Key, q)
}

// markReadyLocked puts the key into the LRU queue when it has runnable work
// and nothing for it is currently executing.
func (d *Dispatcher) markReadyLocked(key int64, q *keyQueue) {
	if q.enqueued || q.running || len(q.jobs) == 0 {
		return
	}
	q.enqueued = true
	d.positions[key] = d.ready.PushBack(key)
}

// dispatchOne takes the first ready key and hands its oldest job to a worker.
// The key leaves the ready list until the job completes, so a second job for
// the same key can never overlap the first.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	key := elem.Value.(int64)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.running = true
	q.enqueued = false
	d.ready.Remove(elem)
	delete(d.positions, key)
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	workerChan <- job
	return true
}

// complete is called by workers when a job finishes. Remaining jobs for the
// key become runnable again, at the back of the LRU queue.
func (d *Dispatcher) complete(key int64) {
	d.mu.Lock()
	q := d.queues[key]
	if q != nil {
		q.running = false
		if len(q.jobs) == 0 {
			delete(d.queues, key)
		} else {
			d.markReadyLocked(key, q)
		}
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}
