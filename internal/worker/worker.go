package worker

// jobKind distinguishes real work from the stop sentinel the pool uses to
// retire idle workers.
type jobKind int

const (
	runJob jobKind = iota
	stopJob
)

// Job is one unit of work bound to a serialization key (a conversation id).
// Jobs sharing a key never run concurrently.
type Job struct {
	Key  int64
	Run  func()
	kind jobKind
}

type Worker struct {
	pool       *jobChannelPool
	dispatcher *Dispatcher
	jobChannel chan Job
}

func newWorker(pool *jobChannelPool, dispatcher *Dispatcher) *Worker {
	return &Worker{
		pool:       pool,
		dispatcher: dispatcher,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for job := range w.jobChannel {
			if job.kind == stopJob {
				w.pool.retire(w.jobChannel)
				return
			}
			w.runOne(job)
			w.pool.release(w.jobChannel)
		}
	}()
}

func (w *Worker) runOne(job Job) {
	// complete must fire even if the job panics, otherwise the key's queue
	// stays blocked forever.
	defer w.dispatcher.complete(job.Key)
	job.Run()
}
