// Package workerstealing implements the multi-instance sub-executor's
// work-stealing thread pool: each worker owns a local deque it pushes
// and pops from the front (LIFO for itself, guarded by the deque's own
// mutex); an idle worker steals from the back of another worker's deque
// (FIFO from the victim's perspective, to avoid contending on the same
// end the owner works from). Lifecycle (Start/Stop/Submit, WaitGroup
// shutdown, logrus field logging) is kept from the teacher's
// pkg/workerpool.WorkerPool; the round-robin assignTaskToWorker is
// replaced with this local-deque/steal-queue discipline per spec.md
// §4.F.
package workerstealing

import (
	"context"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Task is one unit of multi-instance work.
type Task struct {
	ID      string
	Execute func(ctx context.Context) error
}

// deque is a simple mutex-protected double-ended queue. The owner pushes
// and pops from the front; stealers pop from the back. A real lock-free
// Chase-Lev deque would let the owner operate without any lock at all —
// this pool uses one mutex per deque instead, which is a simplification
// the teacher's own pool makes too (its taskQueue is a single buffered
// channel, i.e. also lock-based); the local/steal split this package
// adds is the genuine structural change spec.md §4.F calls for.
type deque struct {
	mu    sync.Mutex
	tasks []Task
}

func (d *deque) pushFront(t Task) {
	d.mu.Lock()
	d.tasks = append([]Task{t}, d.tasks...)
	d.mu.Unlock()
}

func (d *deque) popFront() (Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.tasks) == 0 {
		return Task{}, false
	}
	t := d.tasks[0]
	d.tasks = d.tasks[1:]
	return t, true
}

func (d *deque) popBack() (Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.tasks)
	if n == 0 {
		return Task{}, false
	}
	t := d.tasks[n-1]
	d.tasks = d.tasks[:n-1]
	return t, true
}

func (d *deque) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

// Pool is a work-stealing pool of N workers, each with its own local
// deque; new submissions land on those deques round-robin. There is no
// separate global queue: a worker whose deque is empty steals from the
// back of another worker's deque.
type Pool struct {
	workers []*deque
	log     *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	running   bool
	next      int
	completed int64
	failed    int64
}

// Config configures a Pool.
type Config struct {
	Workers int
}

// New returns a Pool with the configured worker count, defaulting to
// one worker per core.
func New(cfg Config, log *logrus.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if log == nil {
		log = logrus.New()
	}
	p := &Pool{
		workers: make([]*deque, cfg.Workers),
		log:     log,
	}
	for i := range p.workers {
		p.workers[i] = &deque{}
	}
	return p
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())

	for i := range p.workers {
		p.wg.Add(1)
		go p.runWorker(i)
	}
	p.log.WithField("workers", len(p.workers)).Info("work-stealing pool started")
}

// Stop cancels all workers and waits, up to timeout, for them to exit.
// Tasks still queued on a deque when Stop is called are not run.
func (p *Pool) Stop(timeout time.Duration) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		p.log.Warn("work-stealing pool shutdown timed out")
	}
}

// Submit places t onto a worker's local deque, chosen round-robin.
func (p *Pool) Submit(t Task) {
	p.mu.Lock()
	idx := p.next
	p.next = (p.next + 1) % len(p.workers)
	p.mu.Unlock()
	p.workers[idx].pushFront(t)
}

func (p *Pool) runWorker(id int) {
	defer p.wg.Done()
	own := p.workers[id]

	idle := 0
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		task, ok := own.popFront()
		if !ok {
			task, ok = p.steal(id)
		}
		if !ok {
			idle++
			if idle > 1000 {
				time.Sleep(time.Millisecond)
				idle = 0
			}
			continue
		}
		idle = 0

		if err := task.Execute(p.ctx); err != nil {
			p.mu.Lock()
			p.failed++
			p.mu.Unlock()
			p.log.WithError(err).WithField("task_id", task.ID).Warn("work-stealing task failed")
			continue
		}
		p.mu.Lock()
		p.completed++
		p.mu.Unlock()
	}
}

// steal attempts to pop from the back of another worker's deque, trying
// victims in random order to spread contention.
func (p *Pool) steal(selfID int) (Task, bool) {
	n := len(p.workers)
	if n <= 1 {
		return Task{}, false
	}
	order := rand.Perm(n)
	for _, victim := range order {
		if victim == selfID {
			continue
		}
		if t, ok := p.workers[victim].popBack(); ok {
			return t, true
		}
	}
	return Task{}, false
}

// Stats reports the pool's completed/failed task counts.
type Stats struct {
	Completed int64
	Failed    int64
	Pending   int
}

// StatsSnapshot returns a snapshot of the pool's counters.
func (p *Pool) StatsSnapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	pending := 0
	for _, d := range p.workers {
		pending += d.len()
	}
	return Stats{Completed: p.completed, Failed: p.failed, Pending: pending}
}
