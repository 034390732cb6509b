package scheduler

import (
	"container/heap"
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/fentz26/signet/internal/audit"
	"github.com/fentz26/signet/internal/models"
	"github.com/fentz26/signet/internal/runner"
	"github.com/fentz26/signet/internal/store"
)

// Scheduler maintains the pending-fire heap across all enabled tasks
// and wakes at the earliest instant. All I/O happens in dispatched
// goroutines so a slow chat never delays the next task's fire time.
type Scheduler struct {
	store  *store.Store
	runner *runner.Runner
	audit  *audit.Writer
	config *Config

	mu      sync.Mutex
	pending fireHeap
	// gens tracks each task's current generation; stale heap entries
	// are discarded on pop instead of searched for on edit.
	gens map[string]uint64
	// nextAt mirrors each task's live next-fire instant for
	// introspection.
	nextAt map[string]time.Time

	wake chan struct{}
	sem  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a scheduler.
func New(s *store.Store, r *runner.Runner, aw *audit.Writer, cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		store:  s,
		runner: r,
		audit:  aw,
		config: cfg,
		gens:   make(map[string]uint64),
		nextAt: make(map[string]time.Time),
		wake:   make(chan struct{}, 1),
		sem:    make(chan struct{}, cfg.MaxWorkers),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

// Start loads all enabled tasks into the heap and begins the
// coordinator loop.
func (sch *Scheduler) Start() error {
	tasks, err := sch.store.ListEnabledTasks()
	if err != nil {
		return err
	}
	for i := range tasks {
		sch.scheduleInitial(&tasks[i])
	}

	sch.wg.Add(1)
	go sch.loop()
	log.Printf("Scheduler started with %d enabled tasks", len(tasks))
	return nil
}

// Stop cancels future firings and waits for dispatched runs to finish.
// In-flight runs proceed to completion; there is no mid-run cancel.
func (sch *Scheduler) Stop() {
	sch.cancel()
	sch.wg.Wait()
	log.Println("Scheduler stopped")
}

// Upsert inserts or reschedules a task after create/update/enable. The
// next fire is recomputed from now and any stale entry is discarded.
func (sch *Scheduler) Upsert(task *models.SignTask) {
	if !task.Enabled {
		sch.Remove(task.ID)
		return
	}
	at, err := sch.computeNext(task, sch.now())
	if err != nil {
		log.Printf("Scheduler: cannot schedule task %s: %v", task.Name, err)
		return
	}
	sch.push(task.ID, at)
}

// Remove drops a task's future firings. An already-dispatched run is
// not cancelled.
func (sch *Scheduler) Remove(taskID string) {
	sch.mu.Lock()
	sch.gens[taskID]++
	delete(sch.nextAt, taskID)
	sch.mu.Unlock()
	sch.kick()
}

// NextFire reports the task's pending fire instant, if any.
func (sch *Scheduler) NextFire(taskID string) (time.Time, bool) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	at, ok := sch.nextAt[taskID]
	return at, ok
}

// scheduleInitial seeds one task at boot. A trigger instant missed
// while the process was down fires once immediately; there is no
// back-fill of multiple missed firings.
func (sch *Scheduler) scheduleInitial(task *models.SignTask) {
	now := sch.now()

	last, err := sch.store.LastRun(task.ID)
	if err != nil {
		log.Printf("Scheduler: last run for %s: %v", task.Name, err)
	}
	if last != nil {
		sched, perr := models.ParseCron(task.Cron)
		if perr == nil && sched.Next(last.ScheduledAt).Before(now) {
			log.Printf("Scheduler: task %s missed a trigger, firing on catch-up", task.Name)
			sch.push(task.ID, now)
			return
		}
	}

	sch.Upsert(task)
}

// computeNext returns the cron-aligned instant after from, plus a fresh
// uniform jitter in [0, JitterSec]. The result is always >= from and
// <= aligned + jitter bound.
func (sch *Scheduler) computeNext(task *models.SignTask, from time.Time) (time.Time, error) {
	sched, err := models.ParseCron(task.Cron)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(from)
	if task.JitterSec > 0 {
		next = next.Add(time.Duration(rand.Int63n(int64(task.JitterSec)+1)) * time.Second)
	}
	return next, nil
}

func (sch *Scheduler) push(taskID string, at time.Time) {
	sch.mu.Lock()
	sch.gens[taskID]++
	heap.Push(&sch.pending, &entry{taskID: taskID, at: at, gen: sch.gens[taskID]})
	sch.nextAt[taskID] = at
	sch.mu.Unlock()
	sch.kick()
}

// kick nudges the loop to re-evaluate its sleep without blocking.
func (sch *Scheduler) kick() {
	select {
	case sch.wake <- struct{}{}:
	default:
	}
}

// loop is the single-threaded cooperative coordinator. It only mutates
// the pending structure and hands work off; it never performs I/O for
// a run itself.
func (sch *Scheduler) loop() {
	defer sch.wg.Done()

	for {
		now := sch.now()
		due, wait := sch.collectDue(now)

		for _, taskID := range due {
			sch.dispatch(taskID, now)
		}

		timer := time.NewTimer(wait)
		select {
		case <-sch.ctx.Done():
			timer.Stop()
			return
		case <-sch.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// collectDue pops every live entry due at or before now, reschedules
// each popped task, and returns how long to sleep until the next one.
func (sch *Scheduler) collectDue(now time.Time) (due []string, wait time.Duration) {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	for sch.pending.Len() > 0 {
		head := sch.pending[0]
		if head.gen != sch.gens[head.taskID] {
			heap.Pop(&sch.pending) // stale entry from an edit or disable
			continue
		}
		if head.at.After(now) {
			break
		}
		heap.Pop(&sch.pending)
		due = append(due, head.taskID)
		delete(sch.nextAt, head.taskID)
	}

	wait = time.Minute
	if sch.pending.Len() > 0 {
		if d := sch.pending[0].at.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return due, wait
}

// dispatch hands one due firing off to a goroutine. All persistence
// and transport I/O happens there, never on the coordinator loop.
func (sch *Scheduler) dispatch(taskID string, scheduledAt time.Time) {
	sch.wg.Add(1)
	go func() {
		defer sch.wg.Done()

		task, err := sch.store.GetTask(taskID)
		if err != nil {
			// Persistence trouble must not kill scheduling for the
			// task; defer the firing to a later wake.
			log.Printf("Scheduler: load task %s: %v", taskID, err)
			sch.push(taskID, sch.now().Add(time.Minute))
			return
		}
		if task == nil || !task.Enabled {
			sch.Remove(taskID)
			return
		}

		// Reinsert before running so a long run never stalls the
		// schedule. Jitter is resampled here on every firing.
		if at, nerr := sch.computeNext(task, sch.now()); nerr == nil {
			sch.push(task.ID, at)
		}

		acct, err := sch.store.GetAccount(task.AccountID)
		if err != nil {
			log.Printf("Scheduler: load account for %s: %v", task.Name, err)
			return
		}
		if acct == nil || acct.Status != models.AccountStatusActive {
			// Disabled accounts block their tasks from firing; no run
			// is produced.
			sch.audit.Record("dispatch.skip", "account-disabled", task.ID, task.AccountID, "")
			log.Printf("Scheduler: task %s not dispatched, account %s inactive", task.Name, task.AccountID)
			return
		}

		select {
		case sch.sem <- struct{}{}:
		case <-sch.ctx.Done():
			return
		}
		defer func() { <-sch.sem }()

		if _, err := sch.runner.RunTask(sch.ctx, task.ID, models.TriggerScheduled, scheduledAt); err != nil {
			log.Printf("Scheduler: run task %s: %v", task.Name, err)
		}
	}()
}
