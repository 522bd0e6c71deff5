package cron

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/lithammer/shortuuid/v4"
)

// Handler executes a due job's payload and returns the produced content.
type Handler func(ctx context.Context, job *Job) (string, error)

// jobHeap orders job ids by next run time.
type jobHeap []heapEntry

type heapEntry struct {
	id     string
	nextMs int64
}

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].nextMs < h[j].nextMs }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)         { *h = append(*h, x.(heapEntry)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// Service owns the job table and the single worker goroutine that fires due
// jobs. All mutation goes through the service so heap and store stay in sync.
type Service struct {
	mu      sync.Mutex
	store   *Store
	jobs    map[string]*Job
	heap    jobHeap
	handler Handler
	gron    *gronx.Gronx

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewService(store *Store, handler Handler) *Service {
	return &Service{
		store:   store,
		jobs:    make(map[string]*Job),
		handler: handler,
		gron:    gronx.New(),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start loads persisted jobs, recomputes their next runs, and launches the
// worker.
func (s *Service) Start(ctx context.Context) error {
	jobs, err := s.store.Load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	now := time.Now().UnixMilli()
	for _, job := range jobs {
		s.jobs[job.ID] = job
		if job.Enabled {
			job.State.NextRunAtMs = s.computeNextRun(job.Schedule, now)
			if job.State.NextRunAtMs > 0 {
				heap.Push(&s.heap, heapEntry{id: job.ID, nextMs: job.State.NextRunAtMs})
			}
		}
	}
	count := len(s.jobs)
	s.mu.Unlock()

	slog.Info("cron service started", "jobs", count)

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Stop halts the worker. In-flight job execution finishes first.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		delay := s.nextDelay()

		var timer *time.Timer
		var fire <-chan time.Time
		if delay >= 0 {
			timer = time.NewTimer(delay)
			fire = timer.C
		}

		select {
		case <-s.stopCh:
		case <-ctx.Done():
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
			continue
		case <-fire:
			s.fireDue(ctx)
			continue
		}

		if timer != nil {
			timer.Stop()
		}
		return
	}
}

// nextDelay returns time until the earliest scheduled run, or -1 when the
// heap is empty (sleep until woken).
func (s *Service) nextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Discard stale heap entries for removed or rescheduled jobs.
	for s.heap.Len() > 0 {
		top := s.heap[0]
		job, ok := s.jobs[top.id]
		if !ok || !job.Enabled || job.State.NextRunAtMs != top.nextMs {
			heap.Pop(&s.heap)
			continue
		}
		d := time.Until(time.UnixMilli(top.nextMs))
		if d < 0 {
			d = 0
		}
		return d
	}
	return -1
}

// fireDue pops and executes every job whose next run has arrived.
func (s *Service) fireDue(ctx context.Context) {
	now := time.Now().UnixMilli()

	var due []*Job
	s.mu.Lock()
	for s.heap.Len() > 0 {
		top := s.heap[0]
		job, ok := s.jobs[top.id]
		if !ok || !job.Enabled || job.State.NextRunAtMs != top.nextMs {
			heap.Pop(&s.heap)
			continue
		}
		if top.nextMs > now {
			break
		}
		heap.Pop(&s.heap)
		due = append(due, job)
	}
	s.mu.Unlock()

	for _, job := range due {
		s.execute(ctx, job, false)
	}
}

// execute runs one job, updates its state, reschedules or retires it, and
// persists the result.
func (s *Service) execute(ctx context.Context, job *Job, forced bool) {
	slog.Info("cron job firing", "id", job.ID, "name", job.Name, "forced", forced)

	content, err := s.handler(ctx, job)

	s.mu.Lock()
	now := time.Now().UnixMilli()
	job.State.LastRunAtMs = now
	if err != nil {
		job.State.LastStatus = "error"
		job.State.LastError = err.Error()
		slog.Error("cron job failed", "id", job.ID, "name", job.Name, "error", err)
	} else {
		job.State.LastStatus = "ok"
		job.State.LastError = ""
		_ = content
	}
	job.UpdatedAtMs = now

	// One-shot jobs retire after firing; recurring jobs reschedule from now,
	// forced runs included.
	if job.Schedule.Kind == "at" {
		if job.DeleteAfterRun {
			delete(s.jobs, job.ID)
		} else {
			job.Enabled = false
			job.State.NextRunAtMs = 0
		}
	} else if job.Enabled {
		job.State.NextRunAtMs = s.computeNextRun(job.Schedule, now)
		if job.State.NextRunAtMs > 0 {
			heap.Push(&s.heap, heapEntry{id: job.ID, nextMs: job.State.NextRunAtMs})
		}
	}
	s.mu.Unlock()

	s.persist()
	s.notify()
}

// computeNextRun returns the next fire time in unix ms, or 0 when the job
// will never fire again.
func (s *Service) computeNextRun(sched Schedule, nowMs int64) int64 {
	switch sched.Kind {
	case "at":
		if sched.AtMs > nowMs {
			return sched.AtMs
		}
		return 0
	case "every":
		if sched.EveryMs <= 0 {
			return 0
		}
		return nowMs + sched.EveryMs
	case "cron":
		next, err := gronx.NextTickAfter(sched.Expr, time.UnixMilli(nowMs), false)
		if err != nil {
			slog.Warn("invalid cron expression", "expr", sched.Expr, "error", err)
			return 0
		}
		return next.UnixMilli()
	}
	return 0
}

// Add validates, persists, and schedules a new job.
func (s *Service) Add(name string, sched Schedule, payload Payload, deleteAfterRun bool) (*Job, error) {
	if err := s.validateSchedule(sched); err != nil {
		return nil, err
	}
	if strings.TrimSpace(payload.Message) == "" {
		return nil, fmt.Errorf("payload message is required")
	}

	now := time.Now().UnixMilli()
	job := &Job{
		ID:             strings.ToLower(shortuuid.New()[:8]),
		Name:           name,
		Enabled:        true,
		Schedule:       sched,
		Payload:        payload,
		DeleteAfterRun: deleteAfterRun,
		CreatedAtMs:    now,
		UpdatedAtMs:    now,
	}
	job.State.NextRunAtMs = s.computeNextRun(sched, now)

	s.mu.Lock()
	s.jobs[job.ID] = job
	if job.State.NextRunAtMs > 0 {
		heap.Push(&s.heap, heapEntry{id: job.ID, nextMs: job.State.NextRunAtMs})
	}
	s.mu.Unlock()

	s.persist()
	s.notify()
	return job, nil
}

func (s *Service) validateSchedule(sched Schedule) error {
	switch sched.Kind {
	case "at":
		if sched.AtMs <= 0 {
			return fmt.Errorf("at schedule requires atMs")
		}
	case "every":
		if sched.EveryMs <= 0 {
			return fmt.Errorf("every schedule requires a positive everyMs")
		}
	case "cron":
		if !s.gron.IsValid(sched.Expr) {
			return fmt.Errorf("invalid cron expression: %s", sched.Expr)
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s", sched.Kind)
	}
	return nil
}

// Remove deletes a job by id.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job not found: %s", id)
	}
	s.persist()
	s.notify()
	return nil
}

// Enable flips a job's enabled flag and reschedules it.
func (s *Service) Enable(id string, enabled bool) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job not found: %s", id)
	}
	job.Enabled = enabled
	job.UpdatedAtMs = time.Now().UnixMilli()
	if enabled {
		job.State.NextRunAtMs = s.computeNextRun(job.Schedule, job.UpdatedAtMs)
		if job.State.NextRunAtMs > 0 {
			heap.Push(&s.heap, heapEntry{id: job.ID, nextMs: job.State.NextRunAtMs})
		}
	} else {
		job.State.NextRunAtMs = 0
	}
	s.mu.Unlock()

	s.persist()
	s.notify()
	return nil
}

// Run fires a job immediately. A disabled job only fires when force is set.
func (s *Service) Run(ctx context.Context, id string, force bool) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if ok && !job.Enabled && !force {
		s.mu.Unlock()
		return fmt.Errorf("job %s is disabled (use force to run anyway)", id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job not found: %s", id)
	}

	s.execute(ctx, job, true)
	return nil
}

// List returns jobs sorted by next run time ascending, jobs that will never
// fire last. Disabled jobs are included only when includeDisabled is set.
func (s *Service) List(includeDisabled bool) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if !job.Enabled && !includeDisabled {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].State.NextRunAtMs, out[j].State.NextRunAtMs
		if (a == 0) != (b == 0) {
			return a != 0
		}
		if a != b {
			return a < b
		}
		return out[i].CreatedAtMs < out[j].CreatedAtMs
	})
	return out
}

// Get returns one job by id.
func (s *Service) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	cp := *job
	return &cp, true
}

// Status summarizes the scheduler for health endpoints.
func (s *Service) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	enabled := 0
	var nextMs int64
	for _, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		enabled++
		if job.State.NextRunAtMs > 0 && (nextMs == 0 || job.State.NextRunAtMs < nextMs) {
			nextMs = job.State.NextRunAtMs
		}
	}
	return map[string]any{
		"jobs":        len(s.jobs),
		"enabled":     enabled,
		"nextRunAtMs": nextMs,
	}
}

// persist saves the current job table, logging rather than propagating
// failures so a full disk never stops the scheduler.
func (s *Service) persist() {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAtMs < jobs[j].CreatedAtMs })
	s.mu.Unlock()

	if err := s.store.Save(jobs); err != nil {
		slog.Error("cron store save failed", "error", err)
	}
}

// notify nudges the worker to re-arm its timer.
func (s *Service) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
