// Package scheduler orders deferred side effects of a mutation phase.
//
// During a transaction's mutate callback, collections queue follow-up work
// (event emission, derived-state refreshes) instead of running it inline, so
// effects observe the complete mutation set rather than a half-applied one.
// Jobs are grouped by a context ID — in practice the transaction ID — and
// each job names the jobs it depends on. Flush runs every job in the context
// in dependency order.
//
// A flush pass that cannot run any job while jobs remain means the
// dependency declarations form a cycle (or name a job that never arrived).
// That is a programmer error, surfaced as ErrUnresolvedDependencies; the
// context is abandoned so a broken graph cannot wedge later transactions.
//
// Example Usage:
//
//	s := scheduler.New()
//	s.Schedule("tx-1", "emit-a", nil, emitA)
//	s.Schedule("tx-1", "emit-b", []string{"emit-a"}, emitB)
//
//	if err := s.Flush("tx-1"); err != nil {
//		log.Fatal(err) // cycle between jobs
//	}
//	s.ClearContext("tx-1")
package scheduler

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnresolvedDependencies is returned when a flush pass runs zero jobs
// while jobs remain queued for the context.
var ErrUnresolvedDependencies = errors.New("scheduler detected unresolved dependencies")

type jobState int

const (
	jobPending jobState = iota
	jobCompleted
)

type job struct {
	id           string
	dependencies []string
	run          func()
	state        jobState
}

// Scheduler is a process-wide deferred-dependency job queue. Thread-safe;
// each context's jobs run on the goroutine that flushes the context.
type Scheduler struct {
	mu       sync.Mutex
	contexts map[string][]*job
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{contexts: make(map[string][]*job)}
}

// Schedule queues run under contextID. dependencies lists job IDs within the
// same context that must complete first.
func (s *Scheduler) Schedule(contextID, jobID string, dependencies []string, run func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[contextID] = append(s.contexts[contextID], &job{
		id:           jobID,
		dependencies: append([]string(nil), dependencies...),
		run:          run,
	})
}

// Pending returns the number of unfinished jobs queued for contextID.
func (s *Scheduler) Pending(contextID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.contexts[contextID] {
		if j.state != jobCompleted {
			n++
		}
	}
	return n
}

// Flush repeatedly scans contextID's queue, running every job whose
// dependencies have all completed, until the queue drains. Jobs scheduled by
// running jobs join the same flush. If a full pass runs nothing, the context
// is abandoned and ErrUnresolvedDependencies is returned.
func (s *Scheduler) Flush(contextID string) error {
	for {
		runnable := s.takeRunnable(contextID)
		if len(runnable) == 0 {
			s.mu.Lock()
			remaining := 0
			for _, j := range s.contexts[contextID] {
				if j.state != jobCompleted {
					remaining++
				}
			}
			if remaining > 0 {
				delete(s.contexts, contextID)
				s.mu.Unlock()
				return fmt.Errorf("%w: context %s has %d stuck jobs", ErrUnresolvedDependencies, contextID, remaining)
			}
			s.mu.Unlock()
			return nil
		}
		for _, j := range runnable {
			j.run()
			s.mu.Lock()
			j.state = jobCompleted
			s.mu.Unlock()
		}
	}
}

// ClearContext drops every job queued for a context, completed or still
// pending. Call after a
// successful Flush once the transaction's ambient phase is over.
func (s *Scheduler) ClearContext(contextID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, contextID)
}

// takeRunnable returns the pending jobs whose dependencies are all complete.
func (s *Scheduler) takeRunnable(contextID string) []*job {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := s.contexts[contextID]
	byID := make(map[string]*job, len(jobs))
	for _, j := range jobs {
		byID[j.id] = j
	}

	var runnable []*job
	for _, j := range jobs {
		if j.state != jobPending {
			continue
		}
		ready := true
		for _, dep := range j.dependencies {
			d, ok := byID[dep]
			if !ok || d.state != jobCompleted {
				ready = false
				break
			}
		}
		if ready {
			runnable = append(runnable, j)
		}
	}
	return runnable
}
