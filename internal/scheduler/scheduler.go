// Package scheduler runs keyed one-shot and periodic callbacks on gocron.
//
// Keys are caller-chosen strings such as "room:<id>:start". Scheduling a key
// that is already pending replaces the old job. Callbacks must re-validate
// their own preconditions since a cancel can race a job that already began.
package scheduler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/COAI-team/backend-sub000/internal/obslog"
)

type entry struct {
	gen uint64
	id  uuid.UUID
}

type Scheduler struct {
	s gocron.Scheduler

	mu   sync.Mutex
	gen  uint64
	jobs map[string]entry
}

func New() (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("new scheduler: %w", err)
	}
	return &Scheduler{s: s, jobs: make(map[string]entry)}, nil
}

func (s *Scheduler) Start() { s.s.Start() }

func (s *Scheduler) Shutdown() error { return s.s.Shutdown() }

// After runs fn once at the given time, or right away if it has passed.
func (s *Scheduler) After(key string, at time.Time, fn func()) error {
	start := gocron.OneTimeJobStartImmediately()
	if at.After(time.Now()) {
		start = gocron.OneTimeJobStartDateTime(at)
	}
	return s.add(key, gocron.OneTimeJob(start), fn, true)
}

// Every runs fn on a fixed interval until canceled. Overlapping runs are skipped.
func (s *Scheduler) Every(key string, interval time.Duration, fn func()) error {
	return s.add(key, gocron.DurationJob(interval), fn, false,
		gocron.WithSingletonMode(gocron.LimitModeReschedule))
}

func (s *Scheduler) add(key string, def gocron.JobDefinition, fn func(), once bool, opts ...gocron.JobOption) error {
	s.Cancel(key)

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.jobs[key] = entry{gen: gen}
	s.mu.Unlock()

	task := func() {
		defer func() {
			if r := recover(); r != nil {
				obslog.L().Error("scheduler_job_panic", zap.String("key", key), zap.Any("panic", r))
			}
			if once {
				s.forget(key, gen)
			}
		}()
		fn()
	}
	opts = append(opts, gocron.WithName(key), gocron.WithTags(key))
	job, err := s.s.NewJob(def, gocron.NewTask(task), opts...)
	if err != nil {
		s.forget(key, gen)
		return fmt.Errorf("schedule %s: %w", key, err)
	}

	s.mu.Lock()
	if e, ok := s.jobs[key]; ok && e.gen == gen {
		s.jobs[key] = entry{gen: gen, id: job.ID()}
	}
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) forget(key string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.jobs[key]; ok && e.gen == gen {
		delete(s.jobs, key)
	}
}

// Cancel removes a pending job and reports whether one was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	e, ok := s.jobs[key]
	if ok {
		delete(s.jobs, key)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	if e.id != uuid.Nil {
		_ = s.s.RemoveJob(e.id)
	} else {
		s.s.RemoveByTags(key)
	}
	return true
}

// CancelPrefix cancels every pending key with the given prefix.
func (s *Scheduler) CancelPrefix(prefix string) int {
	s.mu.Lock()
	var keys []string
	for k := range s.jobs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()
	n := 0
	for _, k := range keys {
		if s.Cancel(k) {
			n++
		}
	}
	return n
}

func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key]
	return ok
}
