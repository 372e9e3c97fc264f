// Package queue implements the priority queue of jobs waiting to be matched. Lower priority numbers are more urgent
// and an entry's effective priority improves by one for every AgeInterval it has waited, down to MinPriority.
package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ngageoint/scale/internal/common/scaleerrors"
)

// Mode decides how entries with equal effective priority and equal queue time are ordered.
type Mode string

const (
	FIFO Mode = "FIFO"
	LIFO Mode = "LIFO"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case FIFO, LIFO:
		return Mode(s), nil
	case "":
		return FIFO, nil
	}
	return "", &scaleerrors.ErrInvalidArgument{Name: "queueMode", Value: s, Message: "must be FIFO or LIFO"}
}

type Config struct {
	AgeInterval time.Duration
	MinPriority int
	Mode        Mode
}

var queuedJobs = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "scale_scheduler_queued_jobs",
	Help: "Number of jobs in the scheduler queue",
})

// Queue is safe for concurrent use. Effective priorities are computed at comparison time; nothing is mutated as
// entries age.
type Queue struct {
	mu      sync.Mutex
	config  Config
	entries map[int64]*Entry
	// sorted caches the order computed for the last snapshot. It is valid until the next mutation or until
	// validUntil, whichever is first.
	sorted     []*Entry
	computedAt time.Time
	validUntil time.Time
}

func New(config Config) *Queue {
	if config.Mode == "" {
		config.Mode = FIFO
	}
	return &Queue{
		config:  config,
		entries: map[int64]*Entry{},
	}
}

// EffectivePriority returns the aged priority of an entry at now.
func (q *Queue) EffectivePriority(e *Entry, now time.Time) int {
	return effectivePriority(e, now, q.config)
}

func effectivePriority(e *Entry, now time.Time, config Config) int {
	p := e.Priority
	if config.AgeInterval > 0 && now.After(e.QueuedAt) {
		p -= int(now.Sub(e.QueuedAt) / config.AgeInterval)
	}
	if p < config.MinPriority {
		p = config.MinPriority
	}
	return p
}

// Put inserts an entry, replacing any entry for the same job.
func (q *Queue) Put(e *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[e.JobID] = e.DeepCopy()
	q.invalidate()
}

// Remove deletes the entry for a job, reporting whether it was present.
func (q *Queue) Remove(jobID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remove(jobID)
}

func (q *Queue) remove(jobID int64) bool {
	if _, ok := q.entries[jobID]; !ok {
		return false
	}
	delete(q.entries, jobID)
	q.invalidate()
	return true
}

// UpdatePriority changes the base priority of a queued job. It reports whether the job was queued.
func (q *Queue) UpdatePriority(jobID int64, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[jobID]
	if !ok {
		return false
	}
	e.Priority = priority
	if e.Job != nil {
		e.Job.Priority = priority
	}
	q.invalidate()
	return true
}

func (q *Queue) Get(jobID int64) (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[jobID]
	return e.DeepCopy(), ok
}

func (q *Queue) Contains(jobID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[jobID]
	return ok
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// CountByJobType returns the number of queued entries per job type.
func (q *Queue) CountByJobType() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := map[string]int{}
	for _, e := range q.entries {
		counts[e.JobType]++
	}
	return counts
}

// Snapshot returns copies of every entry in scheduling order at now.
func (q *Queue) Snapshot(now time.Time) []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	sorted := q.order(now)
	result := make([]*Entry, len(sorted))
	for i, e := range sorted {
		result[i] = e.DeepCopy()
	}
	return result
}

// Peek returns the most urgent entry at now without removing it.
func (q *Queue) Peek(now time.Time) (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sorted := q.order(now)
	if len(sorted) == 0 {
		return nil, false
	}
	return sorted[0].DeepCopy(), true
}

// PopMatching removes and returns the first entry, in scheduling order, that satisfies predicate. Entries ahead of
// it stay where they are.
func (q *Queue) PopMatching(now time.Time, predicate func(*Entry) bool) (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.order(now) {
		if predicate(e) {
			q.remove(e.JobID)
			return e, true
		}
	}
	return nil, false
}

func (q *Queue) invalidate() {
	q.sorted = nil
	queuedJobs.Set(float64(len(q.entries)))
}

func (q *Queue) order(now time.Time) []*Entry {
	if q.sorted != nil && !now.Before(q.computedAt) && now.Before(q.validUntil) {
		return q.sorted
	}
	sorted := make([]*Entry, 0, len(q.entries))
	for _, e := range q.entries {
		sorted = append(sorted, e)
	}
	priorities := make(map[int64]int, len(sorted))
	validUntil := time.Time{}
	for _, e := range sorted {
		priorities[e.JobID] = effectivePriority(e, now, q.config)
		if next := q.nextBoundary(e, now); validUntil.IsZero() || next.Before(validUntil) {
			validUntil = next
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return less(sorted[i], sorted[j], priorities, q.config.Mode)
	})
	q.sorted = sorted
	q.computedAt = now
	q.validUntil = validUntil
	if validUntil.IsZero() {
		q.validUntil = now.Add(q.config.AgeInterval)
	}
	return sorted
}

// nextBoundary returns when the effective priority of e next changes. Entries already at the floor never change.
func (q *Queue) nextBoundary(e *Entry, now time.Time) time.Time {
	if q.config.AgeInterval <= 0 || effectivePriority(e, now, q.config) <= q.config.MinPriority {
		return now.Add(24 * time.Hour)
	}
	if now.Before(e.QueuedAt) {
		return e.QueuedAt.Add(q.config.AgeInterval)
	}
	intervals := now.Sub(e.QueuedAt)/q.config.AgeInterval + 1
	return e.QueuedAt.Add(intervals * q.config.AgeInterval)
}

func less(a, b *Entry, priorities map[int64]int, mode Mode) bool {
	pa, pb := priorities[a.JobID], priorities[b.JobID]
	if pa != pb {
		return pa < pb
	}
	if mode == LIFO {
		if !a.QueuedAt.Equal(b.QueuedAt) {
			return a.QueuedAt.After(b.QueuedAt)
		}
		return a.JobID > b.JobID
	}
	if !a.QueuedAt.Equal(b.QueuedAt) {
		return a.QueuedAt.Before(b.QueuedAt)
	}
	return a.JobID < b.JobID
}
