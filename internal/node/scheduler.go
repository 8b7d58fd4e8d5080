package node

import "time"

// Job is what the scheduler slot can hold
type Job int

const (
	JobSend Job = iota
	JobRetryJoin
)

func (j Job) String() string {
	if j == JobRetryJoin {
		return "retry_join"
	}
	return "send"
}

func (j Job) event() Event {
	if j == JobRetryJoin {
		return Event{Kind: EventRetryJoin}
	}
	return Event{Kind: EventSendRequested}
}

// Scheduler holds at most one timed job. Scheduling overwrites.
type Scheduler struct {
	job   Job
	at    time.Time
	armed bool
}

// Schedule replaces the pending job
func (s *Scheduler) Schedule(job Job, at time.Time) {
	s.job = job
	s.at = at
	s.armed = true
}

// Cancel empties the slot
func (s *Scheduler) Cancel() {
	s.armed = false
}

// Pending returns the queued job, if any
func (s *Scheduler) Pending() (Job, time.Time, bool) {
	return s.job, s.at, s.armed
}

// Due pops the job if its time has come
func (s *Scheduler) Due(now time.Time) (Job, bool) {
	if !s.armed || now.Before(s.at) {
		return 0, false
	}
	s.armed = false
	return s.job, true
}
