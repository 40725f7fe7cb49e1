package health

import (
	"sync/atomic"
	"time"
)

type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// Counters is the process-wide health counter set. It is injected into
// the components that report progress; there is no ambient global.
type Counters struct {
	startTime  time.Time
	status     atomic.Value // Status
	lastUpdate atomic.Int64 // unix seconds
	challenges atomic.Int64
	errors     atomic.Int64
}

func NewCounters() *Counters {
	c := &Counters{startTime: time.Now()}
	c.status.Store(StatusStarting)
	c.lastUpdate.Store(c.startTime.Unix())
	return c
}

func (c *Counters) SetStatus(s Status) {
	c.status.Store(s)
	c.touch()
}

// ChallengeProcessed bumps the processed-challenges counter.
func (c *Counters) ChallengeProcessed() {
	c.challenges.Add(1)
	c.touch()
}

// ErrorOccurred bumps the error counter.
func (c *Counters) ErrorOccurred() {
	c.errors.Add(1)
	c.touch()
}

func (c *Counters) touch() {
	c.lastUpdate.Store(time.Now().Unix())
}

// Snapshot is a read-only view served by the health endpoint.
type Snapshot struct {
	Status              Status    `json:"status"`
	UptimeSeconds       int64     `json:"uptime_seconds"`
	StartTime           time.Time `json:"start_time"`
	LastUpdate          time.Time `json:"last_update"`
	ChallengesProcessed int64     `json:"challenges_processed"`
	ErrorsCount         int64     `json:"errors_count"`
	Version             string    `json:"version"`
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Status:              c.status.Load().(Status),
		UptimeSeconds:       int64(time.Since(c.startTime).Seconds()),
		StartTime:           c.startTime,
		LastUpdate:          time.Unix(c.lastUpdate.Load(), 0),
		ChallengesProcessed: c.challenges.Load(),
		ErrorsCount:         c.errors.Load(),
		Version:             "1.0.0",
	}
}
