// Package cron persists scheduled jobs and fires them through a single
// worker goroutine driven by a next-run min-heap.
package cron

// Schedule is a tagged union: exactly one of the kind-specific fields is
// meaningful for a given Kind.
type Schedule struct {
	Kind    string `json:"kind"` // "at", "every", "cron"
	AtMs    int64  `json:"atMs,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	Expr    string `json:"expr,omitempty"`
}

// Payload describes what the job does when it fires.
type Payload struct {
	Kind    string `json:"kind"` // "agent_turn", "system_event"
	Message string `json:"message"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
	Deliver bool   `json:"deliver,omitempty"`
}

// JobState is the mutable scheduling state of a job.
type JobState struct {
	NextRunAtMs int64  `json:"nextRunAtMs,omitempty"`
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"` // "ok", "error"
	LastError   string `json:"lastError,omitempty"`
}

// Job is one persisted cron entry.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	UpdatedAtMs    int64    `json:"updatedAtMs"`
}
