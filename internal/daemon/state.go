package daemon

import (
	"sync"
	"time"
)

type Status string

const (
	StatusRecovering Status = "recovering"
	StatusIdle       Status = "idle"
	StatusWaiting    Status = "waiting"
	StatusProcessing Status = "processing"
	StatusStopped    Status = "stopped"
)

// RunState is the observable state of one account's daemon.
type RunState struct {
	AccountID     string     `json:"account_id"`
	Status        Status     `json:"status"`
	NextDueAt     *time.Time `json:"next_due_at"`
	LastHeartbeat time.Time  `json:"last_heartbeat,omitzero"`
	LastError     string     `json:"last_error,omitempty"`
	Halted        bool       `json:"halted,omitempty"`
	HaltReason    string     `json:"halt_reason,omitempty"`
	Processed     uint64     `json:"processed"`
}

type runState struct {
	mu sync.Mutex
	st RunState
}

func (r *runState) get() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.st
	if st.NextDueAt != nil {
		t := *st.NextDueAt
		st.NextDueAt = &t
	}
	return st
}

func (r *runState) set(status Status, now time.Time) {
	r.mu.Lock()
	r.st.Status = status
	r.st.LastHeartbeat = now
	if status != StatusWaiting {
		r.st.NextDueAt = nil
	}
	r.mu.Unlock()
}

func (r *runState) waiting(next time.Time, now time.Time) {
	r.mu.Lock()
	r.st.Status = StatusWaiting
	r.st.LastHeartbeat = now
	if next.IsZero() {
		r.st.NextDueAt = nil
	} else {
		t := next
		r.st.NextDueAt = &t
	}
	r.mu.Unlock()
}

func (r *runState) update(fn func(st *RunState)) {
	r.mu.Lock()
	fn(&r.st)
	r.mu.Unlock()
}
