package progress

import (
	"fmt"
	"sync"
)

// Kind distinguishes fixed stages from fan-out sub-units.
type Kind int

const (
	Fixed Kind = iota
	FanOut
)

// Event is a typed stage report emitted by a processor.
type Event struct {
	Kind  Kind
	Stage string
	Index int // 1 based, fan-out only
	Total int // fan-out only
}

// At reports entry into a fixed stage.
func At(stage string) Event {
	return Event{Kind: Fixed, Stage: stage}
}

// Unit reports that sub-unit k of n of a fan-out stage has started.
func Unit(stage string, k, n int) Event {
	return Event{Kind: FanOut, Stage: stage, Index: k, Total: n}
}

// Snapshot is the resolved state of an event.
type Snapshot struct {
	Stage    string
	Unit     string
	Index    int
	Total    int
	Progress int
	Unknown  bool
}

// Label renders the stage for humans, e.g. "batch 3 of 12".
func (s Snapshot) Label() string {
	if s.Total > 0 && s.Unit != "" {
		return fmt.Sprintf("%s %d of %d", s.Unit, s.Index, s.Total)
	}
	return s.Stage
}

// Monitor resolves events against a table and holds the highest progress
// seen, so successive snapshots never regress.
type Monitor struct {
	mu    sync.Mutex
	table *Table
	last  int
}

// NewMonitor starts a monitor at floor, typically the progress already
// persisted for the job.
func NewMonitor(t *Table, floor int) *Monitor {
	return &Monitor{table: t, last: floor}
}

// Observe resolves e. The returned snapshot's progress is never lower than
// any previously returned one.
func (m *Monitor) Observe(e Event) Snapshot {
	snap := m.table.Compute(e)
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Progress < m.last {
		snap.Progress = m.last
	}
	m.last = snap.Progress
	return snap
}

// Last returns the highest progress observed.
func (m *Monitor) Last() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Table returns the monitored table.
func (m *Monitor) Table() *Table { return m.table }
