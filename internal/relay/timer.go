package relay

import (
	"sync"
	"time"
)

// timerTable holds the pending auto-off timer per target device. At most one
// entry is live per device id. By default a new timer overwrites the table
// entry without stopping the previous timer, matching the deployed behavior
// where a superseded timer can still fire; cancelPrevious opts into
// stop-on-replace.
type timerTable struct {
	mu      sync.Mutex
	pending map[string]*time.Timer
}

func newTimerTable() *timerTable {
	return &timerTable{pending: map[string]*time.Timer{}}
}

func (t *timerTable) put(deviceID string, timer *time.Timer, cancelPrevious bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.pending[deviceID]; ok && cancelPrevious {
		prev.Stop()
	}
	t.pending[deviceID] = timer
}

// cancel stops and removes the pending timer for deviceID. It reports
// whether the timer was stopped before firing.
func (t *timerTable) cancel(deviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	timer, ok := t.pending[deviceID]
	if !ok {
		return false
	}
	delete(t.pending, deviceID)
	return timer.Stop()
}
