package session

import (
	"sync"
	"time"
)

// TeamLocks is a registry of per-team mutexes. Holding a team's lock is
// what guarantees at most one advance in flight for that team; different
// teams never contend.
type TeamLocks struct {
	mu    sync.Mutex
	locks map[string]*teamLock
}

type teamLock struct {
	mu       sync.Mutex
	lastUsed time.Time
}

// NewTeamLocks creates an empty registry.
func NewTeamLocks() *TeamLocks {
	return &TeamLocks{locks: make(map[string]*teamLock)}
}

// Lock acquires the team's lock and returns its release function.
func (tl *TeamLocks) Lock(teamID string) func() {
	tl.mu.Lock()
	l, ok := tl.locks[teamID]
	if !ok {
		l = &teamLock{}
		tl.locks[teamID] = l
	}
	l.lastUsed = time.Now()
	tl.mu.Unlock()

	l.mu.Lock()
	return l.mu.Unlock
}

// Prune drops locks idle for longer than maxIdle that nobody holds.
// maxIdle must be positive so a lock just handed out is never dropped.
func (tl *TeamLocks) Prune(maxIdle time.Duration) int {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	now := time.Now()
	dropped := 0
	for id, l := range tl.locks {
		if now.Sub(l.lastUsed) <= maxIdle {
			continue
		}
		if !l.mu.TryLock() {
			continue
		}
		delete(tl.locks, id)
		l.mu.Unlock()
		dropped++
	}
	return dropped
}
