// Package lock tracks which activity currently holds each target (a field, a
// tank, a building). A target is held by at most one live activity.
package lock

import (
	"sort"
	"sync"
)

type TargetLock struct {
	mu      sync.Mutex
	holders map[string]string
}

func New() *TargetLock {
	return &TargetLock{holders: make(map[string]string)}
}

// Acquire claims targetID for activityID. It fails when a different activity
// holds the target and succeeds again for the current holder.
func (l *TargetLock) Acquire(targetID, activityID string) bool {
	if targetID == "" || activityID == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if holder, ok := l.holders[targetID]; ok {
		return holder == activityID
	}
	l.holders[targetID] = activityID
	return true
}

// Release drops the claim on targetID whoever holds it.
func (l *TargetLock) Release(targetID string) {
	l.mu.Lock()
	delete(l.holders, targetID)
	l.mu.Unlock()
}

// ReleaseIfHeld drops the claim only when activityID is the holder.
func (l *TargetLock) ReleaseIfHeld(targetID, activityID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if holder, ok := l.holders[targetID]; !ok || holder != activityID {
		return false
	}
	delete(l.holders, targetID)
	return true
}

func (l *TargetLock) IsBusy(targetID string) bool {
	_, ok := l.Holder(targetID)
	return ok
}

func (l *TargetLock) Holder(targetID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	holder, ok := l.holders[targetID]
	return holder, ok
}

func (l *TargetLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.holders)
}

// Claim is one target -> activity entry.
type Claim struct {
	TargetID   string `json:"target_id"`
	ActivityID string `json:"activity_id"`
}

// Claims lists the current entries ordered by target.
func (l *TargetLock) Claims() []Claim {
	l.mu.Lock()
	out := make([]Claim, 0, len(l.holders))
	for target, activity := range l.holders {
		out = append(out, Claim{TargetID: target, ActivityID: activity})
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out
}
