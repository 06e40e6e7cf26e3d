package api

import "time"

// SetJobsClock replaces the clock jobs are stamped with.
func SetJobsClock(j *Jobs, now func() time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.now = now
}
