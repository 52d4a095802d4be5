package upload

import (
	"github.com/pranavkale07/storix/upload/progress"
)

// Status is the read model for one task, keyed by its relative path. UI
// layers render it; they never mutate orchestrator state.
type Status struct {
	// Percent is 0-100, monotonically non-decreasing, exactly 100 only at
	// true completion.
	Percent int
	// BytesPerSecond is the last sampled transfer rate, 0 while unknown or
	// after the task reached a terminal state.
	BytesPerSecond float64
	// Err is set once the task has failed.
	Err error
	// Done is set once the task has fully completed.
	Done bool
}

type task struct {
	tracker *progress.Tracker
	err     error
	done    bool
}

func (t *task) terminal() bool {
	return t.done || t.err != nil
}

// Snapshot returns a copy of the per-task read model for every live task.
func (u *Uploader) Snapshot() map[string]Status {
	u.mu.Lock()
	defer u.mu.Unlock()

	snapshot := make(map[string]Status, len(u.tasks))
	for relativePath, t := range u.tasks {
		snapshot[relativePath] = Status{
			Percent:        t.tracker.Percent(),
			BytesPerSecond: t.tracker.Speed(),
			Err:            t.err,
			Done:           t.done,
		}
	}
	return snapshot
}

// Uploading reports whether any submitted task has not yet reached a
// terminal state.
func (u *Uploader) Uploading() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	for _, t := range u.tasks {
		if !t.terminal() {
			return true
		}
	}
	return false
}

func (u *Uploader) finishTask(t *task) {
	u.mu.Lock()
	defer u.mu.Unlock()

	t.done = true
}

func (u *Uploader) failTask(t *task, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	t.err = err
	t.tracker.Fail()
}

func (u *Uploader) anyFailed(owned map[string]*task) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	for _, t := range owned {
		if t.err != nil {
			return true
		}
	}
	return false
}

// clearTasks removes this batch's tasks from the read model. A path whose
// task was replaced by a later batch is left alone: only the task the
// batch actually owns is cleared.
func (u *Uploader) clearTasks(owned map[string]*task) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for relativePath, t := range owned {
		if u.tasks[relativePath] == t {
			delete(u.tasks, relativePath)
		}
	}
}
