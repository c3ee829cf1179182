package document

import (
	"time"

	"github.com/google/uuid"
)

// RequestLineLock tries to claim line for clientID. A lock held by the
// same client is refreshed; a lock held by anyone else denies the
// request. Denial is contention, not an error, hence the bool return.
// Granting starts the auto-release timer.
func (d *Document) RequestLineLock(clientID string, line int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.locks[line]
	if ok && existing.ClientID != clientID {
		return false
	}
	if ok {
		existing.task.Cancel()
	}

	now := time.Now()
	lock := &LineLock{
		ClientID:   clientID,
		AcquiredAt: now,
		Deadline:   now.Add(d.lockTTL),
	}
	lock.task = d.sched.After(d.lockTTL, func() {
		d.expireLock(line, lock)
	})
	d.locks[line] = lock
	return true
}

// ReleaseLineLock frees line if clientID holds it, cancelling the
// auto-release timer. Releasing a lock you do not hold is a no-op.
func (d *Document) ReleaseLineLock(clientID string, line int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	lock, ok := d.locks[line]
	if !ok || lock.ClientID != clientID {
		return false
	}
	lock.task.Cancel()
	delete(d.locks, line)
	return true
}

// ReleaseAllLocks frees every lock held by clientID and returns the
// affected line numbers. Used when a client disconnects or times out.
func (d *Document) ReleaseAllLocks(clientID string) []int {
	d.mu.Lock()
	defer d.mu.Unlock()

	var lines []int
	for line, lock := range d.locks {
		if lock.ClientID == clientID {
			lock.task.Cancel()
			delete(d.locks, line)
			lines = append(lines, line)
		}
	}
	return lines
}

// LockOwner reports the client currently holding line, if any.
func (d *Document) LockOwner(line int) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	lock, ok := d.locks[line]
	if !ok {
		return "", false
	}
	return lock.ClientID, true
}

func (d *Document) expireLock(line int, lock *LineLock) {
	d.mu.Lock()
	current, ok := d.locks[line]
	if !ok || current != lock {
		d.mu.Unlock()
		return
	}
	delete(d.locks, line)
	notify := d.onLockExpired
	d.mu.Unlock()

	if notify != nil {
		notify(d.path, line)
	}
}

// AddAnnotation attaches a note to the document and returns its id.
func (d *Document) AddAnnotation(clientID string, position int, text string, kind AnnotationKind) string {
	if kind == "" {
		kind = AnnotationComment
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ann := &Annotation{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Position:  position,
		Text:      text,
		Kind:      kind,
		Timestamp: time.Now(),
	}
	d.annotations[ann.ID] = ann
	return ann.ID
}

// ResolveAnnotation marks an annotation resolved.
func (d *Document) ResolveAnnotation(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	ann, ok := d.annotations[id]
	if !ok {
		return false
	}
	ann.Resolved = true
	return true
}
