package state

import (
	"encoding/json"
	"errors"
	"os"
	"time"
)

// errLockHeld is returned when a live lock belongs to another writer.
var errLockHeld = errors.New("state lock held by another writer")

// lockPayload is the JSON content of the lock file, used to decide whether
// a leftover lock is stale.
type lockPayload struct {
	PID         int       `json:"pid"`
	Hostname    string    `json:"hostname"`
	AcquiredAt  time.Time `json:"acquired_at"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// fileLock is an advisory lock advertised through a lock file. A lock whose
// RefreshedAt is older than the stale threshold is reclaimable by anyone.
type fileLock struct {
	path    string
	stale   time.Duration
	refresh time.Duration
	now     func() time.Time
}

func newFileLock(path string, stale, refresh time.Duration, now func() time.Time) *fileLock {
	if stale <= 0 {
		stale = 30 * time.Second
	}
	if refresh <= 0 {
		refresh = 5 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &fileLock{path: path, stale: stale, refresh: refresh, now: now}
}

// Acquire takes the lock, reclaiming a stale one if necessary. On success it
// returns a release function; while held, the lock file is refreshed on the
// configured cadence so concurrent writers do not reclaim it.
func (l *fileLock) Acquire() (func(), error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if writeErr := l.writePayload(f); writeErr != nil {
				f.Close()
				os.Remove(l.path)
				return nil, writeErr
			}
			f.Close()
			stop := make(chan struct{})
			go l.refreshLoop(stop)
			released := false
			return func() {
				if released {
					return
				}
				released = true
				close(stop)
				os.Remove(l.path)
			}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if !l.isStale() {
			return nil, errLockHeld
		}
		// Stale lock from a dead writer: reclaim and retry once.
		os.Remove(l.path)
	}
	return nil, errLockHeld
}

func (l *fileLock) writePayload(f *os.File) error {
	now := l.now().UTC()
	host, _ := os.Hostname()
	payload := lockPayload{
		PID:         os.Getpid(),
		Hostname:    host,
		AcquiredAt:  now,
		RefreshedAt: now,
	}
	enc := json.NewEncoder(f)
	return enc.Encode(&payload)
}

// isStale reports whether the current lock file is older than the threshold.
// An unreadable or corrupt lock file is treated as stale.
func (l *fileLock) isStale() bool {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return true
		}
		return true
	}
	var payload lockPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return true
	}
	ref := payload.RefreshedAt
	if ref.IsZero() {
		ref = payload.AcquiredAt
	}
	return l.now().Sub(ref) > l.stale
}

// refreshLoop keeps the lock fresh until released.
func (l *fileLock) refreshLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(l.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			data, err := os.ReadFile(l.path)
			if err != nil {
				return
			}
			var payload lockPayload
			if err := json.Unmarshal(data, &payload); err != nil {
				return
			}
			if payload.PID != os.Getpid() {
				// Someone reclaimed the lock; stop touching it.
				return
			}
			payload.RefreshedAt = l.now().UTC()
			refreshed, err := json.Marshal(&payload)
			if err != nil {
				return
			}
			_ = os.WriteFile(l.path, refreshed, 0o644)
		}
	}
}
