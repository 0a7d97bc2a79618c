// Package wal implements the durable audit journal: an append-only
// line-file log, a bounded in-memory flush queue, and boot-time replay.
// Every audited request is journaled before it is proxied, so a crash
// never loses the fact that a request happened.
package wal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/northvale/mesh/internal/contract"
	"github.com/northvale/mesh/internal/errors"
	"github.com/northvale/mesh/internal/logging"
)

// filePattern is the journal basename shape. The epoch keeps files
// sortable by creation time.
const filePattern = "wal-%d.ldjson"

// Journal is a file-backed append-only log of WalLines. Appends are
// synchronous; the long-lived file descriptor is opened lazily in the
// background. A single-flight gated open ensures at most one open is
// in progress, and appends that land before it settles use a
// short-lived descriptor that is always closed.
type Journal struct {
	dir           string
	fsyncInterval time.Duration

	mu       sync.Mutex
	path     string
	epoch    int64
	f        *os.File      // nil until the gated open lands
	opening  chan struct{} // non-nil while an open is in flight
	size     int64         // bytes in the current file
	total    int64         // bytes across rotations
	lastSync time.Time
	closed   bool
}

// NewJournal prepares a journal in dir. No file is opened until the
// first append. fsyncInterval 0 syncs on every append.
func NewJournal(dir string, fsyncInterval time.Duration) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, errors.CodeWalAppendFailed, 500)
	}
	j := &Journal{dir: dir, fsyncInterval: fsyncInterval}
	j.pickFileLocked()
	return j, nil
}

// pickFileLocked chooses the next basename. Epochs are strictly
// increasing so a rotate within the same millisecond cannot collide.
func (j *Journal) pickFileLocked() {
	epoch := time.Now().UnixMilli()
	if epoch <= j.epoch {
		epoch = j.epoch + 1
	}
	j.epoch = epoch
	j.path = filepath.Join(j.dir, fmt.Sprintf(filePattern, epoch))
	j.size = 0
}

// Append journals one blob as a WalLine and returns the byte growth of
// the file. A zero return with nil error never happens: every accepted
// append grows the journal.
func (j *Journal) Append(blob json.RawMessage) (int64, error) {
	data, err := json.Marshal(contract.WalLine{
		AppendedAt: time.Now().UnixMilli(),
		Blob:       blob,
	})
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeWalAppendFailed, 500)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, errors.ErrWalClosed
	}

	if j.f == nil {
		j.ensureOpeningLocked()
		return j.appendShortLivedLocked(data)
	}

	n, err := j.f.Write(data)
	if err != nil {
		return int64(n), errors.Wrap(err, errors.CodeWalAppendFailed, 500)
	}
	j.size += int64(n)
	j.total += int64(n)
	if err := j.maybeSyncLocked(j.f); err != nil {
		return int64(n), err
	}
	return int64(n), nil
}

// ensureOpeningLocked schedules the background open of the long-lived
// descriptor if none is in flight.
func (j *Journal) ensureOpeningLocked() {
	if j.opening != nil {
		return
	}
	ch := make(chan struct{})
	j.opening = ch
	go j.openAsync(j.path, ch)
}

func (j *Journal) openAsync(path string, ch chan struct{}) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.opening == ch {
		j.opening = nil
	}
	close(ch)

	if err != nil {
		// Appends keep using short-lived descriptors; the next one
		// re-schedules the open.
		logging.Warn("wal: journal open failed", zap.String("path", path), zap.Error(err))
		return
	}
	if j.closed || path != j.path {
		// Closed or rotated while opening. Discard, and chase the
		// current path if one is wanted.
		f.Close()
		if !j.closed {
			j.ensureOpeningLocked()
		}
		return
	}
	j.f = f
}

// appendShortLivedLocked writes through a descriptor that exists only
// for this call, covering the window before the gated open settles.
func (j *Journal) appendShortLivedLocked(data []byte) (int64, error) {
	f, err := os.OpenFile(j.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeWalAppendFailed, 500)
	}
	defer f.Close()

	n, err := f.Write(data)
	if err != nil {
		return int64(n), errors.Wrap(err, errors.CodeWalAppendFailed, 500)
	}
	j.size += int64(n)
	j.total += int64(n)
	if err := j.maybeSyncLocked(f); err != nil {
		return int64(n), err
	}
	return int64(n), nil
}

// maybeSyncLocked applies the fsync cadence: interval 0 syncs every
// append, otherwise at most once per interval.
func (j *Journal) maybeSyncLocked(f *os.File) error {
	if j.fsyncInterval > 0 && time.Since(j.lastSync) < j.fsyncInterval {
		return nil
	}
	if err := f.Sync(); err != nil {
		return errors.Wrap(err, errors.CodeWalAppendFailed, 500)
	}
	j.lastSync = time.Now()
	return nil
}

// Rotate syncs and closes the current file and schedules the open of a
// fresh one.
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return errors.ErrWalClosed
	}

	var firstErr error
	if j.f != nil {
		if err := j.f.Sync(); err != nil {
			firstErr = errors.Wrap(err, errors.CodeWalAppendFailed, 500)
		}
		if err := j.f.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, errors.CodeWalAppendFailed, 500)
		}
		j.f = nil
	}
	j.pickFileLocked()
	j.ensureOpeningLocked()
	return firstErr
}

// Close awaits any in-flight open, then syncs and closes the journal.
// Appends after Close fail with WAL_JOURNAL_CLOSED.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	opening := j.opening
	j.mu.Unlock()

	if opening != nil {
		<-opening
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	var firstErr error
	if j.f != nil {
		if err := j.f.Sync(); err != nil {
			firstErr = errors.Wrap(err, errors.CodeWalAppendFailed, 500)
		}
		if err := j.f.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, errors.CodeWalAppendFailed, 500)
		}
		j.f = nil
	}
	return firstErr
}

// Path returns the current journal file path.
func (j *Journal) Path() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.path
}

// Size returns the byte size of the current file.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.size
}

// TotalAppended returns bytes appended across all rotations.
func (j *Journal) TotalAppended() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.total
}
