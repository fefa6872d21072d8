// Package tailer implements the Log Tailer described in spec §4.4: it
// follows a file for appended bytes, resuming from a stored offset
// across restarts unless the file was rotated, and surviving the file's
// temporary disappearance.
package tailer

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cloudbsdorg/sysadm/internal/sysadm/configstore"
)

// PollInterval is the safety-net poll period for filesystems where
// change notifications are unreliable (spec §4.4).
const PollInterval = 10 * time.Second

// Block is one chunk of newly-appended bytes.
type Block struct {
	Path string
	Data []byte
}

// Metrics receives tailer lag instrumentation. A nil Metrics is a no-op.
type Metrics interface {
	TailerLag(path string, lag int64)
}

// Tailer follows one file for appends and reports blocks on Blocks.
type Tailer struct {
	path  string
	store *configstore.Store

	// Metrics, if set, is reported to after every read pass with the gap
	// between the last-read offset and the file's current size.
	Metrics Metrics

	Blocks chan Block

	watcher *inotifyWatcher
}

// New creates a Tailer for path. It does not begin reading until Run is
// called.
func New(path string, store *configstore.Store) *Tailer {
	return &Tailer{path: path, store: store, Blocks: make(chan Block, 16)}
}

// Run attaches to the file and streams appended blocks until ctx is
// cancelled, then closes Blocks. On first attach it records the file's
// size and creation time; on later restarts it resumes from the stored
// offset unless the creation time has advanced, in which case it reads
// from the beginning (spec §4.4).
func (t *Tailer) Run(ctx context.Context) {
	defer close(t.Blocks)

	watcher, err := newInotifyWatcher()
	if err != nil {
		watchLogger.Warnf("inotify unavailable for %s, falling back to polling only; error: %s", t.path, err)
	} else {
		t.watcher = watcher
		defer watcher.close()
	}

	offset := t.resumeOffset()

	poll := time.NewTicker(PollInterval)
	defer poll.Stop()

	dirWatched := false

	for {
		if !dirWatched {
			t.watchFile()
		}

		newOffset, err := t.readFrom(offset)
		if err != nil {
			if os.IsNotExist(err) {
				dirWatched = t.watchDir()
			}
		} else {
			offset = newOffset
			dirWatched = false
		}
		t.reportLag(offset)

		var watchCh <-chan watchEvent
		if t.watcher != nil {
			watchCh = t.watcher.events
		}

		select {
		case <-ctx.Done():
			return
		case <-poll.C:
		case ev, ok := <-watchCh:
			if !ok {
				continue
			}
			switch {
			case ev.Op&opRemove != 0:
				dirWatched = t.watchDir()
			case ev.Op&opCreate != 0 && dirWatched:
				if t.watcher != nil {
					_ = t.watcher.removeWatch(filepath.Dir(t.path))
				}
				dirWatched = false
			}
		}
	}
}

// resumeOffset implements the resume-after-restart policy from spec
// §4.4: resume from the stored offset iff ctime has not advanced,
// otherwise start from the beginning because the file was rotated. On
// a brand-new attach it records the current size and ctime and starts
// from end-of-file.
func (t *Tailer) resumeOffset() int64 {
	info, err := os.Stat(t.path)
	if err != nil {
		return 0
	}
	ctime := fileCtime(info)

	storedOffset, hasOffset := t.store.Get(configstore.TailOffsetKey(t.path))
	storedCtime, hasCtime := t.store.Get(configstore.TailCtimeKey(t.path))

	if hasOffset && hasCtime && storedCtime == strconv.FormatInt(ctime, 10) {
		if n, err := strconv.ParseInt(storedOffset, 10, 64); err == nil {
			return n
		}
	}

	// First attach, or the file was rotated: start from end-of-file and
	// record the new baseline.
	offset := info.Size()
	t.persistOffset(offset, ctime)
	return offset
}

// readFrom reads every byte currently available past offset, publishes
// it as one or more Blocks, and returns the new offset.
func (t *Tailer) readFrom(offset int64) (int64, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return offset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return offset, err
	}

	// Truncation: the file shrank below our offset, so resume from 0.
	if info.Size() < offset {
		offset = 0
	}
	if info.Size() == offset {
		return offset, nil
	}

	if _, err := f.Seek(offset, 0); err != nil {
		return offset, err
	}

	buf := make([]byte, 32*1024)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			offset += int64(n)
			t.persistOffset(offset, fileCtime(info))
			t.Blocks <- Block{Path: t.path, Data: chunk}
		}
		if readErr != nil {
			break
		}
	}
	return offset, nil
}

func (t *Tailer) persistOffset(offset, ctime int64) {
	_ = t.store.Set(configstore.TailOffsetKey(t.path), strconv.FormatInt(offset, 10))
	_ = t.store.Set(configstore.TailCtimeKey(t.path), strconv.FormatInt(ctime, 10))
}

// reportLag records the gap between offset and the file's current size,
// if Metrics is set. A missing file reports no lag rather than erroring.
func (t *Tailer) reportLag(offset int64) {
	if t.Metrics == nil {
		return
	}
	info, err := os.Stat(t.path)
	if err != nil {
		return
	}
	lag := info.Size() - offset
	if lag < 0 {
		lag = 0
	}
	t.Metrics.TailerLag(t.path, lag)
}

func (t *Tailer) watchFile() {
	if t.watcher == nil {
		return
	}
	_ = t.watcher.addWatch(t.path)
}

// watchDir falls back to watching the parent directory for the file's
// reappearance (spec §4.4: "keeps polling for reappearance via the
// parent directory").
func (t *Tailer) watchDir() bool {
	if t.watcher == nil {
		return false
	}
	dir := filepath.Dir(t.path)
	_ = t.watcher.addWatch(dir)
	return true
}
