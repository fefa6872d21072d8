package tailer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/cloudbsdorg/sysadm/internal/logging"
)

var watchLogger = logging.New(os.Stdout, "tailer")

var (
	errInvalidFD   = errors.New("invalid file descriptor")
	errWatchExists = errors.New("path is already being watched")
	errWatchDNE    = errors.New("path is not being watched")
)

// inotifyWatcher observes appends, truncation, and removal of watched
// files via Linux inotify. It is the OS-level-notification half of the
// Log Tailer contract (spec §4.4); the poll-fallback ticker lives in
// tailer.go.
type inotifyWatcher struct {
	mutex   sync.Mutex
	watches map[string]int
	paths   map[int]string
	events  chan watchEvent

	fd   int
	file *os.File

	done   chan struct{}
	closed chan struct{}
}

func newInotifyWatcher() (*inotifyWatcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("init inotify fd: %w", err)
	}

	file := os.NewFile(uintptr(fd), "/proc/self/fd/inotify")
	if file == nil {
		unix.Close(fd)
		return nil, fmt.Errorf("wrap inotify fd: %w", errInvalidFD)
	}

	w := &inotifyWatcher{
		watches: make(map[string]int),
		paths:   make(map[int]string),
		events:  make(chan watchEvent),
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
		fd:      fd,
		file:    file,
	}

	go w.readEvents()
	return w, nil
}

func (w *inotifyWatcher) addWatch(path string) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if _, ok := w.watches[path]; ok {
		return errWatchExists
	}

	wd, err := unix.InotifyAddWatch(w.fd, path, unix.IN_MODIFY|unix.IN_DELETE_SELF|unix.IN_MOVE_SELF|unix.IN_CREATE)
	if err != nil {
		return fmt.Errorf("add watch %s: %w", path, err)
	}

	w.watches[path] = wd
	w.paths[wd] = path
	return nil
}

func (w *inotifyWatcher) removeWatch(path string) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	wd, ok := w.watches[path]
	if !ok {
		return errWatchDNE
	}

	if success, err := unix.InotifyRmWatch(w.fd, uint32(wd)); success == -1 {
		return fmt.Errorf("remove watch %s: %w", path, err)
	}

	delete(w.watches, path)
	delete(w.paths, wd)
	return nil
}

func (w *inotifyWatcher) close() error {
	if w.isDone() {
		return nil
	}
	close(w.done)
	<-w.closed
	return nil
}

func (w *inotifyWatcher) isDone() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *inotifyWatcher) readEvents() {
	defer close(w.closed)
	defer close(w.events)

	go func() {
		<-w.done
		if err := w.file.Close(); err != nil {
			watchLogger.Warnf("close inotify fd; error: %s", err)
		}
	}()

	b := make([]byte, unix.SizeofInotifyEvent)
	for {
		if w.isDone() {
			return
		}

		n, err := io.ReadFull(w.file, b)
		if errors.Is(err, io.ErrUnexpectedEOF) {
			watchLogger.Warnf("short inotify event read; size: %d", n)
			continue
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			watchLogger.Warnf("inotify read; error: %s", err)
			continue
		}

		raw := (*unix.InotifyEvent)(unsafe.Pointer(&b[0]))
		mask := raw.Mask

		w.mutex.Lock()
		path, ok := w.paths[int(raw.Wd)]
		selfGone := mask&(unix.IN_DELETE_SELF|unix.IN_MOVE_SELF) != 0
		if ok && selfGone {
			delete(w.paths, int(raw.Wd))
			delete(w.watches, path)
		}
		w.mutex.Unlock()

		if !ok {
			continue
		}

		select {
		case <-w.done:
			return
		case w.events <- newWatchEvent(mask, path):
		}
	}
}

func newWatchEvent(mask uint32, path string) watchEvent {
	e := watchEvent{Path: path}
	if mask&unix.IN_MODIFY == unix.IN_MODIFY {
		e.Op |= opWrite
	}
	if mask&(unix.IN_DELETE_SELF|unix.IN_MOVE_SELF) != 0 {
		e.Op |= opRemove
	}
	if mask&unix.IN_CREATE == unix.IN_CREATE {
		e.Op |= opCreate
	}
	return e
}

type watchEvent struct {
	Op   watchOp
	Path string
}

type watchOp int

const (
	opWrite watchOp = 1 << iota
	opRemove
	opCreate
)

func (op watchOp) String() string {
	var buf bytes.Buffer
	if op&opWrite == opWrite {
		buf.WriteString("|WRITE")
	}
	if op&opRemove == opRemove {
		buf.WriteString("|REMOVE")
	}
	if op&opCreate == opCreate {
		buf.WriteString("|CREATE")
	}
	if buf.Len() == 0 {
		return ""
	}
	return buf.String()[1:]
}
