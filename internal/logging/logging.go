// Package logging provides a leveled logger used by every sysadm core
// component.
package logging

import (
	"fmt"
	"io"
	"log"
	"runtime"
	"strings"
)

// New creates a Logger instance that writes to w, prefixing every line
// with component.
func New(w io.Writer, component string) *Logger {
	return &Logger{
		log.New(
			w,
			fmt.Sprintf("[%s] ", component),
			log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC|log.Lmsgprefix,
		),
	}
}

// Logger wraps the standard library logger with leveled helpers. Each
// logging operation makes a single call to the underlying io.Writer, so
// Logger is safe for concurrent use.
type Logger struct {
	*log.Logger
}

// Errorf prints an error level message.
func (l *Logger) Errorf(msg string, args ...interface{}) {
	file, line := caller(2)
	l.Printf("[ERROR] %s:%d --- %s", file, line, fmt.Sprintf(msg, args...))
}

// Warnf prints a warn level message.
func (l *Logger) Warnf(msg string, args ...interface{}) {
	file, line := caller(2)
	l.Printf("[WARN] %s:%d --- %s", file, line, fmt.Sprintf(msg, args...))
}

// Infof prints an info level message.
func (l *Logger) Infof(msg string, args ...interface{}) {
	file, line := caller(2)
	l.Printf("[INFO] %s:%d --- %s", file, line, fmt.Sprintf(msg, args...))
}

func caller(depth int) (string, int) {
	_, file, line, ok := runtime.Caller(depth)
	if !ok {
		return "???", 0
	}
	parts := strings.Split(file, "/")
	if len(parts) > 3 {
		file = strings.Join(parts[len(parts)-3:], "/")
	}
	return file, line
}
