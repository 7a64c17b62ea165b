package logging

import (
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
)

type Logger struct {
	info  *log.Logger
	warn  *log.Logger
	debug *log.Logger
	err   *log.Logger
	errMu sync.Mutex
	errW  io.WriteCloser

	debugOn atomic.Bool
}

func New(errorsPath string) (*Logger, error) {
	// Clear the log file on startup
	if err := os.Truncate(errorsPath, 0); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	f, err := os.OpenFile(errorsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	// Write errors to both stdout and file
	errWriter := io.MultiWriter(os.Stdout, f)
	l := &Logger{
		info:  log.New(os.Stdout, "INFO ", log.LstdFlags|log.Lmicroseconds),
		warn:  log.New(os.Stdout, "WARN ", log.LstdFlags|log.Lmicroseconds),
		debug: log.New(os.Stdout, "DEBUG ", log.LstdFlags|log.Lmicroseconds),
		err:   log.New(errWriter, "ERROR ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		errW:  f,
	}
	return l, nil
}

// NewWriter builds a logger that writes every level to w. Used by tests and
// by tools that have no errors file.
func NewWriter(w io.Writer) *Logger {
	return &Logger{
		info:  log.New(w, "INFO ", log.LstdFlags|log.Lmicroseconds),
		warn:  log.New(w, "WARN ", log.LstdFlags|log.Lmicroseconds),
		debug: log.New(w, "DEBUG ", log.LstdFlags|log.Lmicroseconds),
		err:   log.New(w, "ERROR ", log.LstdFlags|log.Lmicroseconds),
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWriter(io.Discard)
}

func (l *Logger) SetDebug(on bool) {
	l.debugOn.Store(on)
}

func (l *Logger) Close() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	if l.errW != nil {
		return l.errW.Close()
	}
	return nil
}

func (l *Logger) Debugf(format string, args ...any) {
	if !l.debugOn.Load() {
		return
	}
	l.debug.Printf(format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.info.Printf(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.warn.Printf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	l.err.Printf(format, args...)
}

func (l *Logger) Error(err error) {
	if err == nil {
		return
	}
	l.Errorf("%v", err)
}
