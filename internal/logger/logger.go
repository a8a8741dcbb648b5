package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	instance *Logger
	once     sync.Once
)

// Logger writes leveled printf-style lines to the console and to a
// per-day log file. A single instance serves the whole process.
type Logger struct {
	mu      sync.Mutex
	out     *log.Logger
	errOut  *log.Logger
	file    *os.File
	verbose bool
}

// Init opens the log file under logDir and installs the global logger.
// Repeated calls are no-ops. Debug output is enabled with OUTPOST_DEBUG=1.
func Init(logDir string) error {
	var initErr error
	once.Do(func() {
		instance, initErr = open(logDir)
	})
	return initErr
}

func open(logDir string) (*Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	name := fmt.Sprintf("outpost-%s.log", time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &Logger{
		out:     log.New(io.MultiWriter(os.Stdout, file), "", log.LstdFlags),
		errOut:  log.New(io.MultiWriter(os.Stderr, file), "ERROR: ", log.LstdFlags),
		file:    file,
		verbose: os.Getenv("OUTPOST_DEBUG") == "1",
	}, nil
}

// Close closes the log file.
func Close() error {
	if instance != nil && instance.file != nil {
		return instance.file.Close()
	}
	return nil
}

func (l *Logger) printf(dst *log.Logger, format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	dst.Printf(format, v...)
}

// Info logs an informational message.
func Info(format string, v ...interface{}) {
	if instance != nil {
		instance.printf(instance.out, format, v...)
	}
}

// Debug logs a diagnostic message; dropped unless OUTPOST_DEBUG=1.
func Debug(format string, v ...interface{}) {
	if instance != nil && instance.verbose {
		instance.printf(instance.out, "DEBUG: "+format, v...)
	}
}

// Error logs an error message.
func Error(format string, v ...interface{}) {
	if instance != nil {
		instance.printf(instance.errOut, format, v...)
	}
}

// Fatalf logs a formatted error and exits.
func Fatalf(format string, v ...interface{}) {
	if instance != nil {
		instance.mu.Lock()
		instance.errOut.Fatalf(format, v...)
		instance.mu.Unlock()
	} else {
		log.Fatalf(format, v...)
	}
}
