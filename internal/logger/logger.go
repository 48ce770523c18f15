// Package logger owns the two process-wide text logs: grps_server.log for the
// framework and grps_usr.log for user-authored model code. Both are daily
// rotated with bounded backups. Appends are thread-safe and never block the
// caller beyond the file write itself.
package logger

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// Log file names under the configured log directory.
const (
	ServerLogName = "grps_server.log"
	UsrLogName    = "grps_usr.log"
)

// Logger is a leveled wrapper over a stdlib log.Logger.
type Logger struct {
	out *log.Logger
}

const logFlags = log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile

// Package defaults write to stderr until Setup installs the real files, so
// early startup errors and tests still log somewhere.
var (
	server = &Logger{out: log.New(os.Stderr, "", logFlags)}
	usr    = &Logger{out: log.New(os.Stderr, "", logFlags)}
)

// Setup points the two loggers at their files under logDir.
func Setup(logDir string, backupCount int) error {
	sw, err := newRotatingWriter(filepath.Join(logDir, ServerLogName), backupCount)
	if err != nil {
		return err
	}
	uw, err := newRotatingWriter(filepath.Join(logDir, UsrLogName), backupCount)
	if err != nil {
		return err
	}
	server.out.SetOutput(sw)
	usr.out.SetOutput(uw)
	return nil
}

// Server returns the framework logger.
func Server() *Logger { return server }

// Usr returns the logger reserved for user-authored code.
func Usr() *Logger { return usr }

func (l *Logger) output(level, format string, args ...interface{}) {
	_ = l.out.Output(3, level+"] "+fmt.Sprintf(format, args...))
}

// Infof logs at INFO.
func (l *Logger) Infof(format string, args ...interface{}) { l.output("INFO", format, args...) }

// Warnf logs at WARNING.
func (l *Logger) Warnf(format string, args ...interface{}) { l.output("WARNING", format, args...) }

// Errorf logs at ERROR.
func (l *Logger) Errorf(format string, args ...interface{}) { l.output("ERROR", format, args...) }

// Critf logs at CRITICAL. The caller decides whether to abort.
func (l *Logger) Critf(format string, args ...interface{}) { l.output("CRITICAL", format, args...) }
