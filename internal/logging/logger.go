package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tis24dev/jobsave/internal/types"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation controls the size-based rotation of the log file mirror.
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultRotation keeps ten 20 MB files for at most 30 days.
func DefaultRotation() Rotation {
	return Rotation{MaxSizeMB: 20, MaxBackups: 10, MaxAgeDays: 30, Compress: true}
}

// Logger handles application logging.
type Logger struct {
	mu           sync.Mutex
	level        types.LogLevel
	useColor     bool
	output       io.Writer
	timeFormat   string
	prefix       string
	logFile      *lumberjack.Logger // Log file (optional)
	logPath      string
	warningCount int64
	errorCount   int64
}

// New creates a new logger.
func New(level types.LogLevel, useColor bool) *Logger {
	return &Logger{
		level:      level,
		useColor:   useColor,
		output:     os.Stdout,
		timeFormat: "2006-01-02 15:04:05",
	}
}

// SetOutput sets the logger output writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w == nil {
		l.output = os.Stdout
		return
	}
	l.output = w
}

// SetLevel sets the logging level.
func (l *Logger) SetLevel(level types.LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetPrefix tags every following message, typically with "[job]".
func (l *Logger) SetPrefix(prefix string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prefix = prefix
}

// OpenLogFile mirrors every message (without colors) to logPath, rotating
// the file according to rot.
func (l *Logger) OpenLogFile(logPath string, rot Rotation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile != nil {
		_ = l.logFile.Close()
	}

	// Fail early on unwritable paths; lumberjack would only report it on the first write.
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}
	_ = f.Close()

	l.logFile = &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    rot.MaxSizeMB,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAgeDays,
		Compress:   rot.Compress,
	}
	l.logPath = logPath
	return nil
}

// CloseLogFile closes the log file mirror.
func (l *Logger) CloseLogFile() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile == nil {
		return nil
	}

	err := l.logFile.Close()
	l.logFile = nil
	l.logPath = ""
	return err
}

// GetLogFilePath returns the path of the currently open log file (or "" if none).
func (l *Logger) GetLogFilePath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logPath
}

// UsesColor returns whether color output is enabled.
func (l *Logger) UsesColor() bool {
	return l.useColor
}

// GetLevel returns the current log level.
func (l *Logger) GetLevel() types.LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *Logger) log(level types.LogLevel, format string, args ...interface{}) {
	l.logWithLabel(level, "", "", format, args...)
}

func (l *Logger) logWithLabel(level types.LogLevel, label string, colorOverride string, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if level > l.level {
		return
	}

	// Counters feed the job summary and the metrics export.
	switch level {
	case types.LogLevelWarning:
		l.warningCount++
	case types.LogLevelError, types.LogLevelCritical:
		l.errorCount++
	}

	timestamp := time.Now().Format(l.timeFormat)
	levelStr := level.String()
	if label != "" {
		levelStr = label
	}
	message := fmt.Sprintf(format, args...)
	if l.prefix != "" {
		message = l.prefix + " " + message
	}

	colorCode, resetCode := "", ""
	if l.useColor {
		resetCode = "\033[0m"
		colorCode = colorOverride
		if colorCode == "" {
			colorCode = levelColor(level)
		}
	}

	fmt.Fprintf(l.output, "[%s] %s%-8s%s %s\n", timestamp, colorCode, levelStr, resetCode, message)
	if l.logFile != nil {
		fmt.Fprintf(l.logFile, "[%s] %-8s %s\n", timestamp, levelStr, message)
	}
}

func levelColor(level types.LogLevel) string {
	switch level {
	case types.LogLevelDebug:
		return "\033[36m" // Cyan
	case types.LogLevelInfo:
		return "\033[32m" // Green
	case types.LogLevelWarning:
		return "\033[33m" // Yellow
	case types.LogLevelError:
		return "\033[31m" // Red
	case types.LogLevelCritical:
		return "\033[1;31m" // Bold Red
	}
	return ""
}

// HasWarnings returns true if at least one warning was logged.
func (l *Logger) HasWarnings() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.warningCount > 0
}

// HasErrors returns true if at least one error or critical message was logged.
func (l *Logger) HasErrors() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errorCount > 0
}

// Counts returns the number of warnings and errors logged so far.
func (l *Logger) Counts() (warnings, errors int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.warningCount, l.errorCount
}

// Debug writes a debug log.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(types.LogLevelDebug, format, args...)
}

// Info writes an informational log
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(types.LogLevelInfo, format, args...)
}

// Phase writes an informational log with PHASE label
func (l *Logger) Phase(format string, args ...interface{}) {
	l.labelled("PHASE", "\033[34m", format, args...)
}

// Step writes an informational log with STEP label (to highlight sequential activities)
func (l *Logger) Step(format string, args ...interface{}) {
	l.labelled("STEP", "\033[34m", format, args...)
}

// Skip writes an informational log with SKIP label (for disabled/ignored elements)
func (l *Logger) Skip(format string, args ...interface{}) {
	l.labelled("SKIP", "\033[35m", format, args...)
}

func (l *Logger) labelled(label, color, format string, args ...interface{}) {
	if l == nil {
		return
	}
	if !l.useColor {
		color = ""
	}
	l.logWithLabel(types.LogLevelInfo, label, color, format, args...)
}

// Warning writes a warning log.
func (l *Logger) Warning(format string, args ...interface{}) {
	l.log(types.LogLevelWarning, format, args...)
}

// Error writes an error log.
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(types.LogLevelError, format, args...)
}

// Critical writes a critical log.
func (l *Logger) Critical(format string, args ...interface{}) {
	l.log(types.LogLevelCritical, format, args...)
}

// Lines logs every non-empty line of text at the given level, tagged with tag.
func (l *Logger) Lines(level types.LogLevel, tag, text string) {
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			continue
		}
		l.log(level, "[%s] %s", tag, line)
	}
}

// LineWriter returns an io.Writer that logs each complete line written to it.
// Call Flush on the returned writer to emit a trailing partial line.
func (l *Logger) LineWriter(level types.LogLevel, tag string) *LineWriter {
	return &LineWriter{logger: l, level: level, tag: tag}
}

// LineWriter adapts streamed child-process output to the logger.
type LineWriter struct {
	mu     sync.Mutex
	logger *Logger
	level  types.LogLevel
	tag    string
	buf    bytes.Buffer
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		idx := bytes.IndexByte(w.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := string(w.buf.Next(idx + 1))
		w.logger.Lines(w.level, w.tag, line)
	}
	return len(p), nil
}

// Flush emits any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.logger.Lines(w.level, w.tag, w.buf.String())
		w.buf.Reset()
	}
}
