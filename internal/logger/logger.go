// Package logger provides leveled logging.
package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Level represents a logging level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger provides leveled logging: a bracketed level prefix in text format,
// level= and msg= fields in json format.
type Logger struct {
	level  Level
	format string
	logger *log.Logger
}

var defaultLogger *Logger

// Init initializes the default logger with the specified level and format.
func Init(level string, format string) {
	var l Level
	switch strings.ToLower(level) {
	case "debug":
		l = DebugLevel
	case "info":
		l = InfoLevel
	case "warn":
		l = WarnLevel
	case "error":
		l = ErrorLevel
	default:
		l = InfoLevel
	}

	format = strings.ToLower(format)
	flags := log.LstdFlags | log.Lmicroseconds
	if format == "text" {
		flags |= log.Lshortfile
	}

	defaultLogger = &Logger{
		level:  l,
		format: format,
		logger: log.New(os.Stderr, "", flags),
	}
}

func output(level Level, format string, args []interface{}) {
	if defaultLogger == nil || defaultLogger.level > level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("[%s] %s", level, msg)
	if defaultLogger.format == "json" {
		line = fmt.Sprintf("level=%s msg=%q", level, msg)
	}
	_ = defaultLogger.logger.Output(3, line)
}

func Debug(format string, args ...interface{}) { output(DebugLevel, format, args) }
func Info(format string, args ...interface{})  { output(InfoLevel, format, args) }
func Warn(format string, args ...interface{})  { output(WarnLevel, format, args) }
func Error(format string, args ...interface{}) { output(ErrorLevel, format, args) }

func Fatal(format string, args ...interface{}) {
	msg := fmt.Sprintf("[FATAL] "+format, args...)
	if defaultLogger != nil {
		if defaultLogger.format == "json" {
			msg = fmt.Sprintf("level=FATAL msg=%q", fmt.Sprintf(format, args...))
		}
		_ = defaultLogger.logger.Output(2, msg)
	}
	os.Exit(1)
}
