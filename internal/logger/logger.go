package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// Logger is our abstract logging interface.
type Logger interface {
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(err error)
	WithFields(fields map[string]any) Logger
}

// LogrusLogger implements Logger using logrus.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger creates a logrus logger writing JSON to stdout and, when
// filepath is set, appending to that file as well. An empty level selects
// debug on a terminal and error otherwise.
func NewLogrusLogger(filepath, level string) (Logger, error) {
	var out io.Writer = os.Stdout
	if filepath != "" {
		file, err := os.OpenFile(filepath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		out = io.MultiWriter(os.Stdout, file)
	}

	lvl, err := resolveLevel(level, term.IsTerminal(int(os.Stdout.Fd())))
	if err != nil {
		return nil, err
	}

	baseLogger := logrus.New()
	baseLogger.SetOutput(out)
	baseLogger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02 15:04:05.000000",
	})
	baseLogger.SetLevel(lvl)

	return &LogrusLogger{
		entry: logrus.NewEntry(baseLogger),
	}, nil
}

func resolveLevel(level string, tty bool) (logrus.Level, error) {
	if level != "" {
		return logrus.ParseLevel(level)
	}
	if tty {
		return logrus.DebugLevel, nil
	}
	return logrus.ErrorLevel, nil
}

func (l *LogrusLogger) Debug(msg string) {
	l.entry.Debug(msg)
}

func (l *LogrusLogger) Info(msg string) {
	l.entry.Info(msg)
}

func (l *LogrusLogger) Warn(msg string) {
	l.entry.Warn(msg)
}

func (l *LogrusLogger) Error(err error) {
	l.entry.Error(err)
}

func (l *LogrusLogger) WithFields(fields map[string]any) Logger {
	return &LogrusLogger{
		entry: l.entry.WithFields(logrus.Fields(fields)),
	}
}
