package observ

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logger = newDefaultLogger()

// LogConfig controls the process-wide structured logger.
type LogConfig struct {
	Level      string `yaml:"level"`       // debug|info|warn|error
	Path       string `yaml:"path"`        // empty = stdout only
	MaxSizeMB  int    `yaml:"max_size_mb"` // rotation threshold
	MaxBackups int    `yaml:"max_backups"`
}

func newDefaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	l.SetOutput(os.Stdout)
	return l
}

// InitLogging applies config to the shared logger. Safe to call once at
// startup; tests run fine against the default.
func InitLogging(cfg LogConfig) {
	if lvl, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(lvl)
	}
	if cfg.Path != "" {
		rot := &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, rot))
	}
}

// Log emits an info-level structured event.
func Log(event string, kv map[string]any) {
	logger.WithFields(logrus.Fields(kv)).Info(event)
}

// Warn emits a warn-level structured event.
func Warn(event string, kv map[string]any) {
	logger.WithFields(logrus.Fields(kv)).Warn(event)
}

// Error emits an error-level structured event. Circuit-breaker transitions
// and kill-switch triggers go through here: they affect every subsequent
// attempt for an account, not just one trade.
func Error(event string, kv map[string]any) {
	logger.WithFields(logrus.Fields(kv)).Error(event)
}
