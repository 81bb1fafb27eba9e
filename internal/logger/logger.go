// Package logger builds the process-wide zap logger. Level 0 is quiet
// (warnings and errors only), 1 is normal, 2 is debug, matching the
// Log Level config key. The daemon's sink starts at stdout and is switched
// to syslog just before the daemon starts serving the mount.
package logger

import (
	"fmt"
	"log/syslog"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapLevel maps the config level to a zap level, clamping out-of-range values.
func zapLevel(level int) zapcore.Level {
	switch {
	case level <= 0:
		return zapcore.WarnLevel
	case level == 1:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// Sink is a write syncer whose destination can be swapped at runtime.
type Sink struct {
	mu     sync.Mutex
	out    zapcore.WriteSyncer
	syslog *syslog.Writer
}

func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syslog != nil {
		if err := s.syslog.Info(string(p)); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return s.out.Write(p)
}

// Sync flushes the current destination.
func (s *Sink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syslog != nil {
		return nil
	}
	return s.out.Sync()
}

// SwitchToSyslog reroutes all further output to the local syslog daemon;
// the mount daemon calls this just before it mounts and starts serving, so
// the mount's own messages already go to syslog.
func (s *Sink) SwitchToSyslog() error {
	w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, "autotier")
	if err != nil {
		return fmt.Errorf("failed to connect to syslog: %w", err)
	}
	s.mu.Lock()
	s.syslog = w
	s.mu.Unlock()
	return nil
}

// New creates a sugared logger at the given level writing to stdout, plus
// the sink handle used to reroute it later.
func New(level int) (*zap.SugaredLogger, *Sink) {
	sink := &Sink{out: zapcore.Lock(os.Stdout)}

	encoderCfg := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		sink,
		zapLevel(level),
	)
	return zap.New(core).Sugar(), sink
}

// Nop returns a logger that discards everything, for tests.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
